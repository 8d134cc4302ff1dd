package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/juju/mgo/v3"
	"github.com/redis/go-redis/v9"

	"github.com/goatkit/queueflow/internal/config"
	"github.com/goatkit/queueflow/internal/database"
	"github.com/goatkit/queueflow/internal/repository"
)

// backends holds the opened stores and how to release them.
type backends struct {
	tickets repository.TicketRepository
	markers repository.ChangeMarkerRepository
	sqlDB   *sqlx.DB

	closers []func() error
}

// Close releases every opened connection, newest first.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// openBackends connects the ticket store and the change marker store
// described by cfg. SQL schemas are created when migrate is set.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (*backends, error) {
	b := &backends{}
	if err := b.openStore(ctx, cfg, logger, migrate); err != nil {
		b.Close()
		return nil, err
	}
	if cfg.Signal.Backend == config.SignalRedis {
		if err := b.openRedisMarkers(ctx, cfg, logger); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *backends) openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) error {
	switch {
	case cfg.Store.Driver == config.DriverMemory:
		logger.Warn("store: using in-memory store, tickets are lost on restart")
		b.tickets = repository.NewMemoryTicketRepository()
		b.markers = repository.NewMemoryChangeMarkerRepository()
		return nil

	case cfg.Store.IsSQL():
		pool := database.DefaultPoolConfig(cfg.Store.Driver, cfg.Store.DSN)
		if cfg.Store.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.Store.MaxOpenConns
		}
		if cfg.Store.MaxIdleConns > 0 {
			pool.MaxIdleConns = cfg.Store.MaxIdleConns
		}
		if cfg.Store.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Store.ConnMaxLifetime
		}
		if cfg.Store.DialTimeout > 0 {
			pool.PingTimeout = cfg.Store.DialTimeout
		}
		db, err := database.Open(ctx, pool)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, db.Close)
		if migrate {
			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
		}
		b.sqlDB = db
		b.tickets = repository.NewTicketSQLRepository(db)
		b.markers = repository.NewChangeMarkerSQLRepository(db)
		logger.Info("store: connected", "driver", db.DriverName())
		return nil

	case cfg.Store.Driver == config.DriverMongo:
		session, err := dialMongo(cfg.Store.DSN, cfg.Store.DialTimeout)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() error { session.Close(); return nil })

		tickets := repository.NewTicketMongoRepository(session, cfg.Store.Database, cfg.Store.Collection)
		if err := tickets.EnsureIndexes(ctx); err != nil {
			return err
		}
		b.tickets = tickets
		b.markers = repository.NewChangeMarkerMongoRepository(session, cfg.Store.Database, repository.DefaultMarkerCollection)
		logger.Info("store: connected", "driver", "mongo", "database", cfg.Store.Database, "collection", cfg.Store.Collection)
		return nil
	}
	return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
}

// dialMongo connects with strong consistency. The in-service count that guards
// promotion must be read from the primary.
func dialMongo(dsn string, timeout time.Duration) (*mgo.Session, error) {
	session, err := mgo.DialWithTimeout(dsn, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial mongo: %w", err)
	}
	session.SetMode(mgo.Strong, true)
	return session, nil
}

func (b *backends) openRedisMarkers(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	b.closers = append(b.closers, rdb.Close)

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	b.markers = repository.NewChangeMarkerRedisRepository(rdb, cfg.Redis.Stream)
	logger.Info("signal: using redis stream", "stream", cfg.Redis.Stream)
	return nil
}
