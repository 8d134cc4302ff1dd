package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PoolConfig defines database connection pool configuration
type PoolConfig struct {
	Driver string
	DSN    string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	PingTimeout time.Duration
}

// DefaultPoolConfig returns the pool settings used when none are configured.
func DefaultPoolConfig(driver, dsn string) PoolConfig {
	return PoolConfig{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 15 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Open opens and pings a pooled connection for the configured driver and
// exports its pool statistics to Prometheus.
func Open(ctx context.Context, cfg PoolConfig) (*sqlx.DB, error) {
	driver := NormalizeDriver(cfg.Driver)
	if !IsSQLDriver(driver) {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	dsn, err := prepareDSN(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	if driver == DriverSQLite {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	registerPoolMetrics(db)
	return db, nil
}

// prepareDSN forces settings the repositories depend on: MySQL must return
// DATETIME columns as UTC time.Time values.
func prepareDSN(driver, dsn string) (string, error) {
	if !IsMySQL(driver) {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func registerPoolMetrics(db *sqlx.DB) {
	// A second pool in the same process keeps the first pool's collector.
	_ = prometheus.Register(collectors.NewDBStatsCollector(db.DB, "queueflow"))
}
