package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/goatkit/queueflow/internal/api"
	"github.com/goatkit/queueflow/internal/changesignal"
	"github.com/goatkit/queueflow/internal/config"
	"github.com/goatkit/queueflow/internal/middleware"
	"github.com/goatkit/queueflow/internal/service"
	"github.com/goatkit/queueflow/internal/services/scheduler"
	"github.com/goatkit/queueflow/internal/stream"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the notification stream and the housekeeping scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if root.configPath != "" {
				watchConfig(root, logger)
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.Server.Mode)

	b, err := openBackends(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer b.Close()

	sig := changesignal.New(b.markers, changesignal.WithLogger(logger))
	queue := service.NewQueueService(b.tickets, sig, service.WithLogger(logger))
	sub := stream.New(queue, sig, stream.WithLogger(logger))

	var sched *scheduler.Service
	if cfg.Scheduler.Enabled {
		if sched, err = newScheduler(cfg, b.markers, queue, logger); err != nil {
			return err
		}
	}

	limiter := middleware.NewRateLimiter()
	defer limiter.Stop()

	handler := api.NewHandler(queue, sub,
		api.WithLogger(logger),
		api.WithRateLimit(limiter, cfg.RateLimit.RequestsPerHour),
	)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           api.NewRouter(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming requests inherit ctx and end when shutdown begins.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("http: shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	return g.Wait()
}

// watchConfig applies log level changes from the config file while serving.
// Every other setting needs a restart.
func watchConfig(root *rootOptions, logger *slog.Logger) {
	err := config.Watch(root.configPath, func(cfg *config.Config, err error) {
		if err != nil {
			logger.Warn("config: reload rejected", "path", root.configPath, "error", err)
			return
		}
		level, err := parseLevel(cfg.Log.Level)
		if err != nil {
			logger.Warn("config: reload rejected", "path", root.configPath, "error", err)
			return
		}
		root.level.Set(level)
		logger.Info("config: reloaded", "path", root.configPath, "log_level", level.String())
	})
	if err != nil {
		logger.Warn("config: watch disabled", "path", root.configPath, "error", err)
	}
}
