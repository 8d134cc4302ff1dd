// Command queueflow runs the single-queue ticket service and its
// maintenance commands.
package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goatkit/queueflow/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	level      slog.LevelVar
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "queueflow",
		Short:        "Single-queue service ticket workflow",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newRegisterCmd(opts),
		newStatusCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log, &o.level, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newLogger builds the process logger from the log section. The level is
// held in level so it can change while the process runs.
func newLogger(cfg config.LogConfig, level *slog.LevelVar, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level.Set(lvl)
	handlerOpts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	}
	return nil, fmt.Errorf("invalid log.format %q", cfg.Format)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return level, nil
}

// stdLogger adapts logger for components that take a *log.Logger.
func stdLogger(logger *slog.Logger) *log.Logger {
	return slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
}
