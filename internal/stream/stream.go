// Package stream pushes queue snapshots to subscribers whenever the change
// signal moves past the last instant a subscriber has seen.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goatkit/queueflow/internal/models"
)

// DefaultPollInterval is how often a subscriber checks the change signal.
const DefaultPollInterval = 800 * time.Millisecond

// StatsSource computes queue snapshots.
type StatsSource interface {
	ComputeStats(ctx context.Context) (models.AggregateStats, error)
}

// ChangeSource reports the latest change instant.
type ChangeSource interface {
	LatestInstant(ctx context.Context) (time.Time, error)
}

// Sink delivers one snapshot to a subscriber. An error ends the subscription.
type Sink interface {
	Send(ctx context.Context, stats models.AggregateStats) error
}

// Stream polls the change signal on behalf of subscribers.
type Stream struct {
	stats    StatsSource
	changes  ChangeSource
	interval time.Duration
	logger   *slog.Logger
	metrics  *streamMetrics
}

// Option is a functional option for Stream.
type Option func(*Stream)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Stream.
func New(stats StatsSource, changes ChangeSource, opts ...Option) *Stream {
	s := &Stream{
		stats:    stats,
		changes:  changes,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		metrics:  globalStreamMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves one subscriber until ctx is cancelled or the sink fails. It
// sends the current snapshot immediately, then one snapshot per observed
// change. The marker is read before the first snapshot so a change racing
// with the connection is never lost.
func (s *Stream) Run(ctx context.Context, sink Sink) error {
	s.metrics.subscribers.Inc()
	defer s.metrics.subscribers.Dec()

	lastSeen, err := s.changes.LatestInstant(ctx)
	if err != nil {
		s.logger.Warn("stream: failed to read change signal", "error", err)
		lastSeen = time.Time{}
	}

	initial, err := s.stats.ComputeStats(ctx)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	if err := s.send(ctx, sink, initial); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		latest, err := s.changes.LatestInstant(ctx)
		if err != nil {
			s.logger.Warn("stream: failed to read change signal", "error", err)
			continue
		}
		if !latest.After(lastSeen) {
			continue
		}

		stats, err := s.stats.ComputeStats(ctx)
		if err != nil {
			s.logger.Warn("stream: failed to compute stats", "error", err)
			continue
		}
		if err := s.send(ctx, sink, stats); err != nil {
			return err
		}
		lastSeen = latest
	}
}

func (s *Stream) send(ctx context.Context, sink Sink, stats models.AggregateStats) error {
	if err := sink.Send(ctx, stats); err != nil {
		s.metrics.events.WithLabelValues("failure").Inc()
		return fmt.Errorf("send snapshot: %w", err)
	}
	s.metrics.events.WithLabelValues("success").Inc()
	return nil
}
