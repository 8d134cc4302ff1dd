// Package changesignal maintains the durable "last change" marker that
// notification streams poll to decide whether to push a fresh snapshot.
package changesignal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goatkit/queueflow/internal/repository"
)

// Epoch is returned by LatestInstant when no change was ever recorded.
var Epoch = time.Unix(0, 0).UTC()

// Signal records change instants in a marker repository.
type Signal struct {
	markers repository.ChangeMarkerRepository
	logger  *slog.Logger
	now     func() time.Time
	metrics *signalMetrics

	mu   sync.Mutex
	last time.Time
}

// Option is a functional option for Signal.
type Option func(*Signal)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Signal) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signal) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Signal backed by markers.
func New(markers repository.ChangeMarkerRepository, opts ...Option) *Signal {
	s := &Signal{
		markers: markers,
		logger:  slog.Default(),
		now:     time.Now,
		metrics: globalSignalMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Advance records the current instant as the latest change. Failures are
// logged and counted but never returned; a lost marker only delays the next
// push until another change lands.
func (s *Signal) Advance(ctx context.Context) {
	at := s.nextInstant()
	if err := s.markers.InsertMarker(ctx, at); err != nil {
		s.metrics.recordAdvance(false)
		s.logger.Warn("signal: failed to record change", "at", at, "error", err)
		return
	}
	s.metrics.recordAdvance(true)
}

// nextInstant returns now truncated to milliseconds, bumped past the last
// instant handed out by this process.
func (s *Signal) nextInstant() time.Time {
	at := s.now().UTC().Truncate(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !at.After(s.last) {
		at = s.last.Add(time.Millisecond)
	}
	s.last = at
	return at
}

// LatestInstant returns the most recent recorded change, or Epoch.
func (s *Signal) LatestInstant(ctx context.Context) (time.Time, error) {
	at, ok, err := s.markers.LatestMarker(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return Epoch, nil
	}
	return at.UTC(), nil
}
