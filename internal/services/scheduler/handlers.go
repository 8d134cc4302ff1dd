package scheduler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/goatkit/queueflow/internal/models"
)

// Handler names.
const (
	HandlerSignalPrune = "signal.prune"
	HandlerQueueGauges = "queue.gauges"
)

func (s *Service) registerBuiltinHandlers() {
	s.RegisterHandler(HandlerSignalPrune, s.handlePruneMarkers)
	s.RegisterHandler(HandlerQueueGauges, s.handleQueueGauges)
}

// handlePruneMarkers deletes change markers older than the retention window.
// The newest marker always survives so readers never fall back to the epoch.
func (s *Service) handlePruneMarkers(ctx context.Context, job *models.ScheduledJob) error {
	if s.markers == nil {
		s.logger.Printf("scheduler: marker store unavailable, skipping prune")
		return nil
	}

	retention := durationFromConfig(job.Config, "retention", s.retention)
	cutoff := s.now().Add(-retention)

	latest, ok, err := s.markers.LatestMarker(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if latest.Before(cutoff) {
		cutoff = latest
	}

	removed, err := s.markers.PruneMarkers(ctx, cutoff)
	if err != nil {
		return err
	}
	s.metrics.recordPruned(removed)
	if removed > 0 {
		s.logger.Printf("scheduler: prune removed %d marker(s) before %s", removed, cutoff.UTC().Format(time.RFC3339))
	}
	return nil
}

// handleQueueGauges recomputes stats; the engine refreshes its gauges as a
// side effect.
func (s *Service) handleQueueGauges(ctx context.Context, job *models.ScheduledJob) error {
	if s.stats == nil {
		s.logger.Printf("scheduler: stats source unavailable, skipping gauges")
		return nil
	}
	stats, err := s.stats.ComputeStats(ctx)
	if err != nil {
		return err
	}
	if intFromConfig(job.Config, "verbose", 0) > 0 {
		s.logger.Printf("scheduler: gauges waiting=%d completed_today=%d", stats.QueueLength, stats.CompletedToday)
	}
	return nil
}

// DefaultJobs returns the built-in job definitions.
func DefaultJobs() []*models.ScheduledJob {
	return []*models.ScheduledJob{
		{
			Name:           "Change Marker Pruning",
			Slug:           "signal-prune",
			Handler:        HandlerSignalPrune,
			Schedule:       "0 3 * * *",
			TimeoutSeconds: 300,
		},
		{
			Name:           "Queue Gauges",
			Slug:           "queue-gauges",
			Handler:        HandlerQueueGauges,
			Schedule:       "*/1 * * * *",
			TimeoutSeconds: 30,
		},
	}
}

func intFromConfig(cfg map[string]any, key string, def int) int {
	if cfg == nil {
		return def
	}
	val, ok := cfg[key]
	if !ok {
		return def
	}
	switch v := val.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return def
}

// durationFromConfig accepts a time.Duration, a duration string such as
// "24h", or a number of seconds.
func durationFromConfig(cfg map[string]any, key string, def time.Duration) time.Duration {
	if cfg == nil {
		return def
	}
	val, ok := cfg[key]
	if !ok {
		return def
	}
	switch v := val.(type) {
	case time.Duration:
		if v > 0 {
			return v
		}
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			return d
		}
	default:
		if n := intFromConfig(cfg, key, 0); n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
