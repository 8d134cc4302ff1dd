// Package scheduler runs the periodic housekeeping jobs of a queueflow
// instance on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/goatkit/queueflow/internal/models"
)

// DefaultMarkerRetention is how long change markers are kept by default.
const DefaultMarkerRetention = 24 * time.Hour

// HandlerFunc executes one scheduled job.
type HandlerFunc func(ctx context.Context, job *models.ScheduledJob) error

type markerStore interface {
	LatestMarker(ctx context.Context) (time.Time, bool, error)
	PruneMarkers(ctx context.Context, before time.Time) (int64, error)
}

type statsComputer interface {
	ComputeStats(ctx context.Context) (models.AggregateStats, error)
}

// Service owns the cron engine and the registered job handlers.
type Service struct {
	markers   markerStore
	stats     statsComputer
	logger    *log.Logger
	cron      *cron.Cron
	parser    cron.Parser
	jobs      []*models.ScheduledJob
	retention time.Duration
	now       func() time.Time
	metrics   *jobMetrics

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	entries  map[string]cron.EntryID
	baseCtx  context.Context
	started  bool
}

// NewService creates a scheduler that prunes markers from the given store.
// markers may be nil, in which case signal.prune is skipped.
func NewService(markers markerStore, opts ...Option) *Service {
	o := defaultOptions()
	o.Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Cron == nil {
		o.Cron = cron.New(cron.WithLocation(o.Location), cron.WithParser(o.Parser))
	}
	jobs := o.Jobs
	if jobs == nil {
		jobs = DefaultJobs()
	}

	s := &Service{
		markers:   markers,
		stats:     o.Stats,
		logger:    o.Logger,
		cron:      o.Cron,
		parser:    o.Parser,
		jobs:      jobs,
		retention: o.Retention,
		now:       o.Clock,
		metrics:   globalJobMetrics(),
		handlers:  make(map[string]HandlerFunc),
		entries:   make(map[string]cron.EntryID),
		baseCtx:   context.Background(),
	}
	s.registerBuiltinHandlers()
	return s
}

// RegisterHandler binds a handler name to its implementation. Registering
// the same name twice replaces the earlier handler.
func (s *Service) RegisterHandler(name string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = fn
}

// Jobs returns the configured job definitions.
func (s *Service) Jobs() []*models.ScheduledJob {
	return s.jobs
}

// Start schedules every configured job and starts the cron engine. Jobs run
// with contexts derived from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.baseCtx = ctx

	for _, job := range s.jobs {
		if job == nil {
			continue
		}
		if _, ok := s.handlers[job.Handler]; !ok {
			return fmt.Errorf("scheduler: job %s references unknown handler %q", job.Slug, job.Handler)
		}
		schedule, err := s.parser.Parse(job.Schedule)
		if err != nil {
			return fmt.Errorf("scheduler: invalid schedule %q for job %s: %w", job.Schedule, job.Slug, err)
		}
		job := job
		s.entries[job.Slug] = s.cron.Schedule(schedule, cron.FuncJob(func() {
			_ = s.runJob(s.jobContext(), job)
		}))
		s.logger.Printf("scheduler: scheduled %s (%s) at %q", job.Slug, job.Handler, job.Schedule)
	}

	s.cron.Start()
	s.started = true
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop halts the cron engine and waits for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Printf("scheduler: stopped")
}

// Trigger runs the job with the given slug immediately.
func (s *Service) Trigger(ctx context.Context, slug string) error {
	for _, job := range s.jobs {
		if job != nil && job.Slug == slug {
			return s.runJob(ctx, job)
		}
	}
	return fmt.Errorf("scheduler: unknown job %q", slug)
}

func (s *Service) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Service) runJob(ctx context.Context, job *models.ScheduledJob) error {
	s.mu.Lock()
	handler, ok := s.handlers[job.Handler]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: no handler %q", job.Handler)
	}

	if job.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	done := s.metrics.recordRun(job.Handler)
	err := handler(ctx, job)
	done(err)
	if err != nil {
		s.logger.Printf("scheduler: job %s failed: %v", job.Slug, err)
	}
	return err
}
