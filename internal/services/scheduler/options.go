package scheduler

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/goatkit/queueflow/internal/models"
)

type options struct {
	Logger    *log.Logger
	Stats     statsComputer
	Cron      *cron.Cron
	Parser    cron.Parser
	Jobs      []*models.ScheduledJob
	Location  *time.Location
	Retention time.Duration
	Clock     func() time.Time
}

// Option applies configuration to the scheduler service.
type Option func(*options)

func defaultOptions() options {
	return options{
		Logger:    log.Default(),
		Location:  time.UTC,
		Retention: DefaultMarkerRetention,
		Clock:     time.Now,
	}
}

// WithLogger injects a custom logger implementation.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithStatsSource injects the queue engine whose stats feed the gauges job.
func WithStatsSource(src statsComputer) Option {
	return func(o *options) {
		o.Stats = src
	}
}

// WithCron supplies a preconfigured cron scheduler instance.
func WithCron(c *cron.Cron) Option {
	return func(o *options) {
		o.Cron = c
	}
}

// WithCronParser allows replacing the cron expression parser.
func WithCronParser(p cron.Parser) Option {
	return func(o *options) {
		o.Parser = p
	}
}

// WithJobs registers explicit job definitions instead of defaults.
func WithJobs(jobs []*models.ScheduledJob) Option {
	return func(o *options) {
		o.Jobs = jobs
	}
}

// WithLocation sets the scheduler timezone location.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.Location = loc
	}
}

// WithRetention sets how long change markers are kept before signal.prune
// removes them. Jobs may override it with a "retention" config entry.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.Retention = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.Clock = now
		}
	}
}
