package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goatkit/queueflow/internal/config"
	"github.com/goatkit/queueflow/internal/models"
	"github.com/goatkit/queueflow/internal/repository"
	"github.com/goatkit/queueflow/internal/service"
	"github.com/goatkit/queueflow/internal/services/scheduler"
)

// scheduleOff disables a built-in job when used as its schedule.
const scheduleOff = "off"

func buildSchedulerJobsFromConfig(cfg *config.Config) []*models.ScheduledJob {
	jobs := scheduler.DefaultJobs()
	if cfg == nil {
		return jobs
	}
	sc := cfg.Scheduler

	for _, job := range jobs {
		if job == nil {
			continue
		}
		switch job.Handler {
		case scheduler.HandlerSignalPrune:
			if sc.HousekeepingSchedule != "" {
				job.Schedule = sc.HousekeepingSchedule
			}
			if sc.MarkerRetention > 0 {
				if job.Config == nil {
					job.Config = make(map[string]any)
				}
				job.Config["retention"] = sc.MarkerRetention.String()
			}
		case scheduler.HandlerQueueGauges:
			if sc.StatsSchedule != "" {
				job.Schedule = sc.StatsSchedule
			}
		}
	}

	for _, job := range jobs {
		if job != nil && strings.EqualFold(job.Schedule, scheduleOff) {
			jobs = filterJobsBySlug(jobs, job.Slug)
		}
	}
	return jobs
}

func filterJobsBySlug(jobs []*models.ScheduledJob, slug string) []*models.ScheduledJob {
	if slug == "" || len(jobs) == 0 {
		return jobs
	}
	filtered := make([]*models.ScheduledJob, 0, len(jobs))
	for _, job := range jobs {
		if job == nil || job.Slug == slug {
			continue
		}
		filtered = append(filtered, job)
	}
	return filtered
}

func newScheduler(cfg *config.Config, markers repository.ChangeMarkerRepository, queue *service.QueueService, logger *slog.Logger) (*scheduler.Service, error) {
	loc, err := time.LoadLocation(cfg.Scheduler.Location)
	if err != nil {
		return nil, fmt.Errorf("scheduler location: %w", err)
	}
	return scheduler.NewService(markers,
		scheduler.WithLogger(stdLogger(logger)),
		scheduler.WithLocation(loc),
		scheduler.WithRetention(cfg.Scheduler.MarkerRetention),
		scheduler.WithStatsSource(queue),
		scheduler.WithJobs(buildSchedulerJobsFromConfig(cfg)),
	), nil
}
