package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/goatkit/queueflow/internal/models"
	"github.com/goatkit/queueflow/internal/repository"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type stubStats struct {
	calls int
	err   error
}

func (s *stubStats) ComputeStats(context.Context) (models.AggregateStats, error) {
	s.calls++
	return models.AggregateStats{QueueLength: 3}, s.err
}

type failingMarkers struct{}

func (failingMarkers) LatestMarker(context.Context) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("connection reset")
}

func (failingMarkers) PruneMarkers(context.Context, time.Time) (int64, error) {
	return 0, errors.New("should not be called")
}

func newTestService(t *testing.T, markers markerStore, opts ...Option) (*Service, *bytes.Buffer) {
	t.Helper()
	cronEngine := cron.New(cron.WithLocation(time.UTC))
	t.Cleanup(func() { cronEngine.Stop() })

	var buf bytes.Buffer
	base := []Option{
		WithCron(cronEngine),
		WithLogger(log.New(&buf, "", 0)),
		WithClock(func() time.Time { return testNow }),
	}
	return NewService(markers, append(base, opts...)...), &buf
}

func TestHandlePruneMarkersRemovesExpired(t *testing.T) {
	markers := repository.NewMemoryChangeMarkerRepository()
	ctx := context.Background()
	for _, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, time.Hour} {
		if err := markers.InsertMarker(ctx, testNow.Add(-age)); err != nil {
			t.Fatalf("InsertMarker: %v", err)
		}
	}

	svc, buf := newTestService(t, markers)
	if err := svc.handlePruneMarkers(ctx, &models.ScheduledJob{}); err != nil {
		t.Fatalf("handlePruneMarkers returned error: %v", err)
	}

	if got := markers.Len(); got != 1 {
		t.Fatalf("expected 1 marker left, got %d", got)
	}
	if !strings.Contains(buf.String(), "prune removed 2 marker(s)") {
		t.Fatalf("unexpected log output: %q", buf.String())
	}
}

func TestHandlePruneMarkersKeepsLatest(t *testing.T) {
	markers := repository.NewMemoryChangeMarkerRepository()
	ctx := context.Background()
	latest := testNow.Add(-96 * time.Hour)
	_ = markers.InsertMarker(ctx, latest.Add(-time.Hour))
	_ = markers.InsertMarker(ctx, latest)

	svc, _ := newTestService(t, markers)
	if err := svc.handlePruneMarkers(ctx, &models.ScheduledJob{}); err != nil {
		t.Fatalf("handlePruneMarkers returned error: %v", err)
	}

	if got := markers.Len(); got != 1 {
		t.Fatalf("expected only the latest marker to survive, got %d", got)
	}
	ts, ok, err := markers.LatestMarker(ctx)
	if err != nil || !ok || !ts.Equal(latest) {
		t.Fatalf("latest marker lost: ts=%v ok=%v err=%v", ts, ok, err)
	}
}

func TestHandlePruneMarkersRespectsRetention(t *testing.T) {
	markers := repository.NewMemoryChangeMarkerRepository()
	ctx := context.Background()
	_ = markers.InsertMarker(ctx, testNow.Add(-3*time.Hour))
	_ = markers.InsertMarker(ctx, testNow.Add(-time.Minute))

	svc, _ := newTestService(t, markers, WithRetention(48*time.Hour))
	if err := svc.handlePruneMarkers(ctx, &models.ScheduledJob{}); err != nil {
		t.Fatalf("handlePruneMarkers returned error: %v", err)
	}
	if got := markers.Len(); got != 2 {
		t.Fatalf("expected both markers within 48h retention, got %d", got)
	}

	job := &models.ScheduledJob{Config: map[string]any{"retention": "2h"}}
	if err := svc.handlePruneMarkers(ctx, job); err != nil {
		t.Fatalf("handlePruneMarkers returned error: %v", err)
	}
	if got := markers.Len(); got != 1 {
		t.Fatalf("expected job retention override to prune, got %d", got)
	}
}

func TestHandlePruneMarkersSkipsWithoutStore(t *testing.T) {
	svc, buf := newTestService(t, nil)
	if err := svc.handlePruneMarkers(context.Background(), &models.ScheduledJob{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(buf.String(), "marker store unavailable") {
		t.Fatalf("expected skip log, got %q", buf.String())
	}
}

func TestHandlePruneMarkersPropagatesReadError(t *testing.T) {
	svc, _ := newTestService(t, failingMarkers{})
	if err := svc.handlePruneMarkers(context.Background(), &models.ScheduledJob{}); err == nil {
		t.Fatalf("expected error from marker store")
	}
}

func TestHandleQueueGauges(t *testing.T) {
	stats := &stubStats{}
	svc, _ := newTestService(t, nil, WithStatsSource(stats))

	if err := svc.Trigger(context.Background(), "queue-gauges"); err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
	if stats.calls != 1 {
		t.Fatalf("expected ComputeStats once, got %d", stats.calls)
	}

	stats.err = errors.New("store down")
	if err := svc.Trigger(context.Background(), "queue-gauges"); err == nil {
		t.Fatalf("expected stats error to surface")
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if err := svc.Trigger(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestStartRejectsBadJobs(t *testing.T) {
	cases := map[string]*models.ScheduledJob{
		"unknown handler": {Slug: "x", Handler: "missing", Schedule: "* * * * *"},
		"bad schedule":    {Slug: "y", Handler: HandlerQueueGauges, Schedule: "every tuesday"},
	}
	for name, job := range cases {
		t.Run(name, func(t *testing.T) {
			svc, _ := newTestService(t, nil, WithJobs([]*models.ScheduledJob{job}))
			if err := svc.Start(context.Background()); err == nil {
				t.Fatalf("expected Start to fail")
			}
		})
	}
}

func TestRunStopsWithContext(t *testing.T) {
	svc, buf := newTestService(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if len(svc.cron.Entries()) != len(DefaultJobs()) {
		t.Fatalf("expected %d scheduled entries, got %d", len(DefaultJobs()), len(svc.cron.Entries()))
	}
	if !strings.Contains(buf.String(), "scheduler: stopped") {
		t.Fatalf("expected stop log, got %q", buf.String())
	}
}

func TestDurationFromConfig(t *testing.T) {
	def := time.Hour
	cases := []struct {
		cfg  map[string]any
		want time.Duration
	}{
		{nil, def},
		{map[string]any{"retention": "30m"}, 30 * time.Minute},
		{map[string]any{"retention": 90}, 90 * time.Second},
		{map[string]any{"retention": 2 * time.Hour}, 2 * time.Hour},
		{map[string]any{"retention": "soon"}, def},
		{map[string]any{"retention": -5}, def},
	}
	for _, tc := range cases {
		if got := durationFromConfig(tc.cfg, "retention", def); got != tc.want {
			t.Fatalf("durationFromConfig(%v) = %v, want %v", tc.cfg, got, tc.want)
		}
	}
}
