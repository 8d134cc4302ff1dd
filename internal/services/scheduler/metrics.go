package scheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type jobMetrics struct {
	runs      *prometheus.CounterVec
	pruned    prometheus.Counter
	durations *prometheus.HistogramVec
}

var (
	jobMetricsOnce sync.Once
	jobMetricsInst *jobMetrics
)

func globalJobMetrics() *jobMetrics {
	jobMetricsOnce.Do(func() {
		jobMetricsInst = newJobMetrics()
	})
	return jobMetricsInst
}

func newJobMetrics() *jobMetrics {
	return &jobMetrics{
		runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions, labeled by handler and result",
		}, []string{"handler", "status"}),
		pruned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: "scheduler",
			Name:      "markers_pruned_total",
			Help:      "Change markers removed by the prune job",
		}),
		durations: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "queueflow",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job executions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
	}
}

func (m *jobMetrics) recordRun(handler string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	timer := prometheus.NewTimer(m.durations.WithLabelValues(handler))
	return func(err error) {
		timer.ObserveDuration()
		status := "success"
		if err != nil {
			status = "failure"
		}
		m.runs.WithLabelValues(handler, status).Inc()
	}
}

func (m *jobMetrics) recordPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}
