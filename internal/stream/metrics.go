package stream

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type streamMetrics struct {
	subscribers prometheus.Gauge
	events      *prometheus.CounterVec
}

var (
	streamMetricsOnce sync.Once
	streamMetricsInst *streamMetrics
)

func globalStreamMetrics() *streamMetrics {
	streamMetricsOnce.Do(func() {
		streamMetricsInst = &streamMetrics{
			subscribers: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "queueflow",
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Connected notification stream subscribers",
			}),
			events: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "queueflow",
				Subsystem: "stream",
				Name:      "events_total",
				Help:      "Snapshots pushed to subscribers, labeled by result",
			}, []string{"result"}),
		}
	})
	return streamMetricsInst
}
