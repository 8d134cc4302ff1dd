package changesignal

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type signalMetrics struct {
	advances *prometheus.CounterVec
}

var (
	signalMetricsOnce sync.Once
	signalMetricsInst *signalMetrics
)

func globalSignalMetrics() *signalMetrics {
	signalMetricsOnce.Do(func() {
		signalMetricsInst = &signalMetrics{
			advances: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "queueflow",
				Subsystem: "signal",
				Name:      "advances_total",
				Help:      "Change signal advances, labeled by result",
			}, []string{"result"}),
		}
	})
	return signalMetricsInst
}

func (m *signalMetrics) recordAdvance(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.advances.WithLabelValues(result).Inc()
}
