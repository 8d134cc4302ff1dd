package service

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/goatkit/queueflow/internal/models"
)

type queueMetrics struct {
	transitions *prometheus.CounterVec
	waiting     prometheus.Gauge
	inService   prometheus.Gauge
}

var (
	queueMetricsOnce sync.Once
	queueMetricsInst *queueMetrics
)

func globalQueueMetrics() *queueMetrics {
	queueMetricsOnce.Do(func() {
		queueMetricsInst = &queueMetrics{
			transitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "queueflow",
				Subsystem: "queue",
				Name:      "transitions_total",
				Help:      "Ticket status transitions, labeled by target status",
			}, []string{"status"}),
			waiting: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "queueflow",
				Subsystem: "queue",
				Name:      "waiting_tickets",
				Help:      "Waiting tickets observed in the latest stats computation",
			}),
			inService: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "queueflow",
				Subsystem: "queue",
				Name:      "in_service_tickets",
				Help:      "Tickets in service observed in the latest stats computation (0 or 1)",
			}),
		}
	})
	return queueMetricsInst
}

func (m *queueMetrics) recordTransition(to models.TicketStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *queueMetrics) observe(stats models.AggregateStats) {
	if m == nil {
		return
	}
	m.waiting.Set(float64(stats.QueueLength))
	if stats.InProgress != nil {
		m.inService.Set(1)
	} else {
		m.inService.Set(0)
	}
}
