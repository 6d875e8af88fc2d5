package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ledgerpos/backend/internal/domain"
)

// Metrics tracks sync passes. A nil *Metrics records nothing.
type Metrics struct {
	processed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	pending      prometheus.Gauge
	passDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerpos",
			Subsystem: "sync",
			Name:      "operations_processed_total",
			Help:      "Queued operations applied to the remote store.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerpos",
			Subsystem: "sync",
			Name:      "operations_failed_total",
			Help:      "Queued operation attempts that failed and stayed queued.",
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgerpos",
			Subsystem: "sync",
			Name:      "queue_pending",
			Help:      "Operations left in the queue after the last pass.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledgerpos",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one queue processing pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.processed, m.failed, m.pending, m.passDuration)
	}
	return m
}

func (m *Metrics) observeOperation(kind domain.OperationKind, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.processed.WithLabelValues(string(kind)).Inc()
		return
	}
	m.failed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observePass(started time.Time, pending int) {
	if m == nil {
		return
	}
	m.passDuration.Observe(time.Since(started).Seconds())
	m.pending.Set(float64(pending))
}
