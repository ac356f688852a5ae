package postgres

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records query latency by store operation.
type Metrics struct {
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers database metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_db_query_duration_seconds",
			Help:    "PostgreSQL query latency by store operation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(m.QueryDuration)
	return m
}

// ObserveQuery implements QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, operation, outcome string, dur time.Duration) {
	m.QueryDuration.WithLabelValues(operation, outcome).Observe(dur.Seconds())
}
