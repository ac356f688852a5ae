package action

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for action execution.
type Metrics struct {
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	ActionAttempts prometheus.Histogram
}

// NewMetrics registers and returns action metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_actions_total",
			Help: "Total action invocations by kind, status and failure reason.",
		}, []string{"kind", "status", "reason"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_action_duration_seconds",
			Help:    "Duration of action invocations in seconds, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"kind"}),
		ActionAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_action_attempts",
			Help:    "Collaborator attempts per action invocation.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
	}

	reg.MustRegister(
		m.ActionsTotal,
		m.ActionDuration,
		m.ActionAttempts,
	)

	return m
}

// Hooks returns executor Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAction: func(kind string, status Status, reason string, attempts int, duration float64) {
			m.ActionsTotal.WithLabelValues(kind, string(status), reason).Inc()
			m.ActionDuration.WithLabelValues(kind).Observe(duration)
			m.ActionAttempts.Observe(float64(attempts))
		},
	}
}
