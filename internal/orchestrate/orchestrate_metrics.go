package orchestrate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for playbook runs.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	ActionsFailed   *prometheus.CounterVec
	PartialFailures *prometheus.CounterVec
}

// NewMetrics registers and returns playbook metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_playbook_runs_total",
			Help: "Total completed playbook runs by playbook.",
		}, []string{"playbook"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_playbook_run_duration_seconds",
			Help:    "Duration of playbook runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"playbook"}),
		ActionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_playbook_actions_failed_total",
			Help: "Failed actions across playbook runs by playbook.",
		}, []string{"playbook"}),
		PartialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_playbook_partial_failures_total",
			Help: "Playbook runs that completed with at least one failed action.",
		}, []string{"playbook"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ActionsFailed,
		m.PartialFailures,
	)

	return m
}

// Hooks returns orchestrator Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnComplete: func(playbook string, _, failed int, duration float64) {
			m.RunsTotal.WithLabelValues(playbook).Inc()
			m.RunDuration.WithLabelValues(playbook).Observe(duration)
			if failed > 0 {
				m.ActionsFailed.WithLabelValues(playbook).Add(float64(failed))
				m.PartialFailures.WithLabelValues(playbook).Inc()
			}
		},
	}
}
