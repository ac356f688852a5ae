package correlation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for hunting and correlation.
type Metrics struct {
	HuntsTotal    *prometheus.CounterVec
	HuntFindings  *prometheus.CounterVec
	CyclesTotal   prometheus.Counter
	ChainsTotal   prometheus.Counter
	CycleDuration prometheus.Histogram
	CycleFindings prometheus.Histogram
}

// NewMetrics registers and returns hunting metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HuntsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_hunts_total",
			Help: "Total hunt executions by hunt and result.",
		}, []string{"hunt", "result"}),
		HuntFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_hunt_findings_total",
			Help: "Total events matched by each hunt.",
		}, []string{"hunt"}),
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_hunt_cycles_total",
			Help: "Total completed hunting cycles.",
		}),
		ChainsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_attack_chains_total",
			Help: "Total attack chains emitted by correlation.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_hunt_cycle_duration_seconds",
			Help:    "Duration of hunting cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}),
		CycleFindings: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_hunt_cycle_findings",
			Help:    "Findings per hunting cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
	}

	reg.MustRegister(
		m.HuntsTotal,
		m.HuntFindings,
		m.CyclesTotal,
		m.ChainsTotal,
		m.CycleDuration,
		m.CycleFindings,
	)

	return m
}

// Hooks returns HunterHooks that update the corresponding metrics.
func (m *Metrics) Hooks() HunterHooks {
	return HunterHooks{
		OnHunt: func(name string, hits int, failed bool) {
			result := "success"
			if failed {
				result = "error"
			}
			m.HuntsTotal.WithLabelValues(name, result).Inc()
			m.HuntFindings.WithLabelValues(name).Add(float64(hits))
		},
		OnCycle: func(findings, chains int, duration float64) {
			m.CyclesTotal.Inc()
			m.ChainsTotal.Add(float64(chains))
			m.CycleDuration.Observe(duration)
			m.CycleFindings.Observe(float64(findings))
		},
	}
}
