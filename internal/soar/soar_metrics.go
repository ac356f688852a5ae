package soar

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the processing loop.
type Metrics struct {
	FindingsTotal *prometheus.CounterVec
	CyclesTotal   prometheus.Counter
	CycleDuration prometheus.Histogram
	LastCycleEnd  prometheus.Gauge
}

// NewMetrics registers and returns loop metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_findings_processed_total",
			Help: "Findings handled by the processing loop by index and outcome.",
		}, []string{"index", "outcome"}),
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_processing_cycles_total",
			Help: "Total processing loop cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_processing_cycle_duration_seconds",
			Help:    "Duration of processing loop cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
		}),
		LastCycleEnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_processing_last_cycle_timestamp_seconds",
			Help: "Unix time the last processing cycle finished.",
		}),
	}

	reg.MustRegister(
		m.FindingsTotal,
		m.CyclesTotal,
		m.CycleDuration,
		m.LastCycleEnd,
	)

	return m
}

// Hooks returns loop Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnFinding: func(index string, outcome Outcome) {
			m.FindingsTotal.WithLabelValues(index, string(outcome)).Inc()
		},
		OnCycle: func(_ CycleStats, duration float64) {
			m.CyclesTotal.Inc()
			m.CycleDuration.Observe(duration)
			m.LastCycleEnd.SetToCurrentTime()
		},
	}
}
