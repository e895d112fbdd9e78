package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics holds Prometheus metrics for dispatch cycles.
type DispatchMetrics struct {
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	SkippedTicks  prometheus.Counter
	FramesSent    prometheus.Counter
	UsersServed   prometheus.Gauge
}

// NewDispatchMetrics creates and registers dispatch metrics on the given registry.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cycles_total",
			Help:      "Total number of dispatch cycles, by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full poll, compute and dispatch cycle.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		SkippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "skipped_ticks_total",
			Help:      "Total number of ticks skipped because the previous cycle was still running.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_enqueued_total",
			Help:      "Total number of market_update frames handed to device sessions.",
		}),
		UsersServed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "users_served",
			Help:      "Number of users with at least one live device in the last cycle.",
		}),
	}

	reg.MustRegister(m.Cycles, m.CycleDuration, m.SkippedTicks, m.FramesSent, m.UsersServed)
	return m
}
