package retention

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the retention job.
type Metrics struct {
	Runs          prometheus.Counter
	EventsCleared prometheus.Counter
	RunDuration   prometheus.Histogram
}

// NewMetrics creates and registers retention metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "retention",
			Name:      "runs_total",
			Help:      "Total retention runs.",
		}),
		EventsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "retention",
			Name:      "events_cleared_total",
			Help:      "Total monitor events removed by retention runs.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "retention",
			Name:      "run_duration_seconds",
			Help:      "Duration of a retention run.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.Runs, m.EventsCleared, m.RunDuration)
	return m
}
