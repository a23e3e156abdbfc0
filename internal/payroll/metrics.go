package payroll

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for payroll computation.
type Metrics struct {
	entries  *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers payroll collectors against registerer. A nil registerer uses
// the default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_payroll_entries_computed_total",
			Help: "Payroll entry computations by outcome.",
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_payroll_compute_runs_total",
			Help: "ComputePeriod runs by status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "odyssey_payroll_compute_run_duration_seconds",
			Help:    "Duration of ComputePeriod runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	registerer.MustRegister(m.entries, m.runs, m.duration)
	return m
}

func (m *Metrics) entry(result string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(result).Inc()
}

func (m *Metrics) run(started time.Time, report RunReport, err error) {
	if m == nil {
		return
	}
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case len(report.Failures) > 0:
		status = "partial"
	}
	m.runs.WithLabelValues(status).Inc()
	m.duration.Observe(time.Since(started).Seconds())
}
