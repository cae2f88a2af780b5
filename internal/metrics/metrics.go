// Package metrics exposes suite run counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browsersuite"

// Metrics owns a private registry so several runners can coexist in one
// process.
type Metrics struct {
	reg *prometheus.Registry

	messages *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	coverage prometheus.Counter
}

// New registers the runner metrics and the Go runtime collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "console_messages_total",
			Help:      "Console messages emitted by the suite page, by console API type.",
		}, []string{"type"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed suite runs, by final state.",
		}, []string{"state"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a suite run from launch to browser close.",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		coverage: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coverage_writes_total",
			Help:      "Runs that wrote a coverage artifact.",
		}),
	}
}

// ObserveMessage counts one console message.
func (m *Metrics) ObserveMessage(typ string) {
	m.messages.WithLabelValues(typ).Inc()
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(state string, d time.Duration, coverage bool) {
	m.runs.WithLabelValues(state).Inc()
	m.duration.Observe(d.Seconds())
	if coverage {
		m.coverage.Inc()
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
