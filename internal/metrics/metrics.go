// Package metrics exports Prometheus instruments for the file verbs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/crudfs"
)

// Metrics owns a registry with the crudfs collectors.
type Metrics struct {
	reg      *prometheus.Registry
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tracked  prometheus.GaugeFunc
	pushes   *prometheus.CounterVec
}

// New registers the collectors. tracked reports the current manifest size.
func New(tracked func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crudfs",
			Name:      "operations_total",
			Help:      "File verbs by operation and outcome.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crudfs",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of file verbs, including ledger confirmation.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		}, []string{"op"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crudfs",
			Name:      "watch_pushes_total",
			Help:      "Verbs run by the file watcher by kind.",
		}, []string{"kind"}),
	}
	if tracked == nil {
		tracked = func() int { return 0 }
	}
	m.tracked = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "crudfs",
		Name:      "tracked_files",
		Help:      "Entries in the manifest.",
	}, func() float64 { return float64(tracked()) })

	reg.MustRegister(
		m.ops,
		m.duration,
		m.tracked,
		m.pushes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records ev. It is meant to be passed to crudfs.WithObserver.
func (m *Metrics) Observe(ev crudfs.Event) {
	m.ops.WithLabelValues(ev.Op, apperr.Kind(ev.Err)).Inc()
	m.duration.WithLabelValues(ev.Op).Observe(ev.Duration.Seconds())
}

// WatchPushed counts a verb the file watcher ran. It matches
// watch.EventCallback.
func (m *Metrics) WatchPushed(kind, _ string) {
	m.pushes.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
