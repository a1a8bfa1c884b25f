// Package metrics exposes forgettable's Prometheus collectors. Each Metrics
// owns its registry so several servers (and tests) can run in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "forgettable"

// Metrics records engine and HTTP activity.
type Metrics struct {
	registry *prometheus.Registry

	increments      prometheus.Counter
	decayCycles     *prometheus.CounterVec
	decayRetries    prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		increments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "increments_total",
			Help:      "Count of bin increments applied.",
		}),
		decayCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_cycles_total",
			Help:      "Count of snapshot and decay cycles by outcome.",
		}, []string{"result"}),
		decayRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_retries_total",
			Help:      "Count of decay cycles re-run after a commit conflict.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.increments,
		m.decayCycles,
		m.decayRetries,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// IncrementsAdded records n bin increments.
func (m *Metrics) IncrementsAdded(n int) {
	m.increments.Add(float64(n))
}

// DecayCycle records the outcome of one decay cycle.
func (m *Metrics) DecayCycle(result string) {
	m.decayCycles.WithLabelValues(result).Inc()
}

// DecayRetry records a decay cycle re-run after a conflict.
func (m *Metrics) DecayRetry() {
	m.decayRetries.Inc()
}

// ObserveRequest records the latency of one HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	m.requestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
