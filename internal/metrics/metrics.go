// Package metrics registers the prometheus collectors shared across the
// ingress pipeline, event store, and key ring, so each package declares its
// own metric and this package just owns the registry and HTTP handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide collector registry. A dedicated registry
// (rather than the global default) keeps test runs from colliding when
// multiple instances register the same collector names.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler the transport adapter mounts at
// /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// NewCounterVec registers and returns a CounterVec, following the
// dendrite convention of one collector per concern declared next to its
// package rather than centralised here.
func NewCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grapevine",
		Name:      name,
		Help:      help,
	}, labels)
	Registry.MustRegister(c)
	return c
}

// NewHistogramVec registers and returns a HistogramVec.
func NewHistogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grapevine",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	Registry.MustRegister(h)
	return h
}

// NewGaugeVec registers and returns a GaugeVec.
func NewGaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "grapevine",
		Name:      name,
		Help:      help,
	}, labels)
	Registry.MustRegister(g)
	return g
}
