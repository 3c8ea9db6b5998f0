package orchestrator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus registry a sovereign exposes on its monitoring
// port, mirroring the buckets and protocol/method/code label shape the
// original implementation's stream-duration histogram used.
type Metrics struct {
	registry              *prometheus.Registry
	StreamRequestDuration *prometheus.HistogramVec
}

// NewMetrics builds a fresh, independently-registered Metrics instance (not
// sharing the global prometheus.DefaultRegisterer, since a sovereign process
// never runs more than one of these).
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		StreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sovereign_stream_request_duration_seconds",
				Help:    "Duration of a sovereign protocol exchange (key-sync, attestation) by protocol/method/outcome.",
				Buckets: []float64{0.001, 0.01, 0.1, 1.0},
			},
			[]string{"protocol", "method", "code"},
		),
	}
	registry.MustRegister(m.StreamRequestDuration)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records one protocol exchange's duration under protocol/method/code.
func (m *Metrics) Observe(protocol, method, code string, seconds float64) {
	m.StreamRequestDuration.WithLabelValues(protocol, method, code).Observe(seconds)
}
