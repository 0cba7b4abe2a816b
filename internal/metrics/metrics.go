// Package metrics exposes the watchtower data plane's Prometheus metrics:
// request counts by routing decision, upstream latency, and mock/local/
// passthrough breakdowns, per SPEC_FULL.md §B.
//
// Grounded on mercator-hq-jupiter/pkg/telemetry/metrics's Collector
// (namespace/subsystem-scoped CounterVec/HistogramVec registered against a
// dedicated prometheus.Registry, with a promhttp.Handler for scraping),
// narrowed from that package's five metric groups (request, provider,
// policy, cost, cache) to the two the proxy's decision space actually
// produces: requests and upstream latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

const (
	namespace = "watchtower"
	subsystem = "proxy"
)

// Collector tracks the data plane's request counters and upstream latency
// histogram, registered against its own prometheus.Registry so the
// control API's GET /v1/metrics endpoint never pulls in process-wide default
// collectors a library might register elsewhere.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	tlsHandshakeErrs prometheus.Counter
}

// New creates a Collector with its metrics registered.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total requests handled by the data plane, by routing decision kind.",
			},
			[]string{"decision"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "upstream_duration_seconds",
				Help:      "Latency of local-backend and upstream pass-through round trips.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"decision"},
		),
		tlsHandshakeErrs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tls_handshake_errors_total",
				Help:      "MITM TLS handshakes that failed on a CONNECT-intercepted connection.",
			},
		),
	}

	registry.MustRegister(c.requestsTotal, c.upstreamDuration, c.tlsHandshakeErrs)
	return c
}

// RecordRequest increments the request counter for the given decision kind
// ("mock", "local", "passthrough", "reserved").
func (c *Collector) RecordRequest(decision string) {
	c.requestsTotal.WithLabelValues(decision).Inc()
}

// ObserveUpstreamDuration records a round-trip's elapsed time for the
// given decision kind ("local" or "passthrough").
func (c *Collector) ObserveUpstreamDuration(decision string, d time.Duration) {
	c.upstreamDuration.WithLabelValues(decision).Observe(d.Seconds())
}

// RecordTLSHandshakeError increments the MITM handshake-failure counter.
func (c *Collector) RecordTLSHandshakeError() {
	c.tlsHandshakeErrs.Inc()
}

// Handler returns the promhttp scrape handler for this collector's
// registry, served at GET /v1/metrics by internal/controlapi.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
