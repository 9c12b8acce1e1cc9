// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Service label values for requests that do not name a configured upstream.
const (
	LabelGateway = "gateway"
	LabelOther   = "other"
)

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration   *prometheus.HistogramVec
	UpstreamResponses  *prometheus.CounterVec
	UpstreamFailures   *prometheus.CounterVec
	PoolSlotsInUse     prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec

	services map[string]bool
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. services bounds the values of the service label.
func New(services ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcps_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "service"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcps_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including body streaming.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "service"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcps_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcps_gateway_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"service", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcps_gateway_upstream_responses_total",
			Help: "Total upstream responses by service, method and status code.",
		}, []string{"service", "method", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcps_gateway_upstream_failures_total",
			Help: "Upstream requests that failed before a response was received.",
		}, []string{"service", "kind"}),

		PoolSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcps_gateway_upstream_pool_slots_in_use",
			Help: "Upstream connection slots currently held by in-flight requests.",
		}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcps_gateway_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions by service.",
		}, []string{"service", "from", "to"}),

		services: make(map[string]bool, len(services)),
	}

	for _, s := range services {
		m.services[s] = true
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.PoolSlotsInUse,
		m.BreakerTransitions,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// ServiceLabel returns a bounded service label for an inbound request path:
// the configured service named by the first segment, "gateway" for the local
// health route, or "other".
func (m *Metrics) ServiceLabel(path string) string {
	if path == "/health" {
		return LabelGateway
	}
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return m.Service(first)
}

// Service returns name if it is a configured service, else "other".
func (m *Metrics) Service(name string) string {
	if m.services[name] {
		return name
	}
	return LabelOther
}
