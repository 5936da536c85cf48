// Package metrics provides Prometheus instrumentation for the API gateway.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by platform path, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"path", "method", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// FilterDuration observes per-filter execution time in seconds.
	FilterDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_filter_duration_seconds",
			Help:    "Per-filter execution time in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"filter"},
	)

	// Rejections counts requests terminated by a filter, by filter name.
	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rejections_total",
			Help: "Total requests rejected before reaching the upstream",
		},
		[]string{"filter"},
	)

	// ActiveConnections tracks the number of in-flight requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts sliding-window rate limit rejections.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"interface"},
	)

	// QuotaRejections counts quota gate rejections.
	QuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_quota_rejections_total",
			Help: "Total quota rejections",
		},
		[]string{"interface"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// UpstreamErrors counts failed upstream calls by service key.
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total failed upstream invocations",
		},
		[]string{"service"},
	)

	// CircuitBreakerState reports the current breaker state per service key
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	// CircuitBreakerTransitions counts breaker state transitions.
	CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		FilterDuration,
		Rejections,
		ActiveConnections,
		RateLimitHits,
		QuotaRejections,
		AuthFailures,
		UpstreamErrors,
		CircuitBreakerState,
		CircuitBreakerTransitions,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
