package metrics

import (
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks gateway metrics for Prometheus export. Each Collector owns
// its registry so tests can build one without touching global state.
type Collector struct {
	registry *prom.Registry

	requestsTotal   *prom.CounterVec
	requestDuration *prom.HistogramVec
	upstreamErrors  *prom.CounterVec
	authVerify      *prom.CounterVec
	authDuration    prom.Histogram
	rpcCalls        *prom.CounterVec
	rateLimited     *prom.CounterVec
	breakerState    *prom.GaugeVec
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prom.NewRegistry(),
		requestsTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests handled by the gateway",
		}, []string{"route", "method", "status"}),
		requestDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency",
			Buckets: prom.DefBuckets,
		}, []string{"route"}),
		upstreamErrors: prom.NewCounterVec(prom.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Failed exchanges by route and failure kind",
		}, []string{"route", "kind"}),
		authVerify: prom.NewCounterVec(prom.CounterOpts{
			Name: "gateway_auth_verify_total",
			Help: "Token verification outcomes",
		}, []string{"result"}),
		authDuration: prom.NewHistogram(prom.HistogramOpts{
			Name:    "gateway_auth_verify_duration_seconds",
			Help:    "Latency of identity service verification calls",
			Buckets: prom.DefBuckets,
		}),
		rpcCalls: prom.NewCounterVec(prom.CounterOpts{
			Name: "gateway_rpc_calls_total",
			Help: "Bridged RPC calls by procedure and status code",
		}, []string{"procedure", "code"}),
		rateLimited: prom.NewCounterVec(prom.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"mode"}),
		breakerState: prom.NewGaugeVec(prom.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per route (0=closed, 1=half_open, 2=open)",
		}, []string{"route"}),
	}

	c.registry.MustRegister(
		c.requestsTotal, c.requestDuration, c.upstreamErrors,
		c.authVerify, c.authDuration, c.rpcCalls, c.rateLimited, c.breakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordFailure records a failed exchange by kind.
func (c *Collector) RecordFailure(route, kind string) {
	c.upstreamErrors.WithLabelValues(route, kind).Inc()
}

// RecordAuth records a verification outcome. result is "ok" or a failure kind.
func (c *Collector) RecordAuth(result string, duration time.Duration) {
	c.authVerify.WithLabelValues(result).Inc()
	if duration > 0 {
		c.authDuration.Observe(duration.Seconds())
	}
}

// RecordRPC records a bridged call and its gRPC status code name.
func (c *Collector) RecordRPC(procedure, code string) {
	c.rpcCalls.WithLabelValues(procedure, code).Inc()
}

// RecordRateLimited records a rejected request.
func (c *Collector) RecordRateLimited(mode string) {
	c.rateLimited.WithLabelValues(mode).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for a route
func (c *Collector) SetCircuitBreakerState(route string, state int) {
	c.breakerState.WithLabelValues(route).Set(float64(state))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prom.Registry {
	return c.registry
}

// Handler serves the registry in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
