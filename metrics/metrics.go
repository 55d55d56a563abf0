// Package metrics owns the Prometheus registry and the instruments exported at
// /metrics. Components take an optional *Metrics; all recording methods are
// nil-safe so instrumentation can be dropped wholesale in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the relay instruments on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished  *prometheus.CounterVec
	eventsDelivered  *prometheus.CounterVec
	redisOperations  *prometheus.CounterVec
	rateLimitHits    *prometheus.CounterVec
	workerTasks      *prometheus.CounterVec
	activeSSE        prometheus.Gauge
	slowClients      prometheus.Gauge
	sseConnDuration  prometheus.Histogram
	httpReqDuration  *prometheus.HistogramVec
}

// New builds the registry and registers all relay instruments plus the
// standard Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events appended to session event logs.",
		}, []string{"event_type"}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_delivered_total",
			Help: "Events written to SSE connections.",
		}, []string{"event_type"}),
		redisOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Redis operations by name and outcome.",
		}, []string{"operation", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"endpoint"}),
		workerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Worker task executions by name and outcome.",
		}, []string{"name", "status"}),
		activeSSE: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_sse_connections",
			Help: "Currently open SSE connections.",
		}),
		slowClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backpressure_current_slow_clients",
			Help: "Connections whose buffer depth exceeds the slow threshold.",
		}),
		sseConnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sse_connection_duration_seconds",
			Help:    "Lifetime of SSE connections.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		httpReqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsPublished,
		m.eventsDelivered,
		m.redisOperations,
		m.rateLimitHits,
		m.workerTasks,
		m.activeSSE,
		m.slowClients,
		m.sseConnDuration,
		m.httpReqDuration,
	)
	return m
}

// Handler returns the Prometheus scrape handler for the relay registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventPublished counts an event appended to a session log.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// EventDelivered counts an event written to an SSE connection.
func (m *Metrics) EventDelivered(eventType string) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(eventType).Inc()
}

// RedisOperation counts a store operation outcome. status is "ok" or "error".
func (m *Metrics) RedisOperation(operation string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.redisOperations.WithLabelValues(operation, status).Inc()
}

// RateLimitHit counts a rejected request for the given endpoint.
func (m *Metrics) RateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(endpoint).Inc()
}

// WorkerTask counts a worker task outcome.
func (m *Metrics) WorkerTask(name, status string) {
	if m == nil {
		return
	}
	m.workerTasks.WithLabelValues(name, status).Inc()
}

// SSEConnectionOpened increments the active connection gauge.
func (m *Metrics) SSEConnectionOpened() {
	if m == nil {
		return
	}
	m.activeSSE.Inc()
}

// SSEConnectionClosed decrements the active connection gauge and records the
// connection lifetime.
func (m *Metrics) SSEConnectionClosed(duration time.Duration) {
	if m == nil {
		return
	}
	m.activeSSE.Dec()
	m.sseConnDuration.Observe(duration.Seconds())
}

// SetSlowClients records the current number of slow SSE clients.
func (m *Metrics) SetSlowClients(n int) {
	if m == nil {
		return
	}
	m.slowClients.Set(float64(n))
}

// HTTPRequest records request latency for a route.
func (m *Metrics) HTTPRequest(method, endpoint string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpReqDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
