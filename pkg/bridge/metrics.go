package bridge

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge and its server
type Metrics struct {
	// Invocation metrics
	invocationsTotal   *prometheus.CounterVec
	invocationLatency  *prometheus.HistogramVec
	invocationErrors   *prometheus.CounterVec
	invocationsPending *prometheus.GaugeVec

	// WebSocket metrics
	wsConnections prometheus.Gauge

	// Generation metrics
	configReloads *prometheus.CounterVec
	generation    prometheus.Gauge

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workergraph_bridge_invocations_total",
				Help: "Total number of module requests by environment and result kind",
			},
			[]string{"environment", "kind"},
		),

		invocationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workergraph_bridge_invocation_duration_seconds",
				Help:    "Module request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		invocationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workergraph_bridge_invocation_errors_total",
				Help: "Total number of failed module requests by error type",
			},
			[]string{"environment", "error_type"},
		),

		invocationsPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workergraph_bridge_invocations_in_flight",
				Help: "Number of module requests currently being served",
			},
			[]string{"environment"},
		),

		wsConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "workergraph_bridge_websocket_connections",
				Help: "Number of open bridge WebSocket connections",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workergraph_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		generation: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "workergraph_generation",
				Help: "Number of the generation currently served",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workergraph_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workergraph_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.invocationsTotal,
		m.invocationLatency,
		m.invocationErrors,
		m.invocationsPending,
		m.wsConnections,
		m.configReloads,
		m.generation,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordInvocation records a completed module request
func (m *Metrics) RecordInvocation(environment, kind, errorType string, duration time.Duration) {
	m.invocationsTotal.WithLabelValues(environment, kind).Inc()
	m.invocationLatency.WithLabelValues(kind).Observe(duration.Seconds())
	if errorType != "" {
		m.invocationErrors.WithLabelValues(environment, errorType).Inc()
	}
}

// TrackInflight marks a request as running until the returned func is called
func (m *Metrics) TrackInflight(environment string) func() {
	g := m.invocationsPending.WithLabelValues(environment)
	g.Inc()
	return g.Dec
}

// RecordWebSocketOpened records a new bridge WebSocket connection
func (m *Metrics) RecordWebSocketOpened() {
	m.wsConnections.Inc()
}

// RecordWebSocketClosed records a closed bridge WebSocket connection
func (m *Metrics) RecordWebSocketClosed() {
	m.wsConnections.Dec()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// SetGeneration records the generation number now being served
func (m *Metrics) SetGeneration(number uint64) {
	m.generation.Set(float64(number))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
// and, when log is set, one log line per request
func (m *Metrics) MetricsMiddleware(next http.Handler, log *StructuredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := getEndpointName(r.URL.Path)
		statusCode := strconv.Itoa(wrapped.statusCode)

		m.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
		if log != nil {
			log.LogHTTPRequest(r.Context(), r.Method, r.URL.Path, wrapped.statusCode, duration)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack is required by the WebSocket upgrade on the bridge route.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch {
	case path == "/healthz":
		return "health"
	case path == "/__bridge/invoke":
		return "invoke"
	case path == "/__bridge/ws":
		return "websocket"
	case path == "/__plan":
		return "plan"
	case strings.HasPrefix(path, "/__wrappers/"):
		return "wrappers"
	case path == "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}
