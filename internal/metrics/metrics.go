// Package metrics provides Prometheus metrics for the admin API and for the
// access-control operations it drives (certificates, routes, proxy, WAF).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for operation status.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusNoOp    = "no_change"
)

const namespace = "edgeguard"

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

var (
	// CommandDuration measures external tool invocations (openssl, supervisorctl, optimizer)
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Duration of external tool invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"tool", "status"},
	)

	// ProxyReloadsTotal counts proxy reload attempts
	ProxyReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "reloads_total",
			Help:      "Total number of proxy reload attempts by result",
		},
		[]string{"status"},
	)

	// ProxyEnforcementPending is 1 while a persisted change has not reached the proxy
	ProxyEnforcementPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "enforcement_pending",
			Help:      "1 when a store mutation is persisted but the proxy has not been reloaded",
		},
	)

	// ProxyRunning mirrors the last observed supervisor state
	ProxyRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "running",
			Help:      "1 when the supervisor last reported the proxy as running",
		},
	)
)

var (
	// RouteMutationsTotal counts route registry mutations
	RouteMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routes",
			Name:      "mutations_total",
			Help:      "Total number of protected route mutations by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// ProtectedRoutes tracks the size of the route registry
	ProtectedRoutes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routes",
			Name:      "protected",
			Help:      "Number of protected routes in the registry",
		},
	)

	// CertOperationsTotal counts certificate lifecycle operations
	CertOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certs",
			Name:      "operations_total",
			Help:      "Total number of client certificate operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// IssuedClients tracks the size of the client registry
	IssuedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "certs",
			Name:      "issued_clients",
			Help:      "Number of client identities in the registry",
		},
	)

	// CertAnomaliesTotal counts registry/filesystem divergences found during operations
	CertAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certs",
			Name:      "anomalies_total",
			Help:      "Total number of registry and bundle divergences by kind",
		},
		[]string{"kind"},
	)

	// WafOperationsTotal counts WAF ruleset operations
	WafOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waf",
			Name:      "operations_total",
			Help:      "Total number of WAF ruleset operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// NotificationFailuresTotal counts swallowed sink delivery failures
	NotificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "delivery_failures_total",
			Help:      "Total number of notification sink delivery failures",
		},
		[]string{"sink"},
	)

	// StreamConnections tracks open event streams
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "stream_connections",
			Help:      "Current number of open event streams",
		},
	)
)

// RecordCommand records the duration of an external tool invocation.
func RecordCommand(tool, status string, seconds float64) {
	CommandDuration.WithLabelValues(tool, status).Observe(seconds)
}

// RecordReload records a proxy reload attempt and updates the pending gauge.
func RecordReload(success bool) {
	if success {
		ProxyReloadsTotal.WithLabelValues(StatusSuccess).Inc()
		ProxyEnforcementPending.Set(0)
		return
	}
	ProxyReloadsTotal.WithLabelValues(StatusFailed).Inc()
	ProxyEnforcementPending.Set(1)
}

// SetProxyRunning updates the proxy running gauge.
func SetProxyRunning(running bool) {
	ProxyRunning.Set(boolToFloat(running))
}

// RecordRouteMutation records a route add or remove.
func RecordRouteMutation(action, outcome string) {
	RouteMutationsTotal.WithLabelValues(action, outcome).Inc()
}

// SetProtectedRoutes updates the protected routes gauge.
func SetProtectedRoutes(n int) {
	ProtectedRoutes.Set(float64(n))
}

// RecordCertOperation records an issue, revoke or download.
func RecordCertOperation(operation string, success bool) {
	CertOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// SetIssuedClients updates the issued clients gauge.
func SetIssuedClients(n int) {
	IssuedClients.Set(float64(n))
}

// RecordCertAnomaly records a registry/filesystem divergence.
func RecordCertAnomaly(kind string) {
	CertAnomaliesTotal.WithLabelValues(kind).Inc()
}

// RecordWafOperation records a WAF operation.
func RecordWafOperation(operation string, success bool) {
	WafOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// RecordNotificationFailure records a dropped notification.
func RecordNotificationFailure(sink string) {
	NotificationFailuresTotal.WithLabelValues(sink).Inc()
}

// SetStreamConnections updates the open event streams gauge.
func SetStreamConnections(n int) {
	StreamConnections.Set(float64(n))
}

func statusLabel(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailed
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers see through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		path := getRoutePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// getRoutePattern returns the route pattern from chi context so that
// /certs/{name} is one series, not one per client.
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
