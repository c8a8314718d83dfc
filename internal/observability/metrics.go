package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	callbackDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	cycleDurationBuckets    = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Circuit breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics holds all Prometheus metric instruments for the SLA tracker. All
// recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Record metrics
	RecordsCreatedTotal  *prometheus.CounterVec
	RecordAdvancesTotal  *prometheus.CounterVec
	RecordConflictsTotal *prometheus.CounterVec

	// Violation metrics
	ViolationsTotal  *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec

	// Callback metrics
	CallbackRequestsTotal *prometheus.CounterVec
	CallbackDuration      *prometheus.HistogramVec
	CallbackBreakerState  *prometheus.GaugeVec

	// Evaluator metrics
	EvaluatorCyclesTotal       *prometheus.CounterVec
	EvaluatorCycleDuration     prometheus.Histogram
	EvaluatorDueRecords        prometheus.Gauge
	EvaluatorRecordErrorsTotal *prometheus.CounterVec

	// Definition metrics
	DefinitionsPublishedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slatrack_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slatrack_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slatrack_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Records
		RecordsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_records_created_total",
			Help: "Total number of records placed under SLA tracking.",
		}, []string{"model"}),
		RecordAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_record_advances_total",
			Help: "Total number of step approvals.",
		}, []string{"model", "result", "automatic"}),
		RecordConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_record_conflicts_total",
			Help: "Total number of concurrent modification conflicts.",
		}, []string{"operation"}),

		// Violations
		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_violations_total",
			Help: "Total number of SLA violation actions applied.",
		}, []string{"action", "outcome"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_escalations_total",
			Help: "Total number of records escalated after repeated notifications.",
		}, []string{"model"}),

		// Callbacks
		CallbackRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_callback_requests_total",
			Help: "Total number of outbound violation callbacks.",
		}, []string{"host", "status"}),
		CallbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slatrack_callback_duration_seconds",
			Help:    "Outbound callback duration in seconds.",
			Buckets: callbackDurationBuckets,
		}, []string{"host"}),
		CallbackBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slatrack_callback_circuit_breaker_state",
			Help: "Callback circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"host"}),

		// Evaluator
		EvaluatorCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_evaluator_cycles_total",
			Help: "Total number of evaluator cycles.",
		}, []string{"status"}),
		EvaluatorCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slatrack_evaluator_cycle_duration_seconds",
			Help:    "Evaluator cycle duration in seconds.",
			Buckets: cycleDurationBuckets,
		}),
		EvaluatorDueRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slatrack_evaluator_due_records",
			Help: "Number of due records found by the last evaluator cycle.",
		}),
		EvaluatorRecordErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_evaluator_record_errors_total",
			Help: "Total number of per-record evaluation errors.",
		}, []string{"code"}),

		// Definitions
		DefinitionsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slatrack_definitions_published_total",
			Help: "Total number of workflow definitions published.",
		}, []string{"source"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Records
		m.RecordsCreatedTotal,
		m.RecordAdvancesTotal,
		m.RecordConflictsTotal,
		// Violations
		m.ViolationsTotal,
		m.EscalationsTotal,
		// Callbacks
		m.CallbackRequestsTotal,
		m.CallbackDuration,
		m.CallbackBreakerState,
		// Evaluator
		m.EvaluatorCyclesTotal,
		m.EvaluatorCycleDuration,
		m.EvaluatorDueRecords,
		m.EvaluatorRecordErrorsTotal,
		// Definitions
		m.DefinitionsPublishedTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRecordCreated records a record entering SLA tracking.
func (m *Metrics) RecordRecordCreated(model string) {
	if m == nil {
		return
	}
	m.RecordsCreatedTotal.WithLabelValues(model).Inc()
}

// RecordAdvance records a step approval. result is "next" or "completed".
func (m *Metrics) RecordAdvance(model, result string, automatic bool) {
	if m == nil {
		return
	}
	m.RecordAdvancesTotal.WithLabelValues(model, result, strconv.FormatBool(automatic)).Inc()
}

// RecordConflict records a concurrent modification conflict.
func (m *Metrics) RecordConflict(operation string) {
	if m == nil {
		return
	}
	m.RecordConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordViolation records an applied violation action.
func (m *Metrics) RecordViolation(action, outcome string) {
	if m == nil {
		return
	}
	m.ViolationsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordEscalation records a record moving to the escalated state.
func (m *Metrics) RecordEscalation(model string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(model).Inc()
}

// RecordCallback records an outbound callback. status is the HTTP status
// code, or "error" when no response was received.
func (m *Metrics) RecordCallback(host, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallbackRequestsTotal.WithLabelValues(host, status).Inc()
	m.CallbackDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// SetCallbackBreakerState sets the circuit breaker state for a host.
func (m *Metrics) SetCallbackBreakerState(host string, state float64) {
	if m == nil {
		return
	}
	m.CallbackBreakerState.WithLabelValues(host).Set(state)
}

// RecordEvaluatorCycle records a completed or aborted evaluator cycle.
func (m *Metrics) RecordEvaluatorCycle(status string, due int, duration time.Duration) {
	if m == nil {
		return
	}
	m.EvaluatorCyclesTotal.WithLabelValues(status).Inc()
	m.EvaluatorCycleDuration.Observe(duration.Seconds())
	m.EvaluatorDueRecords.Set(float64(due))
}

// RecordEvaluatorError records a per-record evaluation error by code.
func (m *Metrics) RecordEvaluatorError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "UNKNOWN"
	}
	m.EvaluatorRecordErrorsTotal.WithLabelValues(code).Inc()
}

// RecordDefinitionPublished records a published definition. source is
// "api", "version" or "seed".
func (m *Metrics) RecordDefinitionPublished(source string) {
	if m == nil {
		return
	}
	m.DefinitionsPublishedTotal.WithLabelValues(source).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
