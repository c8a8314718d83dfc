package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"slatrack_http_requests_total",
		"slatrack_http_request_duration_seconds",
		"slatrack_http_request_size_bytes",
		"slatrack_http_response_size_bytes",
		"slatrack_records_created_total",
		"slatrack_record_advances_total",
		"slatrack_record_conflicts_total",
		"slatrack_violations_total",
		"slatrack_escalations_total",
		"slatrack_callback_requests_total",
		"slatrack_callback_duration_seconds",
		"slatrack_callback_circuit_breaker_state",
		"slatrack_evaluator_cycles_total",
		"slatrack_evaluator_cycle_duration_seconds",
		"slatrack_evaluator_due_records",
		"slatrack_evaluator_record_errors_total",
		"slatrack_definitions_published_total",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordRecordCreated("contract")
	m.RecordAdvance("contract", "next", false)
	m.RecordConflict("advance")
	m.RecordViolation("notify", "success")
	m.RecordEscalation("contract")
	m.RecordCallback("hooks.example.com", "200", time.Millisecond)
	m.SetCallbackBreakerState("hooks.example.com", BreakerClosed)
	m.RecordEvaluatorCycle("ok", 3, time.Millisecond)
	m.RecordEvaluatorError("EXTERNAL_CALL_FAILURE")
	m.RecordDefinitionPublished("api")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
	m.RecordAdvance("contract", "completed", true)
	m.RecordViolation("auto_approve", "failure")
	m.RecordEvaluatorCycle("aborted", 0, time.Millisecond)
	m.SetCallbackBreakerState("h", BreakerOpen)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/v1/records/{id}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/v1/records/{id}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/api/v1/records/{id}/advance", 409, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/records/{id}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/records/{id}/advance", "409"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordAdvance(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordAdvance("contract", "next", false)
	m.RecordAdvance("contract", "completed", true)
	m.RecordAdvance("contract", "completed", true)

	if v := testutil.ToFloat64(m.RecordAdvancesTotal.WithLabelValues("contract", "next", "false")); v != 1 {
		t.Errorf("manual advances = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.RecordAdvancesTotal.WithLabelValues("contract", "completed", "true")); v != 2 {
		t.Errorf("automatic completions = %v, want 2", v)
	}
}

func TestRecordViolationAndEscalation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordViolation("notify", "success")
	m.RecordViolation("notify", "failure")
	m.RecordEscalation("leave")

	if v := testutil.ToFloat64(m.ViolationsTotal.WithLabelValues("notify", "failure")); v != 1 {
		t.Errorf("notify failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("leave")); v != 1 {
		t.Errorf("escalations = %v, want 1", v)
	}
}

func TestSetCallbackBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetCallbackBreakerState("hooks.example.com", BreakerClosed)
	if v := testutil.ToFloat64(m.CallbackBreakerState.WithLabelValues("hooks.example.com")); v != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", v)
	}

	m.SetCallbackBreakerState("hooks.example.com", BreakerOpen)
	if v := testutil.ToFloat64(m.CallbackBreakerState.WithLabelValues("hooks.example.com")); v != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", v)
	}
}

func TestRecordEvaluatorCycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEvaluatorCycle("ok", 7, 2*time.Second)
	m.RecordEvaluatorCycle("aborted", 0, time.Millisecond)
	m.RecordEvaluatorError("")

	if v := testutil.ToFloat64(m.EvaluatorDueRecords); v != 0 {
		t.Errorf("due records gauge = %v, want last value 0", v)
	}
	if v := testutil.ToFloat64(m.EvaluatorCyclesTotal.WithLabelValues("ok")); v != 1 {
		t.Errorf("ok cycles = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.EvaluatorRecordErrorsTotal.WithLabelValues("UNKNOWN")); v != 1 {
		t.Errorf("unknown errors = %v, want 1", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/v1/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/records/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/records/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
	if count := testutil.CollectAndCount(m.HTTPResponseSizeBytes); count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/v1/records/{id}/advance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/records/abc/advance", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/records/{id}/advance", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":     httpDurationBuckets,
		"callback": callbackDurationBuckets,
		"cycle":    cycleDurationBuckets,
		"body":     bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
