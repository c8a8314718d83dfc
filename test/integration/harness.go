// Package integration provides a reusable test harness for end-to-end
// integration testing of the slatrack API. It starts a full HTTP server
// with in-memory stores, a mock callback receiver, a test JWT issuer and a
// controllable clock shared by the engine and the evaluator.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/actionlog"
	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/internal/definition"
	"github.com/pitabwire/slatrack/internal/evaluator"
	"github.com/pitabwire/slatrack/internal/lock"
	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/internal/policy"
	"github.com/pitabwire/slatrack/internal/report"
	"github.com/pitabwire/slatrack/internal/transport"
	"github.com/pitabwire/slatrack/internal/workflow"
	"github.com/pitabwire/slatrack/model"
)

// AdminRole is the role allowed to publish definitions and run the
// evaluator in harness servers.
const AdminRole = "sla_admin"

// TestHarness encapsulates a fully wired slatrack instance with a mock
// callback receiver for integration testing.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockBackend
	clock   *Clock

	// Internal components exposed for advanced test scenarios.
	Records     *workflow.MemoryStore
	Definitions *definition.Service
	ActionLogs  *actionlog.MemoryStore
	Engine      *workflow.Engine
	Evaluator   *evaluator.Evaluator

	cfg *config.Config
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current harness time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs  []string
	handlerTimeout  time.Duration
	callbackTimeout time.Duration
	breaker         *config.CircuitBreakerConfig
	graceWindow     time.Duration
}

// WithDefinitions sets the seed definition directories to load. Relative
// paths are resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithCallbackTimeout sets the default outbound callback timeout.
func WithCallbackTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.callbackTimeout = d
	}
}

// WithCircuitBreaker overrides the per-host callback circuit breaker.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &cb
	}
}

// WithGraceWindow sets the default notify grace window.
func WithGraceWindow(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.graceWindow = d
	}
}

// NewTestHarness creates and starts a full slatrack test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:  10 * time.Second,
		callbackTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{"definitions"}
	}

	h := &TestHarness{
		t:     t,
		// Start a day back so records stay inside report windows computed
		// against wall-clock time.
		clock: &Clock{now: time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Minute)},
	}

	// Step 1: Start the mock callback receiver and the token issuer.
	h.backend = newMockBackend(t)
	h.issuer = newTokenIssuer(t)

	// Step 2: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		AdminRole:    AdminRole,
	}
	h.cfg.Callbacks.Timeout = hc.callbackTimeout
	if hc.breaker != nil {
		h.cfg.Callbacks.CircuitBreaker = *hc.breaker
	}
	if hc.graceWindow > 0 {
		h.cfg.Evaluator.GraceWindow = hc.graceWindow
	}
	h.cfg.Evaluator.Concurrency = 4

	// Step 3: Build in-memory stores.
	defStore := definition.NewMemoryStore()
	h.Records = workflow.NewMemoryStore()
	h.ActionLogs = actionlog.NewMemoryStore()
	h.Definitions = definition.NewService(defStore)

	// Step 4: Seed definitions with the callback receiver URL.
	seedDirs := h.rewriteDefinitions(hc.definitionDirs)
	seeds, err := definition.NewLoader().LoadAll(seedDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if _, err := h.Definitions.Seed(context.Background(), seeds, zap.NewNop()); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}

	// Step 5: Wire the engine and evaluator over the shared clock.
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	caller := policy.NewHTTPCaller(h.cfg.Callbacks, policy.WithCallerMetrics(metrics))
	dispatcher := policy.NewDispatcher(caller, nil, nil)
	h.Engine = workflow.NewEngine(h.Records, definition.NewRegistry(defStore), h.ActionLogs, dispatcher,
		lock.NewMemoryLocker(time.Second),
		workflow.WithGraceWindow(h.cfg.Evaluator.GraceWindow),
		workflow.WithMetrics(metrics),
		workflow.WithClock(h.clock.Now),
	)
	h.Evaluator = evaluator.New(h.Records, h.Engine, h.ActionLogs, h.cfg.Evaluator,
		evaluator.WithMetrics(metrics),
		evaluator.WithClock(h.clock.Now),
	)

	// Step 6: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, nil)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Engine:       h.Engine,
		Definitions:  h.Definitions,
		ActionLogs:   h.ActionLogs,
		Reports:      report.NewService(h.Records, h.ActionLogs, h.cfg.Reports),
		Evaluator:    h.Evaluator,
		Readiness: observability.ReadinessChecks{
			RecordStore:     h.Records,
			DefinitionStore: defStore,
			ActionLogStore:  h.ActionLogs,
		},
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// rewriteDefinitions copies the seed YAML files into a temp directory,
// replacing the {{CALLBACK_URL}} placeholder with the mock receiver URL.
func (h *TestHarness) rewriteDefinitions(dirs []string) []string {
	h.t.Helper()
	out := h.t.TempDir()
	for _, dir := range dirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(testdataDir(), dir)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			h.t.Fatalf("read definitions dir %s: %v", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				h.t.Fatalf("read definition %s: %v", e.Name(), err)
			}
			content := strings.ReplaceAll(string(data), "{{CALLBACK_URL}}", h.backend.URL())
			if err := os.WriteFile(filepath.Join(out, e.Name()), []byte(content), 0o644); err != nil {
				h.t.Fatalf("write temp definition: %v", err)
			}
		}
	}
	return []string{out}
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock callback receiver.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// Clock returns the time source shared by the engine and the evaluator.
func (h *TestHarness) Clock() *Clock {
	return h.clock
}

// DefinitionID returns the ID of the seeded definition with flowName.
func (h *TestHarness) DefinitionID(flowName string) string {
	h.t.Helper()
	defs, err := h.Definitions.List(context.Background(), definition.Filters{FlowName: flowName})
	if err != nil || len(defs) == 0 {
		h.t.Fatalf("definition %q not seeded: %v", flowName, err)
	}
	return defs[0].ID
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Domain helpers ---

// CreateRecord starts tracking a business record on the seeded flow and
// returns the stored record.
func (h *TestHarness) CreateRecord(t *testing.T, token, flowName, modelName, businessID string) model.Record {
	t.Helper()
	resp := h.POST("/api/v1/records", model.CreateRecordRequest{
		WorkflowDefinitionID: h.DefinitionID(flowName),
		Model:                modelName,
		BusinessRecordID:     businessID,
	}, token)
	var rec model.Record
	h.AssertJSON(t, resp, http.StatusCreated, &rec)
	return rec
}

// Approve advances the current step of a record with a manual approval.
func (h *TestHarness) Approve(t *testing.T, token, recordID string, payload map[string]any) model.Record {
	t.Helper()
	resp := h.POST("/api/v1/records/"+recordID+"/advance",
		model.AdvanceRecordRequest{ApproverPayload: payload}, token)
	var rec model.Record
	h.AssertJSON(t, resp, http.StatusOK, &rec)
	return rec
}

// GetRecord fetches a record through the API.
func (h *TestHarness) GetRecord(t *testing.T, token, recordID string) model.Record {
	t.Helper()
	var rec model.Record
	h.AssertJSON(t, h.GET("/api/v1/records/"+recordID, token), http.StatusOK, &rec)
	return rec
}

// RunEvaluator triggers one evaluation cycle as an administrator.
func (h *TestHarness) RunEvaluator(t *testing.T) evaluator.CycleResult {
	t.Helper()
	var res evaluator.CycleResult
	h.AssertJSON(t, h.POST("/api/v1/evaluator/run", nil, h.GenerateToken(AdminClaims())), http.StatusOK, &res)
	return res
}

// ActionLogsFor lists action log entries of a record through the API.
func (h *TestHarness) ActionLogsFor(t *testing.T, recordID string) []model.ActionLogEntry {
	t.Helper()
	var out struct {
		Items []model.ActionLogEntry `json:"items"`
	}
	h.AssertJSON(t, h.GET("/api/v1/action-logs?record_id="+recordID, h.GenerateToken(AdminClaims())), http.StatusOK, &out)
	return out.Items
}

// --- Default test claims ---

// OwnerClaims returns TestClaims for a user who submits records.
func OwnerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-owner",
		Email:     "owner@acme.example.com",
		Roles:     []string{"clerk"},
	}
}

// ApproverClaims returns TestClaims for a user who approves steps.
func ApproverClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-approver",
		Email:     "approver@acme.example.com",
		Roles:     []string{"approver"},
	}
}

// AdminClaims returns TestClaims for an SLA administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@acme.example.com",
		Roles:     []string{AdminRole},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
