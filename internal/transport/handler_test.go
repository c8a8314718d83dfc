package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/slatrack/internal/actionlog"
	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/internal/definition"
	"github.com/pitabwire/slatrack/internal/evaluator"
	"github.com/pitabwire/slatrack/internal/policy"
	"github.com/pitabwire/slatrack/internal/report"
	"github.com/pitabwire/slatrack/internal/workflow"
	"github.com/pitabwire/slatrack/model"
)

const (
	testSecretEnv = "SLATRACK_TEST_JWT_SECRET"
	testSecret    = "handler-test-secret"
	adminRole     = "sla_admin"
)

// --- Test helpers ---

type testEnv struct {
	router chi.Router
	deps   Dependencies
	logs   *actionlog.MemoryStore
}

// newTestEnv wires the full router over in-memory stores, authenticating
// HS256 tokens signed with testSecret.
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	t.Setenv(testSecretEnv, testSecret)

	cfg := config.Defaults()
	cfg.Identity.SecretEnv = testSecretEnv
	cfg.Identity.Algorithms = []string{"HS256"}
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.AdminRole = adminRole
	for _, m := range mutate {
		m(cfg)
	}

	defStore := definition.NewMemoryStore()
	records := workflow.NewMemoryStore()
	logs := actionlog.NewMemoryStore()
	engine := workflow.NewEngine(records, definition.NewRegistry(defStore), logs,
		policy.NewDispatcher(nil, nil, nil), nil)

	deps := Dependencies{
		Config:       cfg,
		Authenticate: JWTAuthenticator(cfg.Identity, nil),
		Engine:       engine,
		Definitions:  definition.NewService(defStore),
		ActionLogs:   logs,
		Reports:      report.NewService(records, logs, cfg.Reports),
		Evaluator:    evaluator.New(records, engine, logs, cfg.Evaluator),
	}
	return &testEnv{router: NewRouter(deps), deps: deps, logs: logs}
}

func hsToken(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"roles": roles,
		"iss":   "https://auth.example.com",
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	switch b := body.(type) {
	case nil:
		req = httptest.NewRequest(method, path, nil)
	case string:
		req = httptest.NewRequest(method, path, strings.NewReader(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[errorResponse](t, w).Error.Code
}

func invoiceDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		FlowName: "invoice-approval",
		Model:    "invoice",
		Steps: []model.Step{
			{Order: 0, Code: "review", SLAHours: 4, Action: model.ViolationAction{Kind: model.ActionNotify}},
			{Order: 1, Code: "sign", SLAHours: 8, Action: model.ViolationAction{Kind: model.ActionAutoApprove}},
		},
	}
}

// publish stores the invoice definition through the API and returns its ID.
func (e *testEnv) publish(t *testing.T) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/definitions", hsToken(t, "admin-1", adminRole), invoiceDefinition())
	if w.Code != http.StatusCreated {
		t.Fatalf("publish status = %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[model.WorkflowDefinition](t, w).ID
}

func (e *testEnv) createRecord(t *testing.T, token, defID string) model.Record {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/records", token, model.CreateRecordRequest{
		WorkflowDefinitionID: defID, Model: "invoice", BusinessRecordID: "INV-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[model.Record](t, w)
}

// --- Records ---

func TestRecordsAPI_lifecycle(t *testing.T) {
	env := newTestEnv(t)
	defID := env.publish(t)
	alice := hsToken(t, "user-alice")

	rec := env.createRecord(t, alice, defID)
	if rec.OwnerID != "user-alice" || rec.State != model.RecordPending || rec.CurrentStepCode != "review" {
		t.Fatalf("created record = %+v", rec)
	}
	if rec.NextDueAt == nil || !rec.NextDueAt.Equal(rec.StepStartedAt.Add(4*time.Hour)) {
		t.Errorf("next_due_at = %v, want step start + 4h", rec.NextDueAt)
	}

	w := env.do(t, "GET", "/api/v1/records/"+rec.ID, alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	advance := func() *httptest.ResponseRecorder {
		return env.do(t, "POST", "/api/v1/records/"+rec.ID+"/advance", alice,
			model.AdvanceRecordRequest{ApproverPayload: map[string]any{"approved": true}})
	}

	w = advance()
	if w.Code != http.StatusOK {
		t.Fatalf("advance status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.Record](t, w); got.CurrentStepCode != "sign" {
		t.Errorf("step after advance = %q, want sign", got.CurrentStepCode)
	}

	w = advance()
	got := decodeBody[model.Record](t, w)
	if got.State != model.RecordCompleted || got.NextDueAt != nil {
		t.Errorf("final state = %s, next_due_at = %v", got.State, got.NextDueAt)
	}

	w = advance()
	if w.Code != http.StatusConflict {
		t.Fatalf("advance completed status = %d, want 409", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrInvalidStateTransition {
		t.Errorf("code = %q, want INVALID_STATE_TRANSITION", code)
	}

	w = env.do(t, "GET", "/api/v1/records?state=completed&owner_id=user-alice", alice, nil)
	list := decodeBody[struct {
		Items []model.Record `json:"items"`
	}](t, w)
	if len(list.Items) != 1 || list.Items[0].ID != rec.ID {
		t.Errorf("completed records = %+v", list.Items)
	}
}

func TestAdvanceRecord_emptyPayload(t *testing.T) {
	env := newTestEnv(t)
	token := hsToken(t, "user-alice")
	rec := env.createRecord(t, token, env.publish(t))

	w := env.do(t, "POST", "/api/v1/records/"+rec.ID+"/advance", token, `{"approverPayload":{}}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	resp := decodeBody[errorResponse](t, w)
	if len(resp.Error.Details) != 1 || resp.Error.Details[0].Field != "approverPayload" {
		t.Errorf("details = %+v", resp.Error.Details)
	}
}

func TestCreateRecord_validation(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/records", hsToken(t, "user-alice"), `{"model":"invoice"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	resp := decodeBody[errorResponse](t, w)
	fields := map[string]bool{}
	for _, d := range resp.Error.Details {
		fields[d.Field] = true
	}
	if !fields["workflowDefinitionId"] || !fields["businessRecordId"] {
		t.Errorf("details = %+v", resp.Error.Details)
	}
}

func TestCreateRecord_invalidJSON(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/records", hsToken(t, "user-alice"), `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateRecord_bodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.MaxBodyBytes = 32 })
	body := `{"model":"` + strings.Repeat("x", 64) + `"}`
	w := env.do(t, "POST", "/api/v1/records", hsToken(t, "user-alice"), body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetRecord_notFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/records/missing", hsToken(t, "user-alice"), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListRecords_invalidState(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/records?state=archived", hsToken(t, "user-alice"), nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestListRecords_paging(t *testing.T) {
	env := newTestEnv(t)
	token := hsToken(t, "user-alice")
	defID := env.publish(t)
	for i := 0; i < 3; i++ {
		env.createRecord(t, token, defID)
	}

	w := env.do(t, "GET", "/api/v1/records?page=2&page_size=2", token, nil)
	list := decodeBody[struct {
		Items    []model.Record `json:"items"`
		Page     int            `json:"page"`
		PageSize int            `json:"page_size"`
	}](t, w)
	if len(list.Items) != 1 || list.Page != 2 || list.PageSize != 2 {
		t.Errorf("page = %d, size = %d, items = %d", list.Page, list.PageSize, len(list.Items))
	}
}

// --- Definitions ---

func TestDefinitionsAPI_requiresAdminToPublish(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/definitions", hsToken(t, "user-alice"), invoiceDefinition())
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestDefinitionsAPI_versions(t *testing.T) {
	env := newTestEnv(t)
	admin := hsToken(t, "admin-1", adminRole)
	defID := env.publish(t)

	next := invoiceDefinition()
	next.Steps[0].SLAHours = 2
	w := env.do(t, "POST", "/api/v1/definitions/"+defID+"/versions", admin, next)
	if w.Code != http.StatusCreated {
		t.Fatalf("new version status = %d: %s", w.Code, w.Body.String())
	}
	v2 := decodeBody[model.WorkflowDefinition](t, w)
	if v2.Version != 2 || v2.PreviousVersionID != defID {
		t.Errorf("version = %d, previous = %q", v2.Version, v2.PreviousVersionID)
	}

	w = env.do(t, "GET", "/api/v1/definitions?flow_name=invoice-approval", hsToken(t, "user-alice"), nil)
	list := decodeBody[struct {
		Items []model.WorkflowDefinition `json:"items"`
	}](t, w)
	if len(list.Items) != 2 {
		t.Errorf("definitions = %d, want 2", len(list.Items))
	}

	w = env.do(t, "GET", "/api/v1/definitions/"+v2.ID, hsToken(t, "user-alice"), nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
}

func TestDefinitionsAPI_invalidDefinition(t *testing.T) {
	env := newTestEnv(t)
	def := invoiceDefinition()
	def.Steps[1].Action.Kind = "escalate"
	w := env.do(t, "POST", "/api/v1/definitions", hsToken(t, "admin-1", adminRole), def)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

// --- Action logs, reports and evaluator ---

func TestActionLogsAPI(t *testing.T) {
	env := newTestEnv(t)
	token := hsToken(t, "user-alice")
	_, _ = env.logs.Append(t.Context(), model.ActionLogEntry{
		RecordID: "rec-1", UserID: "user-alice", Kind: model.LogViolationNotify, Outcome: model.OutcomeSuccess,
	})
	_, _ = env.logs.Append(t.Context(), model.ActionLogEntry{
		RecordID: "rec-2", UserID: "user-bob", Kind: model.LogViolationNotify, Outcome: model.OutcomeSuccess,
	})

	w := env.do(t, "GET", "/api/v1/action-logs?user_id=user-alice", token, nil)
	list := decodeBody[struct {
		Items []model.ActionLogEntry `json:"items"`
	}](t, w)
	if len(list.Items) != 1 || list.Items[0].RecordID != "rec-1" {
		t.Errorf("entries = %+v", list.Items)
	}

	w = env.do(t, "GET", "/api/v1/action-logs?from=yesterday", token, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid from status = %d, want 422", w.Code)
	}
}

// limitRecorder records the limit of every List call.
type limitRecorder struct {
	*actionlog.MemoryStore
	limits []int
}

func (s *limitRecorder) List(ctx context.Context, filter model.ActionLogFilter) ([]model.ActionLogEntry, error) {
	s.limits = append(s.limits, filter.Limit)
	return s.MemoryStore.List(ctx, filter)
}

func TestActionLogsAPI_limitBounds(t *testing.T) {
	env := newTestEnv(t)
	logs := &limitRecorder{MemoryStore: env.logs}
	env.deps.ActionLogs = logs
	env.router = NewRouter(env.deps)
	token := hsToken(t, "user-alice")

	tests := []struct {
		query string
		want  int
	}{
		{"", defaultPageSize},
		{"?limit=10", 10},
		{"?limit=-5", defaultPageSize},
		{"?limit=0", defaultPageSize},
		{"?limit=1000000", maxPageSize},
	}
	for _, tt := range tests {
		w := env.do(t, "GET", "/api/v1/action-logs"+tt.query, token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%q status = %d: %s", tt.query, w.Code, w.Body.String())
		}
		if got := logs.limits[len(logs.limits)-1]; got != tt.want {
			t.Errorf("%q limit = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestSLAReportAPI(t *testing.T) {
	env := newTestEnv(t)
	token := hsToken(t, "user-alice")
	defID := env.publish(t)
	env.createRecord(t, token, defID)

	w := env.do(t, "GET", "/api/v1/reports/sla?user_id=all&window_days=7", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	rep := decodeBody[model.SLAReport](t, w)
	if rep.WindowDays != 7 || rep.Summary.TotalRecords != 1 || rep.Summary.Pending != 1 {
		t.Errorf("report = %+v", rep)
	}

	for _, q := range []string{"window_days=abc", "window_days=1000"} {
		w = env.do(t, "GET", "/api/v1/reports/sla?"+q, token, nil)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s status = %d, want 422", q, w.Code)
		}
	}
}

func TestSLAReportAPI_xlsx(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/reports/sla.xlsx?user_id=user-alice", hsToken(t, "user-alice"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "sla-report-user-alice-30d.xlsx") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if w.Body.Len() == 0 {
		t.Error("empty workbook")
	}
}

func TestRunEvaluatorAPI(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/evaluator/run", hsToken(t, "user-alice"), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/evaluator/run", hsToken(t, "admin-1", adminRole), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin status = %d: %s", w.Code, w.Body.String())
	}
	res := decodeBody[evaluator.CycleResult](t, w)
	if res.Due != 0 || res.Handled != 0 {
		t.Errorf("cycle = %+v", res)
	}
}
