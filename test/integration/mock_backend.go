package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Callback hook names served by the mock backend.
const (
	HookNotify  = "notify"
	HookApprove = "approve"
)

// MockBackend is a configurable HTTP test server that receives violation
// callbacks. It allows configuring per-hook responses and records all
// received requests for later assertion.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.RWMutex
	hooks        map[string]*hookConfig
	receivedByHk map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a callback received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

// hookConfig holds the configured responses for a single hook.
type hookConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// HookMock is a builder for configuring mock responses for a specific hook.
type HookMock struct {
	backend *MockBackend
	hook    string
}

// newMockBackend creates a mock callback receiver serving every hook under
// /hooks/{name}.
func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:            t,
		hooks:        make(map[string]*hookConfig),
		receivedByHk: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for _, hook := range []string{HookNotify, HookApprove} {
		mux.HandleFunc("POST /hooks/"+hook, mb.handleHook(hook))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("mock: no hook registered for %s %s", r.Method, r.URL.Path),
		})
	})

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)

	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// HookURL returns the absolute URL of the named hook.
func (mb *MockBackend) HookURL(hook string) string {
	return mb.server.URL + "/hooks/" + hook
}

// OnHook returns a builder for configuring responses for the named hook.
func (mb *MockBackend) OnHook(hook string) *HookMock {
	return &HookMock{backend: mb, hook: hook}
}

// RespondWith configures the hook to respond with the given status and body.
func (hm *HookMock) RespondWith(status int, body any) *HookMock {
	hm.backend.addResponse(hm.hook, &mockResponse{status: status, body: body})
	return hm
}

// RespondWithDelay configures a delayed response to simulate slow receivers.
func (hm *HookMock) RespondWithDelay(delay time.Duration, status int, body any) *HookMock {
	hm.backend.addResponse(hm.hook, &mockResponse{status: status, body: body, delay: delay})
	return hm
}

// RespondWithConnectionError configures the hook to close the connection.
func (hm *HookMock) RespondWithConnectionError() *HookMock {
	hm.backend.addResponse(hm.hook, &mockResponse{connError: true})
	return hm
}

func (mb *MockBackend) addResponse(hook string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.hooks[hook]
	if !ok {
		cfg = &hookConfig{}
		mb.hooks[hook] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) handleHook(hook string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		mb.mu.Lock()
		mb.receivedByHk[hook] = append(mb.receivedByHk[hook], rec)
		mb.mu.Unlock()

		resp := mb.getNextResponse(hook)
		if resp == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			_ = json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (mb *MockBackend) getNextResponse(hook string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.hooks[hook]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the hook was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, hook string, expectedCount int) {
	t.Helper()
	mb.mu.RLock()
	actual := len(mb.receivedByHk[hook])
	mb.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock: hook %q called %d times, want %d", hook, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the hook was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, hook string) {
	t.Helper()
	mb.AssertCalled(t, hook, 0)
}

// LastRequest returns the last request received for the given hook, or nil.
func (mb *MockBackend) LastRequest(hook string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByHk[hook]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given hook.
func (mb *MockBackend) AllRequests(hook string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByHk[hook]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetHook clears recorded requests and configured responses for one hook.
func (mb *MockBackend) ResetHook(hook string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.hooks, hook)
	delete(mb.receivedByHk, hook)
}
