package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/model"
)

const (
	defaultCallTimeout      = 10 * time.Second
	defaultMaxResponseBytes = 1 << 20
)

// CallResponse is the outcome of a successful outbound callback.
type CallResponse struct {
	StatusCode int
	Body       []byte
}

// Caller performs outbound callback requests.
type Caller interface {
	Call(ctx context.Context, cb model.CallbackConfig, body map[string]any) (CallResponse, error)
}

// statusError is returned from inside the breaker for non-2xx responses.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.code)
}

// HTTPCaller sends callback requests with a per-call timeout and a circuit
// breaker per destination host.
type HTTPCaller struct {
	cfg     config.CallbacksConfig
	client  *http.Client
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// CallerOption configures an HTTPCaller.
type CallerOption func(*HTTPCaller)

// WithHTTPClient overrides the HTTP client used for callbacks.
func WithHTTPClient(c *http.Client) CallerOption {
	return func(h *HTTPCaller) { h.client = c }
}

// WithCallerLogger sets the logger.
func WithCallerLogger(l *zap.Logger) CallerOption {
	return func(h *HTTPCaller) { h.logger = l }
}

// WithCallerMetrics sets the metrics sink.
func WithCallerMetrics(m *observability.Metrics) CallerOption {
	return func(h *HTTPCaller) { h.metrics = m }
}

// NewHTTPCaller creates a caller from the callbacks configuration.
func NewHTTPCaller(cfg config.CallbacksConfig, opts ...CallerOption) *HTTPCaller {
	h := &HTTPCaller{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger:   zap.NewNop(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Call sends body as JSON to cb.URL. Any non-2xx status, transport failure,
// timeout or open breaker is reported as an EXTERNAL_CALL_FAILURE error.
func (h *HTTPCaller) Call(ctx context.Context, cb model.CallbackConfig, body map[string]any) (CallResponse, error) {
	target, err := url.Parse(cb.URL)
	if err != nil || target.Host == "" {
		return CallResponse{}, model.NewExternalCallFailureError(fmt.Sprintf("invalid callback url %q", cb.URL))
	}
	host := target.Host

	payload, err := json.Marshal(body)
	if err != nil {
		return CallResponse{}, fmt.Errorf("policy: marshal callback body: %w", err)
	}

	timeout := h.cfg.Timeout
	if cb.TimeoutSeconds > 0 {
		timeout = time.Duration(cb.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "callback.call",
		observability.AttrCallbackHost.String(host),
	)

	start := time.Now()
	out, err := h.breaker(host).Execute(func() (interface{}, error) {
		return h.do(ctx, cb, payload)
	})
	elapsed := time.Since(start)

	if err != nil {
		observability.EndSpanWithError(span, err)
		return CallResponse{}, h.classify(ctx, host, err, elapsed)
	}
	span.End()

	resp := out.(CallResponse)
	h.metrics.RecordCallback(host, strconv.Itoa(resp.StatusCode), elapsed)
	h.logger.Debug("callback delivered",
		zap.String("host", host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", elapsed),
		zap.Any("headers", observability.RedactHeaders(cb.Headers)),
		zap.Any("body", observability.RedactPayload(body)),
	)
	return resp, nil
}

func (h *HTTPCaller) do(ctx context.Context, cb model.CallbackConfig, payload []byte) (CallResponse, error) {
	method := strings.ToUpper(cb.Method)
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, cb.URL, bytes.NewReader(payload))
	if err != nil {
		return CallResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header = buildHeaders(ctx, cb.Headers)

	resp, err := h.client.Do(req)
	if err != nil {
		return CallResponse{}, err
	}
	defer resp.Body.Close()

	limit := h.cfg.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return CallResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return CallResponse{}, &statusError{code: resp.StatusCode}
	}
	return CallResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// classify maps a breaker or transport error to EXTERNAL_CALL_FAILURE and
// records it.
func (h *HTTPCaller) classify(ctx context.Context, host string, err error, elapsed time.Duration) error {
	var reason, status string
	var se *statusError
	var ne net.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		reason, status = "circuit breaker open", "breaker_open"
	case errors.As(err, &se):
		reason, status = se.Error(), strconv.Itoa(se.code)
	case ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()):
		reason, status = "timed out", "timeout"
	default:
		reason, status = err.Error(), "error"
	}

	h.metrics.RecordCallback(host, status, elapsed)
	h.logger.Warn("callback failed",
		zap.String("host", host),
		zap.String("reason", reason),
		zap.Duration("duration", elapsed),
	)
	return model.NewExternalCallFailureError(fmt.Sprintf("callback to %s failed: %s", host, reason))
}

func (h *HTTPCaller) breaker(host string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.breakers[host]; ok {
		return b
	}

	cbCfg := h.cfg.CircuitBreaker
	threshold := uint32(cbCfg.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	halfOpen := uint32(cbCfg.HalfOpenRequests)
	if halfOpen == 0 {
		halfOpen = 1
	}

	settings := gobreaker.Settings{
		Name:        host,
		MaxRequests: halfOpen,
		Interval:    cbCfg.Interval,
		Timeout:     cbCfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.metrics.SetCallbackBreakerState(name, breakerGauge(to))
			h.logger.Warn("callback circuit breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// 4xx responses are the receiver rejecting the payload, not an
		// unavailable host.
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.code < 500
			}
			return err == nil
		},
	}

	b := gobreaker.NewCircuitBreaker(settings)
	h.breakers[host] = b
	h.metrics.SetCallbackBreakerState(host, observability.BreakerClosed)
	return b
}

// BreakerState returns the current breaker state for host, or closed if no
// call has been made to it.
func (h *HTTPCaller) BreakerState(host string) gobreaker.State {
	h.mu.Lock()
	b, ok := h.breakers[host]
	h.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return b.State()
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return observability.BreakerOpen
	case gobreaker.StateHalfOpen:
		return observability.BreakerHalfOpen
	default:
		return observability.BreakerClosed
	}
}

func buildHeaders(ctx context.Context, custom map[string]string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", "slatrack/"+observability.Version)

	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, h)

	// Configured headers are applied last so they can override the defaults.
	for k, v := range custom {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
