package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/model"
)

const redacted = "[REDACTED]"

type loggerKey struct{}

// NewLogger creates the service's JSON logger on stdout. Every entry
// carries service=slatrack.
//
// Levels:
//   - error: store outages, aborted evaluation cycles, unhandled panics, 5xx
//   - warn:  failed callbacks, breaker trips, version conflicts, 4xx
//   - info:  record creation and approval, violations handled, cycle summaries
//   - debug: callback payloads and headers (redacted), skipped records
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": "slatrack"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's subject,
// correlation ID and, when tracing is on, trace ID.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// RecordFields identifies a tracked record and the step it is waiting on.
func RecordFields(rec model.Record) []zap.Field {
	fields := []zap.Field{
		zap.String("record_id", rec.ID),
		zap.String("definition_id", rec.DefinitionID),
		zap.String("business_record_id", rec.BusinessRecordID),
		zap.String("state", string(rec.State)),
	}
	if rec.CurrentStepCode != "" {
		fields = append(fields, zap.String("step_code", rec.CurrentStepCode))
	}
	if rec.NotifyCount > 0 {
		fields = append(fields, zap.Int("notify_count", rec.NotifyCount))
	}
	return fields
}

// sensitiveKeys are payload keys that never reach the log, compared
// case-insensitively.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"signature":     true,
}

// RedactPayload returns a copy of a callback or approver payload with
// sensitive keys replaced. extra names more keys to hide. Nested objects
// and arrays of objects are redacted too.
func RedactPayload(body map[string]any, extra ...string) map[string]any {
	if body == nil {
		return nil
	}
	keys := sensitiveKeys
	if len(extra) > 0 {
		keys = make(map[string]bool, len(sensitiveKeys)+len(extra))
		for k := range sensitiveKeys {
			keys[k] = true
		}
		for _, k := range extra {
			keys[strings.ToLower(k)] = true
		}
	}
	return redactMap(body, keys)
}

func redactMap(body map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if keys[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = redactValue(item, keys)
		}
		return items
	default:
		return v
	}
}

// RedactHeaders returns a copy of callback headers safe to log. Credentials
// such as Authorization or X-Api-Key are masked, as is any header whose name
// mentions a token, secret, key or signature.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, v := range headers {
		if sensitiveHeader(name) {
			v = redacted
		}
		out[name] = v
	}
	return out
}

func sensitiveHeader(name string) bool {
	n := strings.ToLower(name)
	if n == "authorization" || n == "cookie" || n == "proxy-authorization" {
		return true
	}
	for _, marker := range []string{"token", "secret", "key", "signature"} {
		if strings.Contains(n, marker) {
			return true
		}
	}
	return false
}
