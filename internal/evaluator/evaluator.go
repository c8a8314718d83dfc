// Package evaluator periodically scans pending records for SLA violations
// and fires the violation action of every overdue step.
package evaluator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/model"
)

const (
	defaultConcurrency   = 8
	defaultRecordTimeout = 30 * time.Second
)

// RecordStore is the subset of the record store used by a cycle.
type RecordStore interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]model.Record, error)
	RefreshRemaining(ctx context.Context, now time.Time) (int, error)
}

// Violator fires the violation action of one due record.
type Violator interface {
	Violate(ctx context.Context, id string, now time.Time) (model.Record, error)
}

// ActionLogger appends action log entries.
type ActionLogger interface {
	Append(ctx context.Context, entry model.ActionLogEntry) (model.ActionLogEntry, error)
}

// CycleResult summarises one evaluation cycle.
type CycleResult struct {
	StartedAt time.Time     `json:"started_at"`
	Refreshed int           `json:"refreshed"`
	Due       int           `json:"due"`
	Handled   int           `json:"handled"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration_ns"`
}

// Evaluator runs evaluation cycles.
type Evaluator struct {
	store         RecordStore
	violator      Violator
	logs          ActionLogger
	concurrency   int
	recordTimeout time.Duration
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithLogger sets the evaluator logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the cycle time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an evaluator. Concurrency and per-record timeout come from
// cfg, falling back to defaults when unset.
func New(store RecordStore, violator Violator, logs ActionLogger, cfg config.EvaluatorConfig, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:         store,
		violator:      violator,
		logs:          logs,
		concurrency:   cfg.Concurrency,
		recordTimeout: cfg.RecordTimeout,
		logger:        zap.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if e.recordTimeout <= 0 {
		e.recordTimeout = defaultRecordTimeout
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunCycle refreshes remaining hours, then evaluates every due record once.
// Records are evaluated independently: a failure on one record is logged
// and counted but never stops the others. An error is returned only when
// the store cannot be scanned, in which case nothing is evaluated.
func (e *Evaluator) RunCycle(ctx context.Context) (CycleResult, error) {
	now := e.now()
	res := CycleResult{StartedAt: now}

	ctx, span := observability.StartSpan(ctx, "evaluator.cycle")

	refreshed, err := e.store.RefreshRemaining(ctx, now)
	if err != nil {
		return e.abort(span, res, fmt.Errorf("refresh remaining hours: %w", err))
	}
	res.Refreshed = refreshed

	due, err := e.store.FindDue(ctx, now, 0)
	if err != nil {
		return e.abort(span, res, fmt.Errorf("find due records: %w", err))
	}
	res.Due = len(due)
	span.SetAttributes(observability.AttrDueRecords.Int(res.Due))

	var handled, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, rec := range due {
		g.Go(func() error {
			switch e.evaluate(ctx, rec, now) {
			case outcomeHandled:
				handled.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Handled = int(handled.Load())
	res.Skipped = int(skipped.Load())
	res.Failed = int(failed.Load())
	res.Duration = e.now().Sub(now)

	e.metrics.RecordEvaluatorCycle("ok", res.Due, res.Duration)
	observability.EndSpanWithError(span, nil)
	if res.Due > 0 {
		e.logger.Info("evaluation cycle finished",
			zap.Int("due", res.Due),
			zap.Int("handled", res.Handled),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
			zap.Duration("duration", res.Duration),
		)
	}
	return res, nil
}

func (e *Evaluator) abort(span trace.Span, res CycleResult, err error) (CycleResult, error) {
	observability.EndSpanWithError(span, err)
	res.Duration = e.now().Sub(res.StartedAt)
	e.metrics.RecordEvaluatorCycle("error", 0, res.Duration)
	e.logger.Error("evaluation cycle aborted", zap.Error(err))
	return res, err
}

type outcome int

const (
	outcomeHandled outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (e *Evaluator) evaluate(ctx context.Context, rec model.Record, now time.Time) outcome {
	ctx, cancel := context.WithTimeout(ctx, e.recordTimeout)
	defer cancel()

	_, err := e.violator.Violate(ctx, rec.ID, now)
	if err == nil {
		return outcomeHandled
	}

	code := model.CodeOf(err)
	e.metrics.RecordEvaluatorError(code)
	fields := append(observability.RecordFields(rec),
		zap.String("code", code),
		zap.Error(err),
	)

	switch code {
	case model.ErrPreconditionFailed, model.ErrConcurrentModification:
		// Another evaluator or a manual approval got there first.
		e.logger.Debug("record skipped", fields...)
		return outcomeSkipped
	case model.ErrExternalCallFailure:
		e.logger.Warn("violation callback failed", fields...)
		return outcomeFailed
	}

	e.logger.Error("record evaluation failed", fields...)
	if e.logs != nil {
		_, logErr := e.logs.Append(context.WithoutCancel(ctx), model.ActionLogEntry{
			RecordID:     rec.ID,
			DefinitionID: rec.DefinitionID,
			StepID:       rec.CurrentStepID,
			StepCode:     rec.CurrentStepCode,
			UserID:       rec.OwnerID,
			ActorID:      model.SystemActor,
			Kind:         model.LogEvaluationError,
			Outcome:      model.OutcomeFailure,
			Detail:       map[string]any{"code": code, "error": err.Error()},
			CreatedAt:    now,
		})
		if logErr != nil {
			e.logger.Error("append evaluation error entry", zap.String("record_id", rec.ID), zap.Error(logErr))
		}
	}
	return outcomeFailed
}
