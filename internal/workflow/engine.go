package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/lock"
	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/internal/policy"
	"github.com/pitabwire/slatrack/model"
)

const defaultGraceWindow = time.Hour

// DefinitionSource resolves workflow definitions by ID.
type DefinitionSource interface {
	Get(ctx context.Context, id string) (model.WorkflowDefinition, error)
}

// ActionLogger appends action log entries.
type ActionLogger interface {
	Append(ctx context.Context, entry model.ActionLogEntry) (model.ActionLogEntry, error)
}

// Dispatcher runs the violation action of a step.
type Dispatcher interface {
	Dispatch(ctx context.Context, v policy.Violation) (policy.Result, error)
}

// Engine drives tracked records through their workflow steps.
type Engine struct {
	store      Store
	defs       DefinitionSource
	logs       ActionLogger
	dispatcher Dispatcher
	locker     lock.Locker
	grace      time.Duration
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithGraceWindow sets the default interval between repeated notify
// firings. Definitions with GraceWindowMinutes set override it.
func WithGraceWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used by Create and Advance.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a record engine. A nil locker falls back to an
// in-process MemoryLocker.
func NewEngine(
	store Store,
	defs DefinitionSource,
	logs ActionLogger,
	dispatcher Dispatcher,
	locker lock.Locker,
	opts ...Option,
) *Engine {
	if locker == nil {
		locker = lock.NewMemoryLocker(0)
	}
	e := &Engine{
		store:      store,
		defs:       defs,
		logs:       logs,
		dispatcher: dispatcher,
		locker:     locker,
		grace:      defaultGraceWindow,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create starts tracking a business record at the first step of its
// workflow definition.
func (e *Engine) Create(
	ctx context.Context,
	rctx *model.RequestContext,
	req model.CreateRecordRequest,
) (model.Record, error) {
	// 1. Validate request shape.
	if err := ValidateRequest(req); err != nil {
		return model.Record{}, err
	}

	// 2. Resolve the definition and its first step.
	def, err := e.defs.Get(ctx, req.WorkflowDefinitionID)
	if err != nil {
		return model.Record{}, err
	}
	if def.Model != req.Model {
		return model.Record{}, model.NewBadRequestError(
			fmt.Sprintf("definition %q tracks model %q, not %q", def.ID, def.Model, req.Model),
		)
	}
	first, ok := def.StepAt(0)
	if !ok {
		return model.Record{}, model.NewBadRequestError(fmt.Sprintf("definition %q has no steps", def.ID))
	}

	// 3. Build and persist.
	now := e.now()
	rec := model.Record{
		ID:               uuid.New().String(),
		DefinitionID:     def.ID,
		Model:            def.Model,
		BusinessRecordID: req.BusinessRecordID,
		ActivityID:       req.ActivityID,
		State:            model.RecordPending,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if rctx != nil {
		rec.OwnerID = rctx.SubjectID
	}
	enterStep(&rec, first, now)

	if err := e.store.Create(ctx, rec); err != nil {
		return model.Record{}, err
	}
	e.metrics.RecordRecordCreated(rec.Model)
	e.logger.Info("record created", append(observability.RecordFields(rec),
		zap.Timep("next_due_at", rec.NextDueAt),
	)...)
	return rec, nil
}

// Get returns a record by ID.
func (e *Engine) Get(ctx context.Context, id string) (model.Record, error) {
	return e.store.Get(ctx, id)
}

// List returns records matching filters.
func (e *Engine) List(ctx context.Context, filters model.RecordFilters) ([]model.Record, error) {
	return e.store.List(ctx, filters)
}

// Advance approves the current step of a pending record. The record moves
// to the next step, or to completed when the current step is the last one.
// A version conflict is retried once before being returned.
func (e *Engine) Advance(
	ctx context.Context,
	rctx *model.RequestContext,
	id string,
	payload map[string]any,
) (model.Record, error) {
	if len(payload) == 0 {
		return model.Record{}, model.NewValidationError([]model.FieldError{{
			Field:   "approverPayload",
			Code:    "REQUIRED",
			Message: "approverPayload must be a non-empty object",
		}})
	}
	approver := model.SystemActor
	if rctx != nil && rctx.SubjectID != "" {
		approver = rctx.SubjectID
	}

	ctx, span := observability.StartSpan(ctx, "workflow.advance",
		observability.AttrRecordID.String(id),
	)
	rec, err := e.advance(ctx, id, approver, payload)
	observability.EndSpanWithError(span, err)
	return rec, err
}

func (e *Engine) advance(ctx context.Context, id, approver string, payload map[string]any) (model.Record, error) {
	release, err := e.acquire(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	defer e.release(ctx, id, release)

	var rec model.Record
	for attempt := 0; attempt < 2; attempt++ {
		rec, err = e.advanceOnce(ctx, id, approver, payload)
		if !model.IsCode(err, model.ErrConcurrentModification) {
			break
		}
		e.metrics.RecordConflict("advance")
	}
	if err != nil {
		return model.Record{}, err
	}

	e.logger.Info("record advanced", append(observability.RecordFields(rec),
		zap.String("approver_id", approver),
	)...)
	return rec, nil
}

func (e *Engine) advanceOnce(ctx context.Context, id, approver string, payload map[string]any) (model.Record, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	def, err := e.defs.Get(ctx, rec.DefinitionID)
	if err != nil {
		return model.Record{}, err
	}
	if err := applyAdvance(&rec, def, approver, payload, false, e.now()); err != nil {
		return model.Record{}, err
	}
	if err := e.store.Update(ctx, rec); err != nil {
		return model.Record{}, err
	}
	rec.Version++
	e.metrics.RecordAdvance(rec.Model, string(rec.State), false)
	return rec, nil
}

// Violate fires the violation action of a due record's current step. It is
// invoked by the evaluator with the cycle's evaluation time.
//
// The firing is claimed before the step policy runs: under the record lock
// the due time moves one grace window ahead, so any overlapping evaluation
// of the same record sees it as not due and never dispatches. The policy
// itself runs without the lock held. The lock is taken again only to
// re-validate and commit, so a manual advance that lands while a callback
// is in flight wins and the violation fails with CONCURRENT_MODIFICATION
// without writing a log entry. A failed auto-approve gives the claim back.
func (e *Engine) Violate(ctx context.Context, id string, now time.Time) (model.Record, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.violate",
		observability.AttrRecordID.String(id),
	)
	rec, err := e.violate(ctx, id, now)
	observability.EndSpanWithError(span, err)
	return rec, err
}

func (e *Engine) violate(ctx context.Context, id string, now time.Time) (model.Record, error) {
	// 1. Read and validate without the lock.
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if !rec.IsDue(now) {
		return model.Record{}, model.NewPreconditionFailedError(
			fmt.Sprintf("record %q is not due (state %s)", id, rec.State),
		)
	}
	def, err := e.defs.Get(ctx, rec.DefinitionID)
	if err != nil {
		return model.Record{}, err
	}
	step, ok := def.StepAt(rec.CurrentStepOrder)
	if !ok {
		return model.Record{}, fmt.Errorf("record %q: step %d missing from definition %q",
			id, rec.CurrentStepOrder, def.ID)
	}

	// 2. Claim the firing.
	claimed, dueAt, err := e.claim(ctx, rec, now, now.Add(e.graceFor(def)))
	if err != nil {
		return model.Record{}, err
	}

	// 3. Dispatch the step policy.
	res, callErr := e.dispatcher.Dispatch(ctx, policy.Violation{
		Record:     rec,
		Step:       step,
		Definition: def,
		Now:        now,
	})

	// 4. Lock, re-read, re-validate.
	release, err := e.acquire(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	defer e.release(ctx, id, release)

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if current.Version != claimed.Version {
		e.metrics.RecordConflict("violate")
		return model.Record{}, model.NewConcurrentModificationError(
			fmt.Sprintf("record %q changed while its violation was dispatched", id),
		)
	}

	// 5. Apply the action.
	entry := model.ActionLogEntry{
		RecordID:     current.ID,
		DefinitionID: current.DefinitionID,
		StepID:       step.ID,
		StepCode:     step.Code,
		UserID:       current.OwnerID,
		ActorID:      model.SystemActor,
		Outcome:      model.OutcomeSuccess,
		Detail:       res.Detail(),
		CreatedAt:    now,
	}
	entry.Detail["overdue_hours"] = policy.Violation{Record: current, Step: step, Now: now}.OverdueHours()
	if callErr != nil {
		entry.Outcome = model.OutcomeFailure
		entry.Detail["error"] = callErr.Error()
	}

	switch step.Action.Kind {
	case model.ActionNotify:
		entry.Kind = model.LogViolationNotify
		e.applyNotify(&current, def, step, now)
		entry.Detail["notify_count"] = current.NotifyCount
		if current.State == model.RecordEscalated {
			entry.Detail["escalated"] = true
		}

	case model.ActionAutoApprove:
		entry.Kind = model.LogViolationAutoApprove
		if callErr != nil {
			current.NextDueAt = &dueAt
			if err := e.store.Update(ctx, current); err != nil {
				e.logger.Warn("release violation claim",
					zap.String("record_id", current.ID),
					zap.Error(err),
				)
			} else {
				current.Version++
			}
			e.appendLog(ctx, entry)
			e.metrics.RecordViolation(string(step.Action.Kind), string(entry.Outcome))
			return current, callErr
		}
		if err := applyAdvance(&current, def, model.SystemActor, res.ApproverPayload, true, now); err != nil {
			return model.Record{}, err
		}
		entry.Detail["state"] = string(current.State)

	default:
		if callErr == nil {
			callErr = model.NewPreconditionFailedError(fmt.Sprintf("unknown violation action %q", step.Action.Kind))
		}
		return model.Record{}, callErr
	}

	// 6. Commit, then log.
	if err := e.store.Update(ctx, current); err != nil {
		if model.IsCode(err, model.ErrConcurrentModification) {
			e.metrics.RecordConflict("violate")
		}
		return model.Record{}, err
	}
	current.Version++
	e.appendLog(ctx, entry)

	e.metrics.RecordViolation(string(step.Action.Kind), string(entry.Outcome))
	switch current.State {
	case model.RecordEscalated:
		e.metrics.RecordEscalation(current.Model)
	case model.RecordCompleted, model.RecordPending:
		if step.Action.Kind == model.ActionAutoApprove {
			e.metrics.RecordAdvance(current.Model, string(current.State), true)
		}
	}

	e.logger.Info("violation handled", append(observability.RecordFields(current),
		zap.String("violated_step", step.Code),
		zap.String("action", string(step.Action.Kind)),
		zap.String("outcome", string(entry.Outcome)),
	)...)
	return current, nil
}

// claim moves a due record's NextDueAt to until under the record lock and
// returns the claimed record with its previous due time. A record that is
// no longer due on its original step fails with PRECONDITION_FAILED.
func (e *Engine) claim(ctx context.Context, rec model.Record, now, until time.Time) (model.Record, time.Time, error) {
	release, err := e.acquire(ctx, rec.ID)
	if err != nil {
		return model.Record{}, time.Time{}, err
	}
	defer e.release(ctx, rec.ID, release)

	current, err := e.store.Get(ctx, rec.ID)
	if err != nil {
		return model.Record{}, time.Time{}, err
	}
	if !current.IsDue(now) || current.CurrentStepID != rec.CurrentStepID {
		return model.Record{}, time.Time{}, model.NewPreconditionFailedError(
			fmt.Sprintf("record %q is no longer due (state %s)", rec.ID, current.State),
		)
	}
	dueAt := *current.NextDueAt
	current.NextDueAt = &until
	if err := e.store.Update(ctx, current); err != nil {
		if model.IsCode(err, model.ErrConcurrentModification) {
			e.metrics.RecordConflict("violate")
		}
		return model.Record{}, time.Time{}, err
	}
	current.Version++
	return current, dueAt, nil
}

// applyNotify counts the firing and either extends the due time by the
// grace window or escalates once the step's notification cap is reached.
// Failed deliveries count toward the cap.
func (e *Engine) applyNotify(rec *model.Record, def model.WorkflowDefinition, step model.Step, now time.Time) {
	rec.NotifyCount++
	rec.UpdatedAt = now
	if step.MaxNotifications > 0 && rec.NotifyCount >= step.MaxNotifications {
		rec.State = model.RecordEscalated
		rec.NextDueAt = nil
		rec.RemainingHours = model.WholeHours(0)
		return
	}
	due := now.Add(e.graceFor(def))
	rec.NextDueAt = &due
	rec.RemainingHours = model.RemainingHours(rec.StepDeadline(), now)
}

func (e *Engine) graceFor(def model.WorkflowDefinition) time.Duration {
	if def.GraceWindowMinutes > 0 {
		return time.Duration(def.GraceWindowMinutes) * time.Minute
	}
	return e.grace
}

func (e *Engine) appendLog(ctx context.Context, entry model.ActionLogEntry) {
	if e.logs == nil {
		return
	}
	if _, err := e.logs.Append(ctx, entry); err != nil {
		e.logger.Error("append action log entry",
			zap.String("record_id", entry.RecordID),
			zap.String("kind", string(entry.Kind)),
			zap.Error(err),
		)
	}
}

func (e *Engine) acquire(ctx context.Context, id string) (lock.Release, error) {
	release, err := e.locker.Acquire(ctx, lock.RecordKey(id))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, model.NewConcurrentModificationError(fmt.Sprintf("record %q is locked", id))
		}
		return nil, fmt.Errorf("acquire record lock: %w", err)
	}
	return release, nil
}

func (e *Engine) release(ctx context.Context, id string, release lock.Release) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("release record lock", zap.String("record_id", id), zap.Error(err))
	}
}

// applyAdvance records an approval of rec's current step and moves rec to
// the following step or to completed.
func applyAdvance(
	rec *model.Record,
	def model.WorkflowDefinition,
	approver string,
	payload map[string]any,
	automatic bool,
	now time.Time,
) error {
	if rec.State != model.RecordPending {
		return model.NewInvalidStateTransitionError(
			fmt.Sprintf("record %q is %s and cannot be advanced", rec.ID, rec.State),
		)
	}

	rec.History = append(rec.History, model.StepApproval{
		StepID:     rec.CurrentStepID,
		StepCode:   rec.CurrentStepCode,
		ApproverID: approver,
		Payload:    payload,
		Automatic:  automatic,
		ApprovedAt: now,
	})
	approvedAt := now
	rec.ApprovedAt = &approvedAt
	rec.ApprovalPayload = payload
	rec.UpdatedAt = now

	if next, ok := def.NextStep(rec.CurrentStepOrder); ok {
		enterStep(rec, next, now)
		return nil
	}
	rec.State = model.RecordCompleted
	rec.NextDueAt = nil
	rec.RemainingHours = model.WholeHours(0)
	return nil
}

// enterStep places rec at the start of step with a full SLA allotment.
func enterStep(rec *model.Record, step model.Step, now time.Time) {
	rec.CurrentStepID = step.ID
	rec.CurrentStepCode = step.Code
	rec.CurrentStepOrder = step.Order
	rec.CurrentStepSLA = step.SLAHours
	rec.StepStartedAt = now
	rec.RemainingHours = model.WholeHours(step.SLAHours)
	rec.NotifyCount = 0
	due := now.Add(step.SLA())
	rec.NextDueAt = &due
}
