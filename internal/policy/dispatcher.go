// Package policy dispatches the violation action of a workflow step: it
// resolves which callback applies, renders payload templates, performs the
// outbound call and interprets its response.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/model"
)

// Callback sources reported in dispatch results.
const (
	SourceStep     = "step"
	SourceWorkflow = "workflow"
	SourceInternal = "internal"
)

// Violation describes one overdue step of a record.
type Violation struct {
	Record     model.Record
	Step       model.Step
	Definition model.WorkflowDefinition
	Now        time.Time
}

// OverdueHours is the time since the step's SLA deadline in decimal hours.
func (v Violation) OverdueHours() float64 {
	deadline := v.Record.StepStartedAt.Add(v.Step.SLA())
	if !v.Now.After(deadline) {
		return 0
	}
	h, _ := model.DurationHours(v.Now.Sub(deadline)).Float64()
	return h
}

// Result is the outcome of a dispatched violation action.
type Result struct {
	Kind       model.ActionKind
	Source     string
	Target     string
	StatusCode int
	// ApproverPayload is set for auto-approve actions.
	ApproverPayload map[string]any
}

// Detail returns the result as action log detail fields.
func (r Result) Detail() map[string]any {
	d := map[string]any{"source": r.Source}
	if r.Target != "" {
		d["target"] = r.Target
	}
	if r.StatusCode != 0 {
		d["status_code"] = r.StatusCode
	}
	return d
}

// SystemApprovalPayload is the approver payload used when an auto-approve
// step has no callback.
func SystemApprovalPayload() map[string]any {
	return map[string]any{
		"approved_by": model.SystemActor,
		"automatic":   true,
		"reason":      "sla_violation",
	}
}

// ResolveCallback returns the callback for kind on step. A step-level
// callback takes precedence over the definition default of the same kind.
// A nil callback means the internal default applies.
func ResolveCallback(def model.WorkflowDefinition, step model.Step, kind model.ActionKind) (*model.CallbackConfig, string) {
	if step.Action.Callback != nil {
		return step.Action.Callback, SourceStep
	}
	switch kind {
	case model.ActionNotify:
		if def.NotifyCallback != nil {
			return def.NotifyCallback, SourceWorkflow
		}
	case model.ActionAutoApprove:
		if def.AutoApproveCallback != nil {
			return def.AutoApproveCallback, SourceWorkflow
		}
	}
	return nil, SourceInternal
}

// Dispatcher executes step violation policies.
type Dispatcher struct {
	caller    Caller
	notifier  Notifier
	templates *Templates
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil notifier falls back to a
// LogNotifier.
func NewDispatcher(caller Caller, notifier Notifier, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Dispatcher{
		caller:    caller,
		notifier:  notifier,
		templates: NewTemplates(),
		logger:    logger,
	}
}

// Dispatch runs the violation action of v.Step. It never touches record
// state; the caller applies the result.
func (d *Dispatcher) Dispatch(ctx context.Context, v Violation) (Result, error) {
	kind := v.Step.Action.Kind
	cb, source := ResolveCallback(v.Definition, v.Step, kind)
	res := Result{Kind: kind, Source: source}
	if cb != nil {
		res.Target = cb.URL
	}

	ctx, span := observability.StartSpan(ctx, "policy.dispatch",
		observability.AttrRecordID.String(v.Record.ID),
		observability.AttrStepCode.String(v.Step.Code),
		observability.AttrAction.String(string(kind)),
	)

	var err error
	switch kind {
	case model.ActionNotify:
		err = d.notify(ctx, v, cb, &res)
	case model.ActionAutoApprove:
		err = d.autoApprove(ctx, v, cb, &res)
	default:
		err = model.NewPreconditionFailedError(fmt.Sprintf("unknown violation action %q", kind))
	}
	observability.EndSpanWithError(span, err)
	return res, err
}

func (d *Dispatcher) notify(ctx context.Context, v Violation, cb *model.CallbackConfig, res *Result) error {
	if cb == nil {
		return d.notifier.Notify(ctx, v)
	}

	body, err := d.body(v, cb)
	if err != nil {
		return err
	}
	body["recordId"] = v.Record.ID
	body["stepCode"] = v.Step.Code
	body["slaHours"] = v.Step.SLAHours
	body["overdueBy"] = v.OverdueHours()

	resp, err := d.caller.Call(ctx, *cb, body)
	if err != nil {
		return err
	}
	res.StatusCode = resp.StatusCode
	return nil
}

func (d *Dispatcher) autoApprove(ctx context.Context, v Violation, cb *model.CallbackConfig, res *Result) error {
	if cb == nil {
		res.ApproverPayload = SystemApprovalPayload()
		return nil
	}

	body, err := d.body(v, cb)
	if err != nil {
		return err
	}
	body["recordId"] = v.Record.ID
	body["stepCode"] = v.Step.Code

	resp, err := d.caller.Call(ctx, *cb, body)
	if err != nil {
		return err
	}
	res.StatusCode = resp.StatusCode

	var payload map[string]any
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload == nil {
		return model.NewExternalCallFailureError("auto-approve callback returned a non-object body")
	}
	if len(payload) == 0 {
		return model.NewExternalCallFailureError("auto-approve callback returned an empty payload")
	}
	res.ApproverPayload = payload
	return nil
}

// body renders the templated extras of cb. Fixed fields are set by the
// caller afterwards and win over templated keys of the same name.
func (d *Dispatcher) body(v Violation, cb *model.CallbackConfig) (map[string]any, error) {
	env := TemplateEnv(v.Record, v.Step, v.OverdueHours(), v.Now)
	extras, err := d.templates.Render(cb.Payload, env)
	if err != nil {
		d.logger.Warn("callback payload template failed",
			zap.String("record_id", v.Record.ID),
			zap.String("step_code", v.Step.Code),
			zap.Error(err),
		)
		return nil, model.NewExternalCallFailureError("payload template: " + err.Error())
	}
	body := make(map[string]any, len(extras)+4)
	for k, val := range extras {
		body[k] = val
	}
	return body, nil
}
