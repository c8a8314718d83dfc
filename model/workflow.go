package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind selects what happens when a step's SLA is violated.
type ActionKind string

// Violation action kinds.
const (
	ActionNotify      ActionKind = "notify"
	ActionAutoApprove ActionKind = "auto_approve"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	return k == ActionNotify || k == ActionAutoApprove
}

// CallbackConfig describes an outbound HTTP call made when a violation
// action fires. Payload values are expressions evaluated against the
// record, step and overdue time; results are merged into the request body.
type CallbackConfig struct {
	URL            string            `json:"url" yaml:"url"`
	Method         string            `json:"method,omitempty" yaml:"method"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers"`
	Payload        map[string]string `json:"payload,omitempty" yaml:"payload"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
}

// ViolationAction is the tagged violation policy of a step. Kind is the tag;
// Callback is optional for either kind.
type ViolationAction struct {
	Kind     ActionKind      `json:"kind" yaml:"kind"`
	Callback *CallbackConfig `json:"callback,omitempty" yaml:"callback"`
}

// Step is one ordered stage of a workflow definition.
type Step struct {
	ID               string          `json:"id" yaml:"id"`
	DefinitionID     string          `json:"definition_id" yaml:"-"`
	Order            int             `json:"order" yaml:"order"`
	Code             string          `json:"code" yaml:"code"`
	Name             string          `json:"name" yaml:"name"`
	SLAHours         int             `json:"sla_hours" yaml:"sla_hours"`
	Action           ViolationAction `json:"action" yaml:"action"`
	MaxNotifications int             `json:"max_notifications,omitempty" yaml:"max_notifications"`
}

// SLA returns the step's allotment as a duration.
func (s Step) SLA() time.Duration {
	return time.Duration(s.SLAHours) * time.Hour
}

// WorkflowDefinition is an ordered list of steps targeting a business model.
// Definitions are immutable once a record references them; changes are made
// by publishing a new version.
type WorkflowDefinition struct {
	ID                  string          `json:"id" yaml:"id"`
	FlowName            string          `json:"flow_name" yaml:"flow_name"`
	Model               string          `json:"model" yaml:"model"`
	Version             int             `json:"version" yaml:"version"`
	PreviousVersionID   string          `json:"previous_version_id,omitempty" yaml:"-"`
	GraceWindowMinutes  int             `json:"grace_window_minutes,omitempty" yaml:"grace_window_minutes"`
	NotifyCallback      *CallbackConfig `json:"notify_callback,omitempty" yaml:"notify_callback"`
	AutoApproveCallback *CallbackConfig `json:"auto_approve_callback,omitempty" yaml:"auto_approve_callback"`
	Steps               []Step          `json:"steps" yaml:"steps"`
	CreatedAt           time.Time       `json:"created_at" yaml:"-"`
}

// StepByID returns the step with the given ID.
func (d WorkflowDefinition) StepByID(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepAt returns the step with the given order index.
func (d WorkflowDefinition) StepAt(order int) (Step, bool) {
	for _, s := range d.Steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}

// NextStep returns the step following order, or false if order is the final
// step.
func (d WorkflowDefinition) NextStep(order int) (Step, bool) {
	return d.StepAt(order + 1)
}

// RecordState is the lifecycle state of a tracked record.
type RecordState string

// Record states.
const (
	RecordPending   RecordState = "pending"
	RecordCompleted RecordState = "completed"
	RecordEscalated RecordState = "escalated"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RecordState) IsTerminal() bool {
	return s == RecordCompleted || s == RecordEscalated
}

// StepApproval is one entry of a record's approval history.
type StepApproval struct {
	StepID     string         `json:"step_id"`
	StepCode   string         `json:"step_code"`
	ApproverID string         `json:"approver_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Automatic  bool           `json:"automatic"`
	ApprovedAt time.Time      `json:"approved_at"`
}

// Record is a business entity tracked through a workflow definition.
type Record struct {
	ID               string          `json:"id"`
	DefinitionID     string          `json:"definition_id"`
	Model            string          `json:"model"`
	BusinessRecordID string          `json:"business_record_id"`
	ActivityID       string          `json:"activity_id,omitempty"`
	OwnerID          string          `json:"owner_id"`
	State            RecordState     `json:"state"`
	CurrentStepID    string          `json:"current_step_id"`
	CurrentStepCode  string          `json:"current_step_code"`
	CurrentStepOrder int             `json:"current_step_order"`
	CurrentStepSLA   int             `json:"current_step_sla_hours"`
	StepStartedAt    time.Time       `json:"step_started_at"`
	RemainingHours   decimal.Decimal `json:"remaining_hours"`
	ApprovalPayload  map[string]any  `json:"approval_payload,omitempty"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
	NextDueAt        *time.Time      `json:"next_due_at"`
	NotifyCount      int             `json:"notify_count"`
	History          []StepApproval  `json:"history,omitempty"`
	Version          int             `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsDue reports whether the record is under SLA watch and its due time has
// been reached at now.
func (r Record) IsDue(now time.Time) bool {
	return r.State == RecordPending && r.NextDueAt != nil && !now.Before(*r.NextDueAt)
}

// StepDeadline is the time the current step's SLA runs out.
func (r Record) StepDeadline() time.Time {
	return r.StepStartedAt.Add(time.Duration(r.CurrentStepSLA) * time.Hour)
}

// CreateRecordRequest starts tracking a business record.
type CreateRecordRequest struct {
	WorkflowDefinitionID string `json:"workflowDefinitionId" validate:"required"`
	Model                string `json:"model" validate:"required,max=128"`
	BusinessRecordID     string `json:"businessRecordId" validate:"required,max=128"`
	ActivityID           string `json:"activityId,omitempty" validate:"omitempty,max=128"`
}

// AdvanceRecordRequest approves the current step of a record.
type AdvanceRecordRequest struct {
	ApproverPayload map[string]any `json:"approverPayload" validate:"required,min=1"`
}

// RecordFilters are optional filters for listing records.
type RecordFilters struct {
	DefinitionID string
	Model        string
	State        RecordState
	OwnerID      string
	CreatedSince *time.Time
	Limit        int
	Offset       int
}
