package model

import "time"

// LogKind classifies an action log entry.
type LogKind string

// Action log kinds.
const (
	LogViolationNotify      LogKind = "violation_notify"
	LogViolationAutoApprove LogKind = "violation_auto_approve"
	LogEvaluationError      LogKind = "evaluation_error"
)

// IsViolation reports whether the entry records a violation firing.
func (k LogKind) IsViolation() bool {
	return k == LogViolationNotify || k == LogViolationAutoApprove
}

// Outcome is the result of a logged action.
type Outcome string

// Action outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ActionLogEntry is an immutable audit record of an SLA action.
type ActionLogEntry struct {
	ID           string         `json:"id"`
	RecordID     string         `json:"record_id"`
	DefinitionID string         `json:"definition_id"`
	StepID       string         `json:"step_id"`
	StepCode     string         `json:"step_code"`
	UserID       string         `json:"user_id"`
	ActorID      string         `json:"actor_id"`
	Kind         LogKind        `json:"kind"`
	Outcome      Outcome        `json:"outcome"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ActionLogFilter selects action log entries. Zero values match everything.
type ActionLogFilter struct {
	UserID   string
	RecordID string
	Kind     LogKind
	From     *time.Time
	To       *time.Time
	Limit    int
}

// Matches reports whether e satisfies the filter.
func (f ActionLogFilter) Matches(e ActionLogEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.RecordID != "" && e.RecordID != f.RecordID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
