package model

import "github.com/shopspring/decimal"

// AllUsers selects every user in an SLA report request.
const AllUsers = "all"

// ReportRequest asks for SLA statistics over a trailing window of days.
type ReportRequest struct {
	UserID     string `json:"user_id" validate:"omitempty,max=128"`
	WindowDays int    `json:"window_days" validate:"gte=0"`
}

// UserSLAStats are the SLA compliance statistics of one user, or of every
// user when UserID is AllUsers.
type UserSLAStats struct {
	UserID               string          `json:"user_id"`
	TotalRecords         int             `json:"total_records"`
	Completed            int             `json:"completed"`
	Violated             int             `json:"violated"`
	Pending              int             `json:"pending"`
	Escalated            int             `json:"escalated"`
	SuccessRate          decimal.Decimal `json:"success_rate"`
	AvgCompletionHours   decimal.Decimal `json:"avg_completion_hours"`
	TotalViolationEvents int             `json:"total_violation_events"`
}

// SLAReport is the result of a report request.
type SLAReport struct {
	WindowDays int            `json:"window_days"`
	Users      []UserSLAStats `json:"users"`
	Summary    UserSLAStats   `json:"summary"`
}
