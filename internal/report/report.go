// Package report aggregates SLA compliance statistics per record owner from
// tracked records and the action log.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/internal/workflow"
	"github.com/pitabwire/slatrack/model"
)

const (
	defaultWindowDays = 30
	defaultMaxWindow  = 365
)

// RecordLister lists tracked records.
type RecordLister interface {
	List(ctx context.Context, filters model.RecordFilters) ([]model.Record, error)
}

// ViolationCounter counts violation events per record.
type ViolationCounter interface {
	CountViolations(ctx context.Context, recordIDs []string) (map[string]int, error)
}

// Service computes SLA reports.
type Service struct {
	records    RecordLister
	violations ViolationCounter
	defaultWin int
	maxWin     int
}

// NewService creates a report service.
func NewService(records RecordLister, violations ViolationCounter, cfg config.ReportsConfig) *Service {
	s := &Service{
		records:    records,
		violations: violations,
		defaultWin: cfg.DefaultWindowDays,
		maxWin:     cfg.MaxWindowDays,
	}
	if s.defaultWin <= 0 {
		s.defaultWin = defaultWindowDays
	}
	if s.maxWin <= 0 {
		s.maxWin = defaultMaxWindow
	}
	return s
}

// Compute returns statistics for records created in the trailing window
// ending at now. An empty or "all" UserID reports every owner; the summary
// always aggregates every row in the report.
func (s *Service) Compute(ctx context.Context, req model.ReportRequest, now time.Time) (model.SLAReport, error) {
	if err := workflow.ValidateRequest(req); err != nil {
		return model.SLAReport{}, err
	}
	window := req.WindowDays
	if window == 0 {
		window = s.defaultWin
	}
	if window > s.maxWin {
		return model.SLAReport{}, model.NewValidationError([]model.FieldError{{
			Field:   "window_days",
			Code:    "OUT_OF_RANGE",
			Message: fmt.Sprintf("window_days must be between 1 and %d", s.maxWin),
		}})
	}
	userID := req.UserID
	if userID == "" {
		userID = model.AllUsers
	}

	since := now.AddDate(0, 0, -window)
	filters := model.RecordFilters{CreatedSince: &since}
	if userID != model.AllUsers {
		filters.OwnerID = userID
	}
	records, err := s.records.List(ctx, filters)
	if err != nil {
		return model.SLAReport{}, fmt.Errorf("list records: %w", err)
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	counts, err := s.violations.CountViolations(ctx, ids)
	if err != nil {
		return model.SLAReport{}, fmt.Errorf("count violations: %w", err)
	}

	byOwner := make(map[string][]model.Record)
	for _, r := range records {
		byOwner[r.OwnerID] = append(byOwner[r.OwnerID], r)
	}
	owners := make([]string, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	sort.Strings(owners)

	report := model.SLAReport{
		WindowDays: window,
		Users:      make([]model.UserSLAStats, 0, len(owners)),
		Summary:    Aggregate(userID, records, counts),
	}
	for _, o := range owners {
		report.Users = append(report.Users, Aggregate(o, byOwner[o], counts))
	}
	return report, nil
}

// Aggregate computes the statistics of records. counts maps record IDs to
// their number of violation entries.
func Aggregate(userID string, records []model.Record, counts map[string]int) model.UserSLAStats {
	st := model.UserSLAStats{
		UserID:             userID,
		TotalRecords:       len(records),
		SuccessRate:        decimal.Zero,
		AvgCompletionHours: decimal.Zero,
	}

	total := decimal.Zero
	for _, r := range records {
		switch r.State {
		case model.RecordCompleted:
			st.Completed++
			if r.ApprovedAt != nil {
				total = total.Add(model.DurationHours(r.ApprovedAt.Sub(r.CreatedAt)))
			}
		case model.RecordPending:
			st.Pending++
		case model.RecordEscalated:
			st.Escalated++
		}
		if n := counts[r.ID]; n > 0 {
			st.Violated++
			st.TotalViolationEvents += n
		}
	}

	st.SuccessRate = model.Ratio(st.Completed, st.TotalRecords)
	if st.Completed > 0 {
		st.AvgCompletionHours = total.Div(decimal.NewFromInt(int64(st.Completed))).Round(model.HoursPrecision)
	}
	return st
}
