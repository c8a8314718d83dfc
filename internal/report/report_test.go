package report

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/pitabwire/slatrack/internal/actionlog"
	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/internal/workflow"
	"github.com/pitabwire/slatrack/model"
)

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func record(id, owner string, state model.RecordState, created time.Time, took time.Duration) model.Record {
	r := model.Record{
		ID: id, DefinitionID: "def-1", Model: "invoice", OwnerID: owner,
		State: state, CreatedAt: created, UpdatedAt: created, StepStartedAt: created, Version: 1,
	}
	switch state {
	case model.RecordCompleted:
		at := created.Add(took)
		r.ApprovedAt = &at
	case model.RecordPending:
		due := created.Add(4 * time.Hour)
		r.NextDueAt = &due
	}
	return r
}

// seed stores ten records for alice (seven completed averaging 3.5h, two of
// them violated, one pending, two escalated) and two for bob.
func seed(t *testing.T) (*workflow.MemoryStore, *actionlog.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	records := workflow.NewMemoryStore()
	logs := actionlog.NewMemoryStore()
	created := now.Add(-48 * time.Hour)

	durations := []float64{1, 2, 3, 4, 5, 6, 3.5}
	var recs []model.Record
	for i, h := range durations {
		recs = append(recs, record("alice-c"+string(rune('0'+i)), "alice", model.RecordCompleted, created,
			time.Duration(h*float64(time.Hour))))
	}
	recs = append(recs,
		record("alice-p", "alice", model.RecordPending, created, 0),
		record("alice-e1", "alice", model.RecordEscalated, created, 0),
		record("alice-e2", "alice", model.RecordEscalated, created, 0),
		record("bob-c", "bob", model.RecordCompleted, created, 2*time.Hour),
		record("bob-p", "bob", model.RecordPending, created, 0),
		// Outside a seven day window.
		record("alice-old", "alice", model.RecordCompleted, now.AddDate(0, 0, -40), time.Hour),
	)
	for _, r := range recs {
		if err := records.Create(ctx, r); err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}

	for _, e := range []model.ActionLogEntry{
		{RecordID: "alice-c0", Kind: model.LogViolationNotify},
		{RecordID: "alice-c0", Kind: model.LogViolationNotify},
		{RecordID: "alice-c3", Kind: model.LogViolationAutoApprove},
		{RecordID: "alice-c3", Kind: model.LogEvaluationError},
		{RecordID: "bob-p", Kind: model.LogViolationNotify},
	} {
		_, _ = logs.Append(ctx, e)
	}
	return records, logs
}

func TestCompute_singleUser(t *testing.T) {
	records, logs := seed(t)
	svc := NewService(records, logs, config.ReportsConfig{})

	rep, err := svc.Compute(context.Background(), model.ReportRequest{UserID: "alice", WindowDays: 7}, now)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if len(rep.Users) != 1 {
		t.Fatalf("users = %d, want 1", len(rep.Users))
	}
	st := rep.Users[0]
	if st.TotalRecords != 10 || st.Completed != 7 || st.Pending != 1 || st.Escalated != 2 {
		t.Errorf("counts = %+v", st)
	}
	if st.Violated != 2 {
		t.Errorf("Violated = %d, want 2", st.Violated)
	}
	if st.TotalViolationEvents != 3 {
		t.Errorf("TotalViolationEvents = %d, want 3", st.TotalViolationEvents)
	}
	if !st.SuccessRate.Equal(decimal.RequireFromString("0.7")) {
		t.Errorf("SuccessRate = %s, want 0.7", st.SuccessRate)
	}
	if !st.AvgCompletionHours.Equal(decimal.RequireFromString("3.5")) {
		t.Errorf("AvgCompletionHours = %s, want 3.5", st.AvgCompletionHours)
	}
	if rep.Summary.UserID != "alice" || rep.Summary.TotalRecords != 10 {
		t.Errorf("summary = %+v", rep.Summary)
	}
}

func TestCompute_allUsers(t *testing.T) {
	records, logs := seed(t)
	svc := NewService(records, logs, config.ReportsConfig{})

	rep, err := svc.Compute(context.Background(), model.ReportRequest{UserID: model.AllUsers, WindowDays: 7}, now)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if len(rep.Users) != 2 || rep.Users[0].UserID != "alice" || rep.Users[1].UserID != "bob" {
		t.Fatalf("users = %+v", rep.Users)
	}
	sum := rep.Summary
	if sum.UserID != model.AllUsers || sum.TotalRecords != 12 || sum.Completed != 8 || sum.Violated != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if !sum.SuccessRate.Equal(decimal.RequireFromString("0.67")) {
		t.Errorf("summary SuccessRate = %s, want 0.67", sum.SuccessRate)
	}
}

func TestCompute_windowDefaultsAndBounds(t *testing.T) {
	records, logs := seed(t)
	svc := NewService(records, logs, config.ReportsConfig{DefaultWindowDays: 60, MaxWindowDays: 90})

	rep, err := svc.Compute(context.Background(), model.ReportRequest{UserID: "alice"}, now)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if rep.WindowDays != 60 || rep.Summary.TotalRecords != 11 {
		t.Errorf("window = %d, total = %d", rep.WindowDays, rep.Summary.TotalRecords)
	}

	_, err = svc.Compute(context.Background(), model.ReportRequest{WindowDays: 91}, now)
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestCompute_invalidRequest(t *testing.T) {
	records, logs := seed(t)
	svc := NewService(records, logs, config.ReportsConfig{})

	tests := []struct {
		name  string
		req   model.ReportRequest
		field string
	}{
		{"negative window", model.ReportRequest{WindowDays: -1}, "window_days"},
		{"user id too long", model.ReportRequest{UserID: strings.Repeat("u", 129)}, "user_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Compute(context.Background(), tt.req, now)
			var env *model.ErrorEnvelope
			if !errors.As(err, &env) || env.Code != model.ErrValidationError {
				t.Fatalf("err = %v, want VALIDATION_ERROR", err)
			}
			if len(env.Details) != 1 || env.Details[0].Field != tt.field {
				t.Errorf("details = %+v, want field %s", env.Details, tt.field)
			}
		})
	}
}

func TestCompute_autoApproveRetriesCountOnce(t *testing.T) {
	ctx := context.Background()
	records := workflow.NewMemoryStore()
	logs := actionlog.NewMemoryStore()
	created := now.Add(-24 * time.Hour)
	if err := records.Create(ctx, record("r-1", "carol", model.RecordCompleted, created, 10*time.Hour)); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	// Four failed cycles on the sign step, then the fifth succeeds.
	for i := range 5 {
		outcome := model.OutcomeFailure
		if i == 4 {
			outcome = model.OutcomeSuccess
		}
		_, _ = logs.Append(ctx, model.ActionLogEntry{
			RecordID: "r-1", StepID: "step-sign", Kind: model.LogViolationAutoApprove, Outcome: outcome,
			CreatedAt: created.Add(9*time.Hour + time.Duration(i)*time.Minute),
		})
	}
	_, _ = logs.Append(ctx, model.ActionLogEntry{
		RecordID: "r-1", StepID: "step-review", Kind: model.LogViolationNotify, Outcome: model.OutcomeFailure,
	})

	rep, err := NewService(records, logs, config.ReportsConfig{}).
		Compute(ctx, model.ReportRequest{UserID: "carol", WindowDays: 7}, now)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	st := rep.Summary
	if st.Violated != 1 {
		t.Errorf("Violated = %d, want 1", st.Violated)
	}
	if st.TotalViolationEvents != 2 {
		t.Errorf("TotalViolationEvents = %d, want 2", st.TotalViolationEvents)
	}
}

func TestAggregate_empty(t *testing.T) {
	st := Aggregate("nobody", nil, nil)
	if st.TotalRecords != 0 || !st.SuccessRate.IsZero() || !st.AvgCompletionHours.IsZero() {
		t.Errorf("empty stats = %+v", st)
	}
}

func TestExportXLSX(t *testing.T) {
	records, logs := seed(t)
	rep, err := NewService(records, logs, config.ReportsConfig{}).
		Compute(context.Background(), model.ReportRequest{WindowDays: 7}, now)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	data, err := ExportXLSX(rep)
	if err != nil {
		t.Fatalf("ExportXLSX error: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("GetRows error: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 2 users + summary", len(rows))
	}
	if rows[0][0] != "User" || rows[1][0] != "alice" || rows[3][0] != model.AllUsers {
		t.Errorf("first column = %q, %q, %q", rows[0][0], rows[1][0], rows[3][0])
	}
	if rows[1][2] != "7" {
		t.Errorf("alice completed cell = %q, want 7", rows[1][2])
	}
}
