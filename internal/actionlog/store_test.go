package actionlog

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/slatrack/model"
)

func TestMemoryStore_Append_fillsDefaults(t *testing.T) {
	s := NewMemoryStore()
	e, err := s.Append(context.Background(), model.ActionLogEntry{
		RecordID: "r-1",
		Kind:     model.LogViolationNotify,
		Outcome:  model.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Errorf("defaults not filled: %+v", e)
	}
	if e.ActorID != model.SystemActor {
		t.Errorf("ActorID = %q, want system", e.ActorID)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d", s.Len())
	}
}

func TestMemoryStore_List_filters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	seed := []model.ActionLogEntry{
		{RecordID: "r-2", UserID: "u-1", Kind: model.LogViolationAutoApprove, CreatedAt: base.Add(2 * time.Hour)},
		{RecordID: "r-1", UserID: "u-1", Kind: model.LogViolationNotify, CreatedAt: base},
		{RecordID: "r-3", UserID: "u-2", Kind: model.LogEvaluationError, CreatedAt: base.Add(time.Hour)},
		{RecordID: "r-1", UserID: "u-1", Kind: model.LogViolationNotify, CreatedAt: base.Add(3 * time.Hour)},
	}
	for _, e := range seed {
		if _, err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	all, _ := s.List(ctx, model.ActionLogFilter{})
	if len(all) != 4 || all[0].RecordID != "r-1" || all[1].RecordID != "r-3" {
		t.Errorf("List() not ordered by time: %+v", all)
	}

	byUser, _ := s.List(ctx, model.ActionLogFilter{UserID: "u-1"})
	if len(byUser) != 3 {
		t.Errorf("user filter = %d, want 3", len(byUser))
	}

	byKind, _ := s.List(ctx, model.ActionLogFilter{Kind: model.LogViolationNotify, RecordID: "r-1"})
	if len(byKind) != 2 {
		t.Errorf("kind+record filter = %d, want 2", len(byKind))
	}

	from, to := base.Add(time.Hour), base.Add(2*time.Hour)
	window, _ := s.List(ctx, model.ActionLogFilter{From: &from, To: &to})
	if len(window) != 2 {
		t.Errorf("window filter = %d, want 2", len(window))
	}

	limited, _ := s.List(ctx, model.ActionLogFilter{Limit: 1})
	if len(limited) != 1 || limited[0].RecordID != "r-1" {
		t.Errorf("limit = %+v", limited)
	}
}

func TestMemoryStore_CountViolations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, e := range []model.ActionLogEntry{
		{RecordID: "r-1", Kind: model.LogViolationNotify},
		{RecordID: "r-1", Kind: model.LogViolationAutoApprove, Outcome: model.OutcomeFailure},
		{RecordID: "r-1", Kind: model.LogEvaluationError},
		{RecordID: "r-2", Kind: model.LogViolationNotify},
		{RecordID: "r-3", Kind: model.LogViolationNotify},
	} {
		_, _ = s.Append(ctx, e)
	}

	counts, err := s.CountViolations(ctx, []string{"r-1", "r-2", "r-4"})
	if err != nil {
		t.Fatalf("CountViolations() error = %v", err)
	}
	if counts["r-1"] != 2 || counts["r-2"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if _, ok := counts["r-3"]; ok {
		t.Error("unrequested record counted")
	}
	if _, ok := counts["r-4"]; ok {
		t.Error("record without violations present")
	}
}

func TestMemoryStore_CountViolations_autoApproveRetries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, e := range []model.ActionLogEntry{
		{RecordID: "r-1", StepID: "s-1", Kind: model.LogViolationNotify, Outcome: model.OutcomeFailure},
		{RecordID: "r-1", StepID: "s-1", Kind: model.LogViolationNotify},
		{RecordID: "r-1", StepID: "s-2", Kind: model.LogViolationAutoApprove, Outcome: model.OutcomeFailure},
		{RecordID: "r-1", StepID: "s-2", Kind: model.LogViolationAutoApprove, Outcome: model.OutcomeFailure},
		{RecordID: "r-1", StepID: "s-2", Kind: model.LogViolationAutoApprove, Outcome: model.OutcomeSuccess},
		{RecordID: "r-1", StepID: "s-3", Kind: model.LogViolationAutoApprove, Outcome: model.OutcomeFailure},
	} {
		_, _ = s.Append(ctx, e)
	}

	counts, err := s.CountViolations(ctx, []string{"r-1"})
	if err != nil {
		t.Fatalf("CountViolations() error = %v", err)
	}
	// Two notify firings plus one event per auto-approve step.
	if counts["r-1"] != 4 {
		t.Errorf("counts[r-1] = %d, want 4", counts["r-1"])
	}
}
