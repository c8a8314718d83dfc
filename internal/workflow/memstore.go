package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/slatrack/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.Record
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]model.Record),
	}
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, rec model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("record %q already exists", rec.ID))
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Get retrieves a record by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return model.Record{}, model.NewNotFoundError(fmt.Sprintf("record %q not found", id))
	}
	return cloneRecord(rec), nil
}

// Update persists rec with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, rec model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[rec.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("record %q not found", rec.ID))
	}
	if existing.Version != rec.Version {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("record %q version conflict (expected %d, got %d)", rec.ID, rec.Version, existing.Version),
		)
	}

	rec.Version++
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// FindDue returns due pending records.
func (s *MemoryStore) FindDue(_ context.Context, now time.Time, limit int) ([]model.Record, error) {
	s.mu.RLock()
	var result []model.Record
	for _, rec := range s.records {
		if rec.IsDue(now) {
			result = append(result, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextDueAt.Equal(*result[j].NextDueAt) {
			return result[i].NextDueAt.Before(*result[j].NextDueAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// List returns records matching filters.
func (s *MemoryStore) List(_ context.Context, filters model.RecordFilters) ([]model.Record, error) {
	s.mu.RLock()
	var result []model.Record
	for _, rec := range s.records {
		if matchesFilters(rec, filters) {
			result = append(result, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return nil, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && len(result) > filters.Limit {
		result = result[:filters.Limit]
	}
	return result, nil
}

// RefreshRemaining recomputes remaining hours of pending records.
func (s *MemoryStore) RefreshRemaining(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.State != model.RecordPending {
			continue
		}
		rec.RemainingHours = model.RemainingHours(rec.StepDeadline(), now)
		s.records[id] = rec
		n++
	}
	return n, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

func matchesFilters(rec model.Record, f model.RecordFilters) bool {
	if f.DefinitionID != "" && rec.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Model != "" && rec.Model != f.Model {
		return false
	}
	if f.State != "" && rec.State != f.State {
		return false
	}
	if f.OwnerID != "" && rec.OwnerID != f.OwnerID {
		return false
	}
	if f.CreatedSince != nil && rec.CreatedAt.Before(*f.CreatedSince) {
		return false
	}
	return true
}

// cloneRecord copies the mutable parts of rec so callers cannot alias
// stored state.
func cloneRecord(rec model.Record) model.Record {
	if rec.History != nil {
		h := make([]model.StepApproval, len(rec.History))
		copy(h, rec.History)
		rec.History = h
	}
	if rec.ApprovalPayload != nil {
		p := make(map[string]any, len(rec.ApprovalPayload))
		for k, v := range rec.ApprovalPayload {
			p[k] = v
		}
		rec.ApprovalPayload = p
	}
	if rec.NextDueAt != nil {
		t := *rec.NextDueAt
		rec.NextDueAt = &t
	}
	if rec.ApprovedAt != nil {
		t := *rec.ApprovedAt
		rec.ApprovedAt = &t
	}
	return rec
}
