// Package actionlog persists the append-only audit trail of SLA actions:
// violation notifications, automatic approvals and evaluation errors.
package actionlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/slatrack/model"
)

// Store appends and queries action log entries. Entries are never updated
// or deleted.
type Store interface {
	// Append persists entry. A missing ID or CreatedAt is filled in.
	Append(ctx context.Context, entry model.ActionLogEntry) (model.ActionLogEntry, error)

	// List returns entries matching filter ordered by creation time.
	List(ctx context.Context, filter model.ActionLogFilter) ([]model.ActionLogEntry, error)

	// CountViolations returns, per record ID, the number of violation
	// events. Every notify firing is an event whatever its outcome. An
	// auto-approve step is one event however many attempts it took.
	// Records without violations are absent.
	CountViolations(ctx context.Context, recordIDs []string) (map[string]int, error)
}

func prepare(entry model.ActionLogEntry) model.ActionLogEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.ActorID == "" {
		entry.ActorID = model.SystemActor
	}
	return entry
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store for tests and single-instance use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []model.ActionLogEntry
}

// NewMemoryStore creates an empty in-memory action log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append adds entry to the log.
func (s *MemoryStore) Append(_ context.Context, entry model.ActionLogEntry) (model.ActionLogEntry, error) {
	entry = prepare(entry)
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return entry, nil
}

// List returns matching entries ordered by creation time.
func (s *MemoryStore) List(_ context.Context, filter model.ActionLogFilter) ([]model.ActionLogEntry, error) {
	s.mu.RLock()
	var result []model.ActionLogEntry
	for _, e := range s.entries {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CountViolations counts violation events per record.
func (s *MemoryStore) CountViolations(_ context.Context, recordIDs []string) (map[string]int, error) {
	want := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		want[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	approved := make(map[string]map[string]bool)
	for _, e := range s.entries {
		if !want[e.RecordID] || !e.Kind.IsViolation() {
			continue
		}
		switch e.Kind {
		case model.LogViolationNotify:
			counts[e.RecordID]++
		case model.LogViolationAutoApprove:
			steps := approved[e.RecordID]
			if steps == nil {
				steps = make(map[string]bool)
				approved[e.RecordID] = steps
			}
			if !steps[e.StepID] {
				steps[e.StepID] = true
				counts[e.RecordID]++
			}
		}
	}
	return counts, nil
}

// Len returns the number of entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
