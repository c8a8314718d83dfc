package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/slatrack/model"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]model.WorkflowDefinition
}

// NewMemoryStore creates a new in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]model.WorkflowDefinition)}
}

// Create persists a new definition.
func (s *MemoryStore) Create(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("definition %q already exists", def.ID))
	}
	for _, d := range s.defs {
		if d.FlowName == def.FlowName && d.Model == def.Model && d.Version == def.Version {
			return model.NewConflictError(
				fmt.Sprintf("definition %s/%s version %d already exists", def.Model, def.FlowName, def.Version),
			)
		}
	}

	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

// Get retrieves a definition by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	return cloneDefinition(def), nil
}

// List returns definitions matching the filters, newest version first.
func (s *MemoryStore) List(_ context.Context, filters Filters) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.defs {
		if filters.matches(def) {
			result = append(result, cloneDefinition(def))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].FlowName != result[j].FlowName {
			return result[i].FlowName < result[j].FlowName
		}
		return result[i].Version > result[j].Version
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowDefinition{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Len returns the number of stored definitions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.defs)
}

func cloneDefinition(def model.WorkflowDefinition) model.WorkflowDefinition {
	steps := make([]model.Step, len(def.Steps))
	copy(steps, def.Steps)
	def.Steps = steps
	return def
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
