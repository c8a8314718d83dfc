package definition

import (
	"context"

	"github.com/pitabwire/slatrack/model"
)

// Store persists workflow definitions. Definitions are write-once: a stored
// definition is never updated, changes are published as a new version.
type Store interface {
	// Create persists a new definition together with its steps. Returns
	// CONFLICT if the ID or the (flow name, model, version) triple already
	// exists.
	Create(ctx context.Context, def model.WorkflowDefinition) error

	// Get retrieves a definition by ID. Returns NOT_FOUND if it doesn't
	// exist.
	Get(ctx context.Context, id string) (model.WorkflowDefinition, error)

	// List returns definitions matching the filters, newest version first.
	List(ctx context.Context, filters Filters) ([]model.WorkflowDefinition, error)
}

// Filters are optional filters for listing definitions.
type Filters struct {
	FlowName string
	Model    string
	Version  int
	Limit    int
	Offset   int
}

func (f Filters) matches(def model.WorkflowDefinition) bool {
	if f.FlowName != "" && def.FlowName != f.FlowName {
		return false
	}
	if f.Model != "" && def.Model != f.Model {
		return false
	}
	if f.Version > 0 && def.Version != f.Version {
		return false
	}
	return true
}
