package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/slatrack/model"
)

// Store persists tracked records.
type Store interface {
	// Create persists a new record.
	Create(ctx context.Context, rec model.Record) error

	// Get retrieves a record by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (model.Record, error)

	// Update persists rec with optimistic locking. rec.Version must match
	// the stored version; the stored version is then incremented. Returns
	// CONCURRENT_MODIFICATION if the version has changed.
	Update(ctx context.Context, rec model.Record) error

	// FindDue returns pending records whose NextDueAt is at or before now,
	// oldest deadline first. A zero limit returns all of them.
	FindDue(ctx context.Context, now time.Time, limit int) ([]model.Record, error)

	// List returns records matching filters ordered by creation time.
	List(ctx context.Context, filters model.RecordFilters) ([]model.Record, error)

	// RefreshRemaining recomputes RemainingHours of every pending record
	// at now and returns how many records were touched. It does not bump
	// record versions.
	RefreshRemaining(ctx context.Context, now time.Time) (int, error)
}
