package definition

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/slatrack/model"
)

// snapshot is an immutable map of cached definitions indexed by ID.
type snapshot struct {
	defs map[string]model.WorkflowDefinition
}

// Registry is a read-through cache in front of a Store. Definitions never
// change once stored, so cached entries never need invalidation. Reads are
// lock-free via atomic pointer swap; misses are serialised.
type Registry struct {
	store Store
	snap  atomic.Pointer[snapshot]
	mu    sync.Mutex
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store) *Registry {
	r := &Registry{store: store}
	r.snap.Store(&snapshot{defs: make(map[string]model.WorkflowDefinition)})
	return r
}

// Get returns the definition with the given ID, loading it from the store
// on a cache miss.
func (r *Registry) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	if def, ok := r.snap.Load().defs[id]; ok {
		return def, nil
	}

	def, err := r.store.Get(ctx, id)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	r.add(def)
	return def, nil
}

// Cached reports whether id is currently cached. For testing.
func (r *Registry) Cached(id string) bool {
	_, ok := r.snap.Load().defs[id]
	return ok
}

// Len returns the number of cached definitions.
func (r *Registry) Len() int {
	return len(r.snap.Load().defs)
}

func (r *Registry) add(def model.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.defs[def.ID]; ok {
		return
	}
	next := &snapshot{defs: make(map[string]model.WorkflowDefinition, len(cur.defs)+1)}
	for k, v := range cur.defs {
		next.defs[k] = v
	}
	next.defs[def.ID] = def
	r.snap.Store(next)
}
