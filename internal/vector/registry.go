package vector

import "sync"

// dimensionRegistry records the embedding dimension of each entity type. The
// first writer for a type establishes it under that type's own lock, so
// unrelated types never wait on each other.
type dimensionRegistry struct {
	mu    sync.Mutex
	slots map[string]*dimensionSlot
}

type dimensionSlot struct {
	mu  sync.Mutex
	dim int
}

func newDimensionRegistry() *dimensionRegistry {
	return &dimensionRegistry{slots: make(map[string]*dimensionSlot)}
}

func (r *dimensionRegistry) slot(entityType string) *dimensionSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[entityType]
	if !ok {
		s = &dimensionSlot{}
		r.slots[entityType] = s
	}
	return s
}

// establish validates dim against the entity type's dimension. When the type
// has none yet, create runs (at most once across concurrent callers) and
// returns the dimension to record; a create that finds existing state may
// return a dimension other than dim. A nil create records dim as is.
func (r *dimensionRegistry) establish(entityType string, dim int, create func() (int, error)) error {
	s := r.slot(entityType)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim == 0 {
		got := dim
		if create != nil {
			var err error
			if got, err = create(); err != nil {
				return err
			}
		}
		s.dim = got
	}
	if s.dim != dim {
		return &DimensionMismatchError{EntityType: entityType, Expected: s.dim, Actual: dim}
	}
	return nil
}

// lookup returns the established dimension, if any.
func (r *dimensionRegistry) lookup(entityType string) (int, bool) {
	r.mu.Lock()
	s, ok := r.slots[entityType]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim, s.dim > 0
}

// seed records a dimension recovered from persisted data.
func (r *dimensionRegistry) seed(entityType string, dim int) {
	s := r.slot(entityType)
	s.mu.Lock()
	if s.dim == 0 {
		s.dim = dim
	}
	s.mu.Unlock()
}

// forget drops the dimension of one entity type.
func (r *dimensionRegistry) forget(entityType string) {
	r.mu.Lock()
	s, ok := r.slots[entityType]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.dim = 0
	s.mu.Unlock()
}

// reset drops every dimension.
func (r *dimensionRegistry) reset() {
	r.mu.Lock()
	slots := make([]*dimensionSlot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()
	for _, s := range slots {
		s.mu.Lock()
		s.dim = 0
		s.mu.Unlock()
	}
}
