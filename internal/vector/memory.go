package vector

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// InMemoryStore keeps one ordered list per entity type and answers searches
// with a linear scan. It is the correctness baseline for the other backends.
type InMemoryStore struct {
	mu    sync.RWMutex
	types map[string]*memoryCollection
	dims  *dimensionRegistry
	opts  storeOptions
}

type memoryCollection struct {
	records []*VectorRecord
	index   map[string]int // entity id -> position in records
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		types: make(map[string]*memoryCollection),
		dims:  newDimensionRegistry(),
		opts:  buildOptions(opts),
	}
}

// StoreVector inserts or replaces the record for entityType/entityID.
func (m *InMemoryStore) StoreVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	if err := validateInput(entityType, entityID, embedding); err != nil {
		return "", err
	}

	// Clear and ClearByEntityType take mu too, so the dimension cannot be
	// forgotten between establishing it and inserting the record.
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.dims.establish(entityType, len(embedding), nil); err != nil {
		return "", err
	}
	rec := cloneRecord(&VectorRecord{
		VectorID:   VectorID(entityType, entityID),
		EntityType: entityType,
		EntityID:   entityID,
		Content:    content,
		Embedding:  embedding,
		Metadata:   metadata,
		StoredAt:   m.opts.now(),
	})
	c, ok := m.types[entityType]
	if !ok {
		c = &memoryCollection{index: make(map[string]int)}
		m.types[entityType] = c
	}
	if i, ok := c.index[entityID]; ok {
		c.records[i] = rec
	} else {
		c.index[entityID] = len(c.records)
		c.records = append(c.records, rec)
	}
	m.opts.logger.Debug("vector stored", zap.String("vector_id", rec.VectorID), zap.Int("dims", len(embedding)))
	return rec.VectorID, nil
}

// UpdateVector is StoreVector under another name.
func (m *InMemoryStore) UpdateVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	return m.StoreVector(ctx, entityType, entityID, content, embedding, metadata)
}

// GetVector looks a record up by vector id.
func (m *InMemoryStore) GetVector(ctx context.Context, vectorID string) (*VectorRecord, bool, error) {
	entityType, entityID, ok := ParseVectorID(vectorID)
	if !ok {
		return nil, false, nil
	}
	return m.GetVectorByEntity(ctx, entityType, entityID)
}

// GetVectorByEntity looks a record up by entity type and id.
func (m *InMemoryStore) GetVectorByEntity(ctx context.Context, entityType, entityID string) (*VectorRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.types[entityType]
	if !ok {
		return nil, false, nil
	}
	i, ok := c.index[entityID]
	if !ok {
		return nil, false, nil
	}
	return cloneRecord(c.records[i]), true, nil
}

// Search scans every record of entityType.
func (m *InMemoryStore) Search(ctx context.Context, query []float32, entityType string, limit int, threshold float64) ([]SearchResult, error) {
	m.mu.RLock()
	c, ok := m.types[entityType]
	var records []*VectorRecord
	if ok {
		records = make([]*VectorRecord, len(c.records))
		for i, r := range c.records {
			records[i] = cloneRecord(r)
		}
	}
	m.mu.RUnlock()
	return scoreAndRank(query, records, limit, threshold), nil
}

// RemoveVector deletes a record; removing an absent record reports false.
func (m *InMemoryStore) RemoveVector(ctx context.Context, entityType, entityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.types[entityType]
	if !ok {
		return false, nil
	}
	i, ok := c.index[entityID]
	if !ok {
		return false, nil
	}
	c.records = append(c.records[:i], c.records[i+1:]...)
	delete(c.index, entityID)
	for j := i; j < len(c.records); j++ {
		c.index[c.records[j].EntityID] = j
	}
	return true, nil
}

// RemoveVectorByID deletes a record by vector id.
func (m *InMemoryStore) RemoveVectorByID(ctx context.Context, vectorID string) (bool, error) {
	entityType, entityID, ok := ParseVectorID(vectorID)
	if !ok {
		return false, nil
	}
	return m.RemoveVector(ctx, entityType, entityID)
}

// BatchStore stores each input in order.
func (m *InMemoryStore) BatchStore(ctx context.Context, inputs []VectorInput) (int, error) {
	return runBatch(ctx, m.opts.maxBatchSize, len(inputs), func(i int) (bool, error) {
		in := inputs[i]
		_, err := m.StoreVector(ctx, in.EntityType, in.EntityID, in.Content, in.Embedding, in.Metadata)
		return err == nil, err
	})
}

// BatchUpdate updates each input in order.
func (m *InMemoryStore) BatchUpdate(ctx context.Context, inputs []VectorInput) (int, error) {
	return m.BatchStore(ctx, inputs)
}

// BatchRemove removes each ref and counts the records actually removed.
func (m *InMemoryStore) BatchRemove(ctx context.Context, refs []EntityRef) (int, error) {
	return runBatch(ctx, m.opts.maxBatchSize, len(refs), func(i int) (bool, error) {
		return m.RemoveVector(ctx, refs[i].EntityType, refs[i].EntityID)
	})
}

// GetVectorsByEntityType returns copies of every record of entityType in insertion order.
func (m *InMemoryStore) GetVectorsByEntityType(ctx context.Context, entityType string) ([]*VectorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.types[entityType]
	if !ok {
		return []*VectorRecord{}, nil
	}
	out := make([]*VectorRecord, len(c.records))
	for i, r := range c.records {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

// Count returns the number of records in entityType, or in all types when empty.
func (m *InMemoryStore) Count(ctx context.Context, entityType string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entityType != "" {
		if c, ok := m.types[entityType]; ok {
			return len(c.records), nil
		}
		return 0, nil
	}
	n := 0
	for _, c := range m.types {
		n += len(c.records)
	}
	return n, nil
}

// Exists reports whether a record is stored for entityType/entityID.
func (m *InMemoryStore) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.types[entityType]; ok {
		_, ok = c.index[entityID]
		return ok, nil
	}
	return false, nil
}

// GetStatistics reports per entity type counts and dimensions.
func (m *InMemoryStore) GetStatistics(ctx context.Context) (Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Statistics{Backend: string(StoreTypeMemory), EntityTypes: make(map[string]EntityTypeStats)}
	for name, c := range m.types {
		if len(c.records) == 0 {
			continue
		}
		dim, _ := m.dims.lookup(name)
		stats.EntityTypes[name] = EntityTypeStats{Count: len(c.records), Dimension: dim}
		stats.TotalVectors += len(c.records)
	}
	return stats, nil
}

// Clear removes everything, including established dimensions.
func (m *InMemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = make(map[string]*memoryCollection)
	m.dims.reset()
	return nil
}

// ClearByEntityType removes one entity type and its dimension.
func (m *InMemoryStore) ClearByEntityType(ctx context.Context, entityType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.types, entityType)
	m.dims.forget(entityType)
	return nil
}

// Close is a no-op for InMemoryStore.
func (m *InMemoryStore) Close() error {
	return nil
}
