package vector

import (
	"context"
	"time"

	"github.com/hyperjump/kioku/internal/metrics"
)

// InstrumentedStore reports every call of the wrapped store to a metrics sink.
type InstrumentedStore struct {
	VectorStore
	backend string
	sink    metrics.Sink
}

// Instrument wraps store so its operations are reported to sink. The backend
// label is taken from the store's statistics type when known.
func Instrument(store VectorStore, sink metrics.Sink) *InstrumentedStore {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &InstrumentedStore{VectorStore: store, backend: backendName(store), sink: sink}
}

func backendName(store VectorStore) string {
	switch store.(type) {
	case *InMemoryStore:
		return string(StoreTypeMemory)
	case *HybridIndexStore:
		return string(StoreTypeHybrid)
	case *SQLiteStore:
		return string(StoreTypeSQLite)
	case *RemoteANNStore:
		return string(StoreTypeRemote)
	default:
		return "custom"
	}
}

// Unwrap returns the wrapped store.
func (s *InstrumentedStore) Unwrap() VectorStore {
	return s.VectorStore
}

func (s *InstrumentedStore) record(op string, err error) {
	s.sink.StoreOperation(s.backend, op, err)
}

func (s *InstrumentedStore) StoreVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	id, err := s.VectorStore.StoreVector(ctx, entityType, entityID, content, embedding, metadata)
	s.record("store", err)
	return id, err
}

func (s *InstrumentedStore) UpdateVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	id, err := s.VectorStore.UpdateVector(ctx, entityType, entityID, content, embedding, metadata)
	s.record("update", err)
	return id, err
}

func (s *InstrumentedStore) Search(ctx context.Context, query []float32, entityType string, limit int, threshold float64) ([]SearchResult, error) {
	start := time.Now()
	results, err := s.VectorStore.Search(ctx, query, entityType, limit, threshold)
	s.record("search", err)
	if err == nil {
		s.sink.SearchLatency(s.backend, time.Since(start), len(results))
	}
	return results, err
}

// SearchText forwards to the wrapped store when it supports text pre-filtering
// and falls back to Search otherwise.
func (s *InstrumentedStore) SearchText(ctx context.Context, text string, query []float32, entityType string, limit int, threshold float64) ([]SearchResult, error) {
	ts, ok := s.VectorStore.(TextSearcher)
	if !ok {
		return s.Search(ctx, query, entityType, limit, threshold)
	}
	start := time.Now()
	results, err := ts.SearchText(ctx, text, query, entityType, limit, threshold)
	s.record("search_text", err)
	if err == nil {
		s.sink.SearchLatency(s.backend, time.Since(start), len(results))
	}
	return results, err
}

func (s *InstrumentedStore) RemoveVector(ctx context.Context, entityType, entityID string) (bool, error) {
	ok, err := s.VectorStore.RemoveVector(ctx, entityType, entityID)
	s.record("remove", err)
	return ok, err
}

func (s *InstrumentedStore) RemoveVectorByID(ctx context.Context, vectorID string) (bool, error) {
	ok, err := s.VectorStore.RemoveVectorByID(ctx, vectorID)
	s.record("remove", err)
	return ok, err
}

func (s *InstrumentedStore) BatchStore(ctx context.Context, inputs []VectorInput) (int, error) {
	n, err := s.VectorStore.BatchStore(ctx, inputs)
	s.record("batch_store", err)
	return n, err
}

func (s *InstrumentedStore) BatchUpdate(ctx context.Context, inputs []VectorInput) (int, error) {
	n, err := s.VectorStore.BatchUpdate(ctx, inputs)
	s.record("batch_update", err)
	return n, err
}

func (s *InstrumentedStore) BatchRemove(ctx context.Context, refs []EntityRef) (int, error) {
	n, err := s.VectorStore.BatchRemove(ctx, refs)
	s.record("batch_remove", err)
	return n, err
}

func (s *InstrumentedStore) Clear(ctx context.Context) error {
	err := s.VectorStore.Clear(ctx)
	s.record("clear", err)
	return err
}

func (s *InstrumentedStore) ClearByEntityType(ctx context.Context, entityType string) error {
	err := s.VectorStore.ClearByEntityType(ctx, entityType)
	s.record("clear", err)
	return err
}
