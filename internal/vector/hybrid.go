package vector

import (
	"context"
	"sync"
	"time"

	"github.com/hyperjump/kioku/internal/keyword"
	"go.uber.org/zap"
)

// HybridConfig configures HybridIndexStore.
type HybridConfig struct {
	// IndexPath is the Bleve index directory. Empty keeps the index in memory.
	IndexPath string
	// MaxResults caps the number of hits any search returns.
	MaxResults int
}

// HybridIndexStore persists records in a Bleve text index. Embeddings are
// kept as stored text and scored with CosineSimilarity after an optional text
// pre-filter. Every write runs "apply batch, then refresh the read view" under
// one writer lock, so a completed write is always visible to later reads.
type HybridIndexStore struct {
	writeMu sync.Mutex
	index   keyword.RecordIndex
	cfg     HybridConfig
	dims    *dimensionRegistry
	opts    storeOptions

	viewMu sync.RWMutex
	view   hybridView
}

// hybridView is the cached read-side state rebuilt after every commit.
type hybridView struct {
	counts  map[string]int
	nextSeq int64
}

// NewHybridIndexStore opens (or creates) the index at cfg.IndexPath and
// recovers counts, dimensions and the insertion sequence from it.
func NewHybridIndexStore(cfg HybridConfig, opts ...Option) (*HybridIndexStore, error) {
	idx, err := keyword.NewBleveIndex(cfg.IndexPath)
	if err != nil {
		return nil, &BackendError{Backend: string(StoreTypeHybrid), Op: "open", Err: err}
	}
	h := &HybridIndexStore{
		index: idx,
		cfg:   cfg,
		dims:  newDimensionRegistry(),
		opts:  buildOptions(opts),
	}
	if err := h.rebuildView(context.Background()); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return h, nil
}

func (h *HybridIndexStore) backendErr(op string, err error) error {
	h.opts.logger.Warn("hybrid index operation failed", zap.String("op", op), zap.Error(err))
	return &BackendError{Backend: string(StoreTypeHybrid), Op: op, Err: err}
}

// rebuildView recomputes the whole read view from the index.
func (h *HybridIndexStore) rebuildView(ctx context.Context) error {
	docs, err := h.index.ScanAll(ctx)
	if err != nil {
		return h.backendErr("refresh", err)
	}
	view := hybridView{counts: make(map[string]int), nextSeq: 1}
	for _, d := range docs {
		view.counts[d.EntityType]++
		if d.Seq >= view.nextSeq {
			view.nextSeq = d.Seq + 1
		}
		if _, ok := h.dims.lookup(d.EntityType); !ok {
			if emb, err := decodeEmbeddingText(d.Embedding); err == nil && len(emb) > 0 {
				h.dims.seed(d.EntityType, len(emb))
			}
		}
	}
	h.viewMu.Lock()
	h.view = view
	h.viewMu.Unlock()
	return nil
}

// refresh reloads the view for the entity types touched by a commit.
// Callers hold writeMu.
func (h *HybridIndexStore) refresh(ctx context.Context, nextSeq int64, entityTypes ...string) error {
	counts := make(map[string]int, len(entityTypes))
	for _, t := range entityTypes {
		n, err := h.index.Count(ctx, t)
		if err != nil {
			return h.backendErr("refresh", err)
		}
		counts[t] = n
	}
	h.viewMu.Lock()
	defer h.viewMu.Unlock()
	for t, n := range counts {
		if n == 0 {
			delete(h.view.counts, t)
		} else {
			h.view.counts[t] = n
		}
	}
	if nextSeq > h.view.nextSeq {
		h.view.nextSeq = nextSeq
	}
	return nil
}

func (h *HybridIndexStore) nextSeq() int64 {
	h.viewMu.RLock()
	defer h.viewMu.RUnlock()
	return h.view.nextSeq
}

// StoreVector inserts or replaces a record and commits it before returning.
func (h *HybridIndexStore) StoreVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	if err := validateInput(entityType, entityID, embedding); err != nil {
		return "", err
	}
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return "", &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	id := VectorID(entityType, entityID)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.dims.establish(entityType, len(embedding), nil); err != nil {
		return "", err
	}
	existing, found, err := h.index.Get(ctx, id)
	if err != nil {
		return "", h.backendErr("store", err)
	}
	seq := h.nextSeq()
	next := seq + 1
	if found {
		seq = existing.Seq
		next = 0
	}
	doc := &keyword.Document{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		Content:    content,
		Embedding:  encodeEmbeddingText(embedding),
		Metadata:   meta,
		StoredAt:   h.opts.now().UTC().Format(time.RFC3339Nano),
		Seq:        seq,
	}
	if err := h.index.Apply(ctx, []*keyword.Document{doc}, nil); err != nil {
		return "", h.backendErr("store", err)
	}
	if err := h.refresh(ctx, next, entityType); err != nil {
		return "", err
	}
	h.opts.logger.Debug("vector stored", zap.String("vector_id", id), zap.Int64("seq", seq))
	return id, nil
}

// UpdateVector is StoreVector under another name.
func (h *HybridIndexStore) UpdateVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	return h.StoreVector(ctx, entityType, entityID, content, embedding, metadata)
}

func (h *HybridIndexStore) toRecord(d *keyword.Document) (*VectorRecord, error) {
	emb, err := decodeEmbeddingText(d.Embedding)
	if err != nil {
		return nil, err
	}
	meta, err := unmarshalMetadata(d.Metadata)
	if err != nil {
		return nil, err
	}
	var storedAt time.Time
	if d.StoredAt != "" {
		if storedAt, err = time.Parse(time.RFC3339Nano, d.StoredAt); err != nil {
			return nil, err
		}
	}
	return &VectorRecord{
		VectorID:   d.ID,
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		Content:    d.Content,
		Embedding:  emb,
		Metadata:   meta,
		StoredAt:   storedAt,
	}, nil
}

func (h *HybridIndexStore) toRecords(docs []*keyword.Document) ([]*VectorRecord, error) {
	out := make([]*VectorRecord, 0, len(docs))
	for _, d := range docs {
		r, err := h.toRecord(d)
		if err != nil {
			return nil, h.backendErr("decode", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// GetVector looks a record up by vector id.
func (h *HybridIndexStore) GetVector(ctx context.Context, vectorID string) (*VectorRecord, bool, error) {
	d, ok, err := h.index.Get(ctx, vectorID)
	if err != nil {
		return nil, false, h.backendErr("get", err)
	}
	if !ok {
		return nil, false, nil
	}
	r, err := h.toRecord(d)
	if err != nil {
		return nil, false, h.backendErr("decode", err)
	}
	return r, true, nil
}

// GetVectorByEntity looks a record up by entity type and id.
func (h *HybridIndexStore) GetVectorByEntity(ctx context.Context, entityType, entityID string) (*VectorRecord, bool, error) {
	return h.GetVector(ctx, VectorID(entityType, entityID))
}

// Search scores every record of entityType.
func (h *HybridIndexStore) Search(ctx context.Context, query []float32, entityType string, limit int, threshold float64) ([]SearchResult, error) {
	return h.SearchText(ctx, "", query, entityType, limit, threshold)
}

// SearchText restricts candidates to records whose content matches text, then
// ranks them by cosine similarity. An empty text disables the pre-filter.
func (h *HybridIndexStore) SearchText(ctx context.Context, text string, query []float32, entityType string, limit int, threshold float64) ([]SearchResult, error) {
	docs, err := h.index.Scan(ctx, entityType, text)
	if err != nil {
		return nil, h.backendErr("search", err)
	}
	records, err := h.toRecords(docs)
	if err != nil {
		return nil, err
	}
	if h.cfg.MaxResults > 0 && (limit <= 0 || limit > h.cfg.MaxResults) {
		limit = h.cfg.MaxResults
	}
	return scoreAndRank(query, records, limit, threshold), nil
}

func (h *HybridIndexStore) remove(ctx context.Context, id, entityType string) (bool, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, found, err := h.index.Get(ctx, id)
	if err != nil {
		return false, h.backendErr("remove", err)
	}
	if !found {
		return false, nil
	}
	if err := h.index.Apply(ctx, nil, []string{id}); err != nil {
		return false, h.backendErr("remove", err)
	}
	if err := h.refresh(ctx, 0, entityType); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveVector deletes a record; removing an absent record reports false.
func (h *HybridIndexStore) RemoveVector(ctx context.Context, entityType, entityID string) (bool, error) {
	return h.remove(ctx, VectorID(entityType, entityID), entityType)
}

// RemoveVectorByID deletes a record by vector id.
func (h *HybridIndexStore) RemoveVectorByID(ctx context.Context, vectorID string) (bool, error) {
	entityType, _, ok := ParseVectorID(vectorID)
	if !ok {
		return false, nil
	}
	return h.remove(ctx, vectorID, entityType)
}

// BatchStore stores each input in order.
func (h *HybridIndexStore) BatchStore(ctx context.Context, inputs []VectorInput) (int, error) {
	return runBatch(ctx, h.opts.maxBatchSize, len(inputs), func(i int) (bool, error) {
		in := inputs[i]
		_, err := h.StoreVector(ctx, in.EntityType, in.EntityID, in.Content, in.Embedding, in.Metadata)
		return err == nil, err
	})
}

// BatchUpdate updates each input in order.
func (h *HybridIndexStore) BatchUpdate(ctx context.Context, inputs []VectorInput) (int, error) {
	return h.BatchStore(ctx, inputs)
}

// BatchRemove removes each ref and counts the records actually removed.
func (h *HybridIndexStore) BatchRemove(ctx context.Context, refs []EntityRef) (int, error) {
	return runBatch(ctx, h.opts.maxBatchSize, len(refs), func(i int) (bool, error) {
		return h.RemoveVector(ctx, refs[i].EntityType, refs[i].EntityID)
	})
}

// GetVectorsByEntityType returns every record of entityType in insertion order.
func (h *HybridIndexStore) GetVectorsByEntityType(ctx context.Context, entityType string) ([]*VectorRecord, error) {
	docs, err := h.index.Scan(ctx, entityType, "")
	if err != nil {
		return nil, h.backendErr("list", err)
	}
	return h.toRecords(docs)
}

// Count reads from the refreshed view.
func (h *HybridIndexStore) Count(ctx context.Context, entityType string) (int, error) {
	h.viewMu.RLock()
	defer h.viewMu.RUnlock()
	if entityType != "" {
		return h.view.counts[entityType], nil
	}
	n := 0
	for _, c := range h.view.counts {
		n += c
	}
	return n, nil
}

// Exists reports whether a record is stored for entityType/entityID.
func (h *HybridIndexStore) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	_, ok, err := h.index.Get(ctx, VectorID(entityType, entityID))
	if err != nil {
		return false, h.backendErr("exists", err)
	}
	return ok, nil
}

// GetStatistics reports per entity type counts and dimensions from the view.
func (h *HybridIndexStore) GetStatistics(ctx context.Context) (Statistics, error) {
	h.viewMu.RLock()
	defer h.viewMu.RUnlock()
	stats := Statistics{Backend: string(StoreTypeHybrid), EntityTypes: make(map[string]EntityTypeStats)}
	for name, n := range h.view.counts {
		dim, _ := h.dims.lookup(name)
		stats.EntityTypes[name] = EntityTypeStats{Count: n, Dimension: dim}
		stats.TotalVectors += n
	}
	return stats, nil
}

func (h *HybridIndexStore) deleteDocs(ctx context.Context, docs []*keyword.Document) error {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	if err := h.index.Apply(ctx, nil, ids); err != nil {
		return h.backendErr("clear", err)
	}
	return nil
}

// Clear removes every record and established dimension.
func (h *HybridIndexStore) Clear(ctx context.Context) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	docs, err := h.index.ScanAll(ctx)
	if err != nil {
		return h.backendErr("clear", err)
	}
	if err := h.deleteDocs(ctx, docs); err != nil {
		return err
	}
	h.dims.reset()
	return h.rebuildView(ctx)
}

// ClearByEntityType removes one entity type and its dimension.
func (h *HybridIndexStore) ClearByEntityType(ctx context.Context, entityType string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	docs, err := h.index.Scan(ctx, entityType, "")
	if err != nil {
		return h.backendErr("clear", err)
	}
	if err := h.deleteDocs(ctx, docs); err != nil {
		return err
	}
	h.dims.forget(entityType)
	return h.refresh(ctx, 0, entityType)
}

// Close closes the underlying index.
func (h *HybridIndexStore) Close() error {
	return h.index.Close()
}
