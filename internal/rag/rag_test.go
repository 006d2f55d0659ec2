package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/kioku/internal/cache"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableProvider embeds known texts from a table and fails on anything else.
type tableProvider struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int
}

func (p *tableProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	v, ok := p.vectors[text]
	if !ok {
		return nil, errors.New("provider unavailable")
	}
	return v, nil
}

func (p *tableProvider) Dimensions() int { return 3 }

func (p *tableProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newProvider() *tableProvider {
	return &tableProvider{vectors: map[string][]float32{
		"alpha":   {1, 0, 0},
		"bravo":   {0, 1, 0},
		"charlie": {0.9, 0.1, 0},
		"find a":  {1, 0, 0},
		"nothing": {0, 0, 1},
	}}
}

func newOrchestrator(t *testing.T, withCache bool) (*Orchestrator, *tableProvider, *vector.InMemoryStore) {
	t.Helper()
	store := vector.NewInMemoryStore()
	p := newProvider()
	var opts []Option
	if withCache {
		c, err := cache.New(cache.DefaultConfig())
		require.NoError(t, err)
		opts = append(opts, WithCache(c))
	}
	return NewOrchestrator(store, p, Config{}, opts...), p, store
}

func indexAll(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"alpha", "bravo", "charlie"} {
		_, err := o.IndexContent(ctx, "product", id, id, map[string]any{"name": id})
		require.NoError(t, err)
	}
}

func TestOrchestrator_PerformQuery(t *testing.T) {
	o, _, _ := newOrchestrator(t, false)
	indexAll(t, o)

	res, err := o.PerformQuery(context.Background(), "find a", "product", 2)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "alpha", res.Results[0].Record.EntityID)
	assert.Equal(t, "charlie", res.Results[1].Record.EntityID)
	assert.NotEmpty(t, res.RequestID)
	assert.False(t, res.Cached)
	assert.Equal(t, "Relevant Context:\n\n1. alpha (Score: 1.000)\n2. charlie (Score: 0.994)\n", res.Context)
}

func TestOrchestrator_PerformQueryNoResults(t *testing.T) {
	o, _, _ := newOrchestrator(t, false)
	indexAll(t, o)

	res, err := o.PerformQuery(context.Background(), "nothing", "product", 5)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Equal(t, NoRelevantContext, res.Context)

	res, err = o.PerformQuery(context.Background(), "find a", "missing", 5)
	require.NoError(t, err)
	assert.Equal(t, NoRelevantContext, res.Context)
}

func TestOrchestrator_PerformQueryValidation(t *testing.T) {
	o, p, _ := newOrchestrator(t, false)
	_, err := o.PerformQuery(context.Background(), "  ", "product", 5)
	assert.ErrorIs(t, err, vector.ErrValidation)
	assert.Zero(t, p.Calls())
}

func TestOrchestrator_ProviderFailureAbortsIndex(t *testing.T) {
	o, _, store := newOrchestrator(t, false)
	_, err := o.IndexContent(context.Background(), "product", "x", "unknown text", nil)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "rag: embed content:"))

	n, err := store.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = o.PerformQuery(context.Background(), "unknown query", "product", 5)
	assert.ErrorContains(t, err, "rag: embed query: provider unavailable")
}

func TestOrchestrator_StoreErrorsPropagate(t *testing.T) {
	o, p, _ := newOrchestrator(t, false)
	indexAll(t, o)
	p.vectors["short"] = []float32{1, 0}

	_, err := o.IndexContent(context.Background(), "product", "s", "short", nil)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
}

func TestOrchestrator_CachedQueriesAndInvalidation(t *testing.T) {
	o, p, _ := newOrchestrator(t, true)
	indexAll(t, o)
	ctx := context.Background()

	first, err := o.PerformQuery(ctx, "find a", "product", 2)
	require.NoError(t, err)
	calls := p.Calls()

	second, err := o.PerformQuery(ctx, "find a", "product", 2)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, calls, p.Calls(), "cached query must not embed")
	assert.Equal(t, first.Context, second.Context)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	removed, err := o.RemoveContent(ctx, "product", "alpha")
	require.NoError(t, err)
	assert.True(t, removed)

	third, err := o.PerformQuery(ctx, "find a", "product", 2)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	require.Len(t, third.Results, 1)
	assert.Equal(t, "charlie", third.Results[0].Record.EntityID)

	removed, err = o.RemoveContent(ctx, "product", "alpha")
	require.NoError(t, err)
	assert.False(t, removed)

	stats, err := o.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalSearches)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(2), stats.CacheMisses)
	assert.InDelta(t, 33.33, stats.CacheHitRate, 0.01)
	assert.Equal(t, 2, stats.Store.TotalVectors)

	o.ResetStatistics()
	stats, err = o.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSearches)
	assert.Zero(t, stats.AverageSearchTime)
}

func TestOrchestrator_IndexInvalidatesType(t *testing.T) {
	o, _, _ := newOrchestrator(t, true)
	indexAll(t, o)
	ctx := context.Background()

	_, err := o.PerformQuery(ctx, "find a", "product", 5)
	require.NoError(t, err)
	assert.Len(t, o.Cache().KeysByTag(EntityTag("product")), 1)

	_, err = o.IndexContent(ctx, "product", "alpha2", "alpha", nil)
	require.NoError(t, err)
	assert.Empty(t, o.Cache().KeysByTag(EntityTag("product")))

	res, err := o.PerformQuery(ctx, "find a", "product", 5)
	require.NoError(t, err)
	assert.Len(t, res.Results, 3)
}

// pausingStore blocks the first Search after its result is computed until
// release is closed.
type pausingStore struct {
	vector.VectorStore
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (s *pausingStore) Search(ctx context.Context, query []float32, entityType string, limit int, threshold float64) ([]vector.SearchResult, error) {
	results, err := s.VectorStore.Search(ctx, query, entityType, limit, threshold)
	s.once.Do(func() {
		close(s.paused)
		<-s.release
	})
	return results, err
}

func TestOrchestrator_WriteDuringQueryIsNotCachedStale(t *testing.T) {
	store := &pausingStore{
		VectorStore: vector.NewInMemoryStore(),
		paused:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	c, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	o := NewOrchestrator(store, newProvider(), DefaultConfig(), WithCache(c))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		res, err := o.PerformQuery(ctx, "find a", "product", 5)
		if err == nil && len(res.Results) != 0 {
			err = errors.New("query before indexing found results")
		}
		done <- err
	}()
	<-store.paused
	_, err = o.IndexContent(ctx, "product", "alpha", "alpha", nil)
	require.NoError(t, err)
	close(store.release)
	require.NoError(t, <-done)

	res, err := o.PerformQuery(ctx, "find a", "product", 5)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "alpha", res.Results[0].Record.EntityID)
}

func TestOrchestrator_ZeroThreshold(t *testing.T) {
	zero := 0.0
	p := newProvider()
	o := NewOrchestrator(vector.NewInMemoryStore(), p, Config{DefaultThreshold: &zero})
	indexAll(t, o)

	res, err := o.PerformQuery(context.Background(), "nothing", "product", 5)
	require.NoError(t, err)
	assert.Len(t, res.Results, 3, "orthogonal vectors score 0 and pass a zero threshold")
}

func TestOrchestrator_SearchAndHybridSearch(t *testing.T) {
	o, _, _ := newOrchestrator(t, true)
	indexAll(t, o)
	ctx := context.Background()

	results, err := o.Search(ctx, []float32{1, 0, 0}, "product", 2, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Record.EntityID)

	// The in-memory store has no text pre-filter, so hybrid search degrades
	// to vector search.
	hybrid, err := o.HybridSearch(ctx, []float32{1, 0, 0}, "alpha", "product", 2, 0.5)
	require.NoError(t, err)
	assert.Equal(t, results, hybrid)

	defaults, err := o.Search(ctx, []float32{0, 1, 0}, "product", 10, -1)
	require.NoError(t, err)
	require.Len(t, defaults, 1, "negative threshold uses the 0.7 default")
	assert.Equal(t, "bravo", defaults[0].Record.EntityID)
}

func TestOrchestrator_HybridSearchUsesTextFilter(t *testing.T) {
	store, err := vector.NewHybridIndexStore(vector.HybridConfig{IndexPath: t.TempDir() + "/idx"})
	require.NoError(t, err)
	defer store.Close()

	p := newProvider()
	o := NewOrchestrator(store, p, DefaultConfig())
	indexAll(t, o)

	results, err := o.HybridSearch(context.Background(), []float32{1, 0, 0}, "charlie", "product", 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "charlie", results[0].Record.EntityID)
}

func TestOrchestrator_IndexBatch(t *testing.T) {
	o, _, store := newOrchestrator(t, false)
	ctx := context.Background()

	n, err := o.IndexBatch(ctx, []Document{
		{EntityType: "product", EntityID: "a", Content: "alpha"},
		{EntityType: "product", EntityID: "b", Content: "bravo"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = o.IndexBatch(ctx, []Document{
		{EntityType: "product", EntityID: "c", Content: "charlie"},
		{EntityType: "product", EntityID: "d", Content: "unknown"},
	})
	assert.Error(t, err)
	assert.Zero(t, n)

	count, err := store.Count(ctx, "product")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "failed embeddings store nothing")
}

func TestBuildContext(t *testing.T) {
	assert.Equal(t, NoRelevantContext, BuildContext(nil))
	got := BuildContext([]vector.SearchResult{
		{Record: &vector.VectorRecord{Content: "first"}, Score: 0.91234},
		{Record: &vector.VectorRecord{Content: "second"}, Score: 0.8},
	})
	assert.Equal(t, "Relevant Context:\n\n1. first (Score: 0.912)\n2. second (Score: 0.800)\n", got)
}
