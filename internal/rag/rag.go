// Package rag ties an embedding provider to a vector store for content
// indexing and query-time retrieval.
package rag

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/kioku/internal/cache"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/vector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NoRelevantContext is the context returned when a query matches nothing.
const NoRelevantContext = "No relevant context found."

const (
	defaultThreshold = 0.7
	defaultLimit     = 5
	embedWorkers     = 4
)

// Config holds retrieval defaults.
type Config struct {
	// DefaultThreshold applies to queries and to searches given a negative
	// threshold. Nil uses 0.7; zero is a valid threshold.
	DefaultThreshold *float64
	DefaultLimit     int
	// QueryTTL bounds how long query results stay cached. Nil uses the cache default.
	QueryTTL *time.Duration
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	threshold := defaultThreshold
	return Config{DefaultThreshold: &threshold, DefaultLimit: defaultLimit}
}

// QueryResult is the outcome of PerformQuery.
type QueryResult struct {
	RequestID  string                `json:"request_id"`
	Query      string                `json:"query"`
	EntityType string                `json:"entity_type"`
	Results    []vector.SearchResult `json:"results"`
	Context    string                `json:"context"`
	Cached     bool                  `json:"cached"`
	Duration   time.Duration         `json:"duration"`
}

// Document is one element of IndexBatch.
type Document struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Stats reports search activity since the last reset.
type Stats struct {
	TotalSearches     int64             `json:"total_searches"`
	TotalSearchTime   time.Duration     `json:"total_search_time"`
	AverageSearchTime time.Duration     `json:"average_search_time"`
	CacheHits         int64             `json:"cache_hits"`
	CacheMisses       int64             `json:"cache_misses"`
	CacheHitRate      float64           `json:"cache_hit_rate"`
	Store             vector.Statistics `json:"store"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store     vector.VectorStore
	provider  embedding.Provider
	cache     *cache.Cache
	cfg       Config
	threshold float64
	logger    *zap.Logger

	// generations counts invalidations per entity type. A search result is
	// cached only if no invalidation happened since the search started.
	genMu       sync.Mutex
	generations map[string]uint64

	searches    atomic.Int64
	searchNanos atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache caches query and search results in c.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates an orchestrator over store and provider. A nil
// threshold or non-positive limit falls back to the defaults.
func NewOrchestrator(store vector.VectorStore, provider embedding.Provider, cfg Config, opts ...Option) *Orchestrator {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaultLimit
	}
	o := &Orchestrator{
		store:       store,
		provider:    provider,
		cfg:         cfg,
		threshold:   defaultThreshold,
		logger:      zap.NewNop(),
		generations: make(map[string]uint64),
	}
	if cfg.DefaultThreshold != nil {
		o.threshold = *cfg.DefaultThreshold
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the underlying vector store.
func (o *Orchestrator) Store() vector.VectorStore {
	return o.store
}

// Cache returns the result cache, or nil.
func (o *Orchestrator) Cache() *cache.Cache {
	return o.cache
}

// IndexContent embeds content and stores it. A provider failure aborts before
// anything is stored.
func (o *Orchestrator) IndexContent(ctx context.Context, entityType, entityID, content string, metadata map[string]any) (string, error) {
	emb, err := o.provider.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("rag: embed content: %w", err)
	}
	id, err := o.store.StoreVector(ctx, entityType, entityID, content, emb, metadata)
	if err != nil {
		return "", err
	}
	o.invalidate(entityType)
	o.logger.Debug("content indexed", zap.String("vector_id", id))
	return id, nil
}

// IndexBatch embeds documents concurrently, then stores them in one batch.
// No document is stored if any embedding fails.
func (o *Orchestrator) IndexBatch(ctx context.Context, docs []Document) (int, error) {
	inputs := make([]vector.VectorInput, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)
	for i, d := range docs {
		i, d := i, d
		g.Go(func() error {
			emb, err := o.provider.Embed(gctx, d.Content)
			if err != nil {
				return fmt.Errorf("rag: embed content: %w", err)
			}
			inputs[i] = vector.VectorInput{
				EntityType: d.EntityType,
				EntityID:   d.EntityID,
				Content:    d.Content,
				Embedding:  emb,
				Metadata:   d.Metadata,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	n, err := o.store.BatchStore(ctx, inputs)
	seen := make(map[string]bool)
	for _, in := range inputs[:min(n, len(inputs))] {
		if !seen[in.EntityType] {
			seen[in.EntityType] = true
			o.invalidate(in.EntityType)
		}
	}
	return n, err
}

// PerformQuery embeds query, searches entityType with the default threshold
// and builds a ranked textual context. A limit of zero or less uses the
// default limit.
func (o *Orchestrator) PerformQuery(ctx context.Context, query, entityType string, limit int) (*QueryResult, error) {
	start := time.Now()
	if strings.TrimSpace(query) == "" {
		return nil, &vector.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}
	res := &QueryResult{RequestID: uuid.NewString(), Query: query, EntityType: entityType}

	key := "query:" + entityType + ":" + strconv.Itoa(limit) + ":" + query
	if cached, ok := o.lookup(key); ok {
		res.Results = cached
		res.Context = BuildContext(cached)
		res.Cached = true
		res.Duration = time.Since(start)
		o.recordSearch(res.Duration)
		return res, nil
	}

	gen := o.generation(entityType)
	emb, err := o.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	results, err := o.store.Search(ctx, emb, entityType, limit, o.threshold)
	if err != nil {
		return nil, err
	}
	o.remember(key, entityType, gen, results)

	res.Results = results
	res.Context = BuildContext(results)
	res.Duration = time.Since(start)
	o.recordSearch(res.Duration)
	o.logger.Debug("query performed",
		zap.String("request_id", res.RequestID),
		zap.String("entity_type", entityType),
		zap.Int("results", len(results)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// RemoveContent removes the entity's vector and drops cached results for its type.
func (o *Orchestrator) RemoveContent(ctx context.Context, entityType, entityID string) (bool, error) {
	removed, err := o.store.RemoveVector(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	if removed {
		o.invalidate(entityType)
	}
	return removed, nil
}

// Search runs a cached vector search. A negative threshold uses the default.
func (o *Orchestrator) Search(ctx context.Context, query []float32, entityType string, limit int, threshold float64) ([]vector.SearchResult, error) {
	return o.search(ctx, "", query, entityType, limit, threshold)
}

// HybridSearch pre-filters candidates by text when the store supports it and
// falls back to plain vector search otherwise.
func (o *Orchestrator) HybridSearch(ctx context.Context, query []float32, text, entityType string, limit int, threshold float64) ([]vector.SearchResult, error) {
	return o.search(ctx, text, query, entityType, limit, threshold)
}

func (o *Orchestrator) search(ctx context.Context, text string, query []float32, entityType string, limit int, threshold float64) ([]vector.SearchResult, error) {
	start := time.Now()
	if threshold < 0 {
		threshold = o.threshold
	}
	key := "search:" + entityType + ":" + strconv.Itoa(limit) + ":" +
		strconv.FormatFloat(threshold, 'g', -1, 64) + ":" + fingerprint(query) + ":" + text
	if cached, ok := o.lookup(key); ok {
		o.recordSearch(time.Since(start))
		return cached, nil
	}

	gen := o.generation(entityType)
	var (
		results []vector.SearchResult
		err     error
	)
	if ts, ok := o.store.(vector.TextSearcher); ok && text != "" {
		results, err = ts.SearchText(ctx, text, query, entityType, limit, threshold)
	} else {
		results, err = o.store.Search(ctx, query, entityType, limit, threshold)
	}
	if err != nil {
		return nil, err
	}
	o.remember(key, entityType, gen, results)
	o.recordSearch(time.Since(start))
	return results, nil
}

// Statistics returns search counters and the store's statistics.
func (o *Orchestrator) Statistics(ctx context.Context) (Stats, error) {
	st, err := o.store.GetStatistics(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		TotalSearches:   o.searches.Load(),
		TotalSearchTime: time.Duration(o.searchNanos.Load()),
		CacheHits:       o.hits.Load(),
		CacheMisses:     o.misses.Load(),
		Store:           st,
	}
	if s.TotalSearches > 0 {
		s.AverageSearchTime = s.TotalSearchTime / time.Duration(s.TotalSearches)
	}
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(total) * 100
	}
	return s, nil
}

// ResetStatistics zeroes the search counters.
func (o *Orchestrator) ResetStatistics() {
	o.searches.Store(0)
	o.searchNanos.Store(0)
	o.hits.Store(0)
	o.misses.Store(0)
}

// BuildContext renders ranked results as numbered lines, or NoRelevantContext
// when there are none.
func BuildContext(results []vector.SearchResult) string {
	if len(results) == 0 {
		return NoRelevantContext
	}
	var b strings.Builder
	b.WriteString("Relevant Context:\n\n")
	for i, r := range results {
		content := ""
		if r.Record != nil {
			content = r.Record.Content
		}
		fmt.Fprintf(&b, "%d. %s (Score: %.3f)\n", i+1, content, r.Score)
	}
	return b.String()
}

// EntityTag is the cache tag carried by results for entityType.
func EntityTag(entityType string) string {
	return "entity:" + entityType
}

func (o *Orchestrator) lookup(key string) ([]vector.SearchResult, bool) {
	if o.cache == nil || !o.cache.Enabled() {
		return nil, false
	}
	v, ok := o.cache.Get(key)
	if ok {
		if results, ok := v.([]vector.SearchResult); ok {
			o.hits.Add(1)
			return append([]vector.SearchResult(nil), results...), true
		}
		// Restored snapshots hold decoded JSON rather than results.
		o.cache.Evict(key)
	}
	o.misses.Add(1)
	return nil, false
}

func (o *Orchestrator) generation(entityType string) uint64 {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	return o.generations[entityType]
}

// remember caches results unless entityType was written after gen was read.
func (o *Orchestrator) remember(key, entityType string, gen uint64, results []vector.SearchResult) {
	if o.cache == nil || !o.cache.Enabled() {
		return
	}
	o.genMu.Lock()
	defer o.genMu.Unlock()
	if o.generations[entityType] != gen {
		return
	}
	o.cache.Put(key, results, o.cfg.QueryTTL, EntityTag(entityType))
}

func (o *Orchestrator) invalidate(entityType string) {
	o.genMu.Lock()
	defer o.genMu.Unlock()
	o.generations[entityType]++
	if o.cache == nil {
		return
	}
	if n := o.cache.EvictByTag(EntityTag(entityType)); n > 0 {
		o.logger.Debug("cached results invalidated", zap.String("entity_type", entityType), zap.Int("entries", n))
	}
}

func (o *Orchestrator) recordSearch(d time.Duration) {
	o.searches.Add(1)
	o.searchNanos.Add(int64(d))
}

// fingerprint hashes a query vector for use in cache keys.
func fingerprint(v []float32) string {
	h := fnv.New64a()
	var buf [4]byte
	for _, f := range v {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		_, _ = h.Write(buf[:])
	}
	return strconv.FormatUint(h.Sum64(), 16) + "/" + strconv.Itoa(len(v))
}
