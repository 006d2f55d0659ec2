package main

import (
	"context"
	"fmt"

	"github.com/hyperjump/kioku/internal/cache"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/metrics"
	"github.com/hyperjump/kioku/internal/rag"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Components holds initialized services.
type Components struct {
	Store        vector.VectorStore
	Cache        *cache.Cache
	Provider     embedding.Provider
	Orchestrator *rag.Orchestrator
	Registry     *prometheus.Registry
	Snapshots    cache.SnapshotStore

	redis *redis.Client
}

// Close releases the store and the Redis connection.
func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
}

func cacheConfig(cfg *config.Config) cache.Config {
	return cache.Config{
		Enabled:        cfg.Cache.IsEnabled(),
		DefaultTTL:     cfg.Cache.TTL(),
		MaxSize:        cfg.Cache.MaxSize,
		EvictionPolicy: cfg.Cache.EvictionPolicy,
	}
}

func factoryConfig(cfg *config.Config) vector.FactoryConfig {
	r := cfg.Store.Remote
	h := cfg.Store.Hybrid
	return vector.FactoryConfig{
		Type: vector.StoreType(cfg.Store.Type),
		Hybrid: vector.HybridConfig{
			IndexPath:  h.IndexPath,
			MaxResults: h.MaxResults,
		},
		SQLitePath: cfg.Store.SQLite.Path,
		Remote: vector.RemoteConfig{
			Host:     r.Host,
			Port:     r.Port,
			User:     r.User,
			Password: r.Password,
			Database: r.Database,
			Schema:   r.Schema,
			SSLMode:  r.SSLMode,
			Timeout:  r.Timeout,
		},
	}
}

func embeddingConfig(cfg *config.Config) embedding.Config {
	e := cfg.Embedding
	return embedding.Config{
		Provider:   e.Provider,
		Dimensions: e.Dimensions,
		Model:      e.Model,
		APIKey:     e.APIKey,
		BaseURL:    e.BaseURL,
		Timeout:    e.Timeout,
	}
}

func ragConfig(cfg *config.Config) rag.Config {
	threshold := cfg.Retrieval.Threshold()
	return rag.Config{
		DefaultThreshold: &threshold,
		DefaultLimit:     cfg.Retrieval.DefaultLimit,
	}
}

func snapshotStore(cfg *config.Config) (cache.SnapshotStore, *redis.Client) {
	if cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		return cache.NewRedisSnapshotStore(client, cfg.Cache.RedisKey, 0), client
	}
	return cache.NewFileSnapshotStore(cfg.Cache.SnapshotPath), nil
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}
	var sink metrics.Sink = metrics.Nop{}
	if cfg.Metrics.IsEnabled() {
		c.Registry = prometheus.NewRegistry()
		c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		sink = metrics.NewPrometheus(c.Registry)
	}

	qc, err := cache.New(cacheConfig(cfg), cache.WithLogger(logger), cache.WithMetrics("kioku", sink))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	c.Cache = qc
	c.Snapshots, c.redis = snapshotStore(cfg)

	var embedCache *cache.Cache
	if cfg.Embedding.CacheEnabled() {
		embedCache = qc
	}
	provider, err := embedding.NewProvider(embeddingConfig(cfg), embedCache, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	c.Provider = provider

	store, err := vector.NewVectorStore(ctx, factoryConfig(cfg),
		vector.WithLogger(logger),
		vector.WithMaxBatchSize(cfg.Store.MaxBatchSize),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	c.Store = vector.Instrument(store, sink)
	logger.Info("vector store initialized",
		zap.String("type", cfg.Store.Type),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Int("dimensions", provider.Dimensions()))

	c.Orchestrator = rag.NewOrchestrator(c.Store, provider, ragConfig(cfg),
		rag.WithCache(qc),
		rag.WithLogger(logger),
	)
	return c, nil
}
