package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = "memory"
	}
	if cfg.Store.MaxBatchSize == 0 {
		cfg.Store.MaxBatchSize = 1000
	}
	if cfg.Store.Hybrid.IndexPath == "" {
		cfg.Store.Hybrid.IndexPath = "./data/vector-index"
	}
	if cfg.Store.Hybrid.SimilarityThreshold == 0 {
		cfg.Store.Hybrid.SimilarityThreshold = 0.7
	}
	if cfg.Store.Hybrid.MaxResults == 0 {
		cfg.Store.Hybrid.MaxResults = 100
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = "./data/vectors.db"
	}
	if cfg.Store.Remote.Host == "" {
		cfg.Store.Remote.Host = "localhost"
	}
	if cfg.Store.Remote.Port == 0 {
		cfg.Store.Remote.Port = 5432
	}
	if cfg.Store.Remote.Database == "" {
		cfg.Store.Remote.Database = "kioku"
	}
	if cfg.Store.Remote.Schema == "" {
		cfg.Store.Remote.Schema = "public"
	}
	if cfg.Store.Remote.SSLMode == "" {
		cfg.Store.Remote.SSLMode = "disable"
	}
	if cfg.Store.Remote.Timeout == 0 {
		cfg.Store.Remote.Timeout = 5 * time.Second
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hash"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Cache.DefaultTTL == nil {
		ttl := time.Hour
		cfg.Cache.DefaultTTL = &ttl
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 10000
	}
	if cfg.Cache.EvictionPolicy == "" {
		cfg.Cache.EvictionPolicy = "fifo"
	}
	if cfg.Cache.SnapshotPath == "" {
		cfg.Cache.SnapshotPath = "./data/cache-snapshot.json"
	}
	if cfg.Retrieval.DefaultThreshold == nil {
		threshold := 0.7
		if cfg.Store.Type == "hybrid" {
			threshold = cfg.Store.Hybrid.SimilarityThreshold
		}
		cfg.Retrieval.DefaultThreshold = &threshold
	}
	if cfg.Retrieval.DefaultLimit == 0 {
		cfg.Retrieval.DefaultLimit = 5
	}
}
