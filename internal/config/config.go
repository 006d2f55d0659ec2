// Package config provides configuration loading and structs for the Kioku server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cache     CacheConfig     `yaml:"cache"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig selects the vector store backend.
type StoreConfig struct {
	Type         string       `yaml:"type"`
	MaxBatchSize int          `yaml:"max_batch_size"`
	Hybrid       HybridConfig `yaml:"hybrid"`
	SQLite       SQLiteConfig `yaml:"sqlite"`
	Remote       RemoteConfig `yaml:"remote"`
}

// HybridConfig holds the Bleve-backed store settings. SimilarityThreshold
// becomes the retrieval threshold when retrieval.default_threshold is unset.
type HybridConfig struct {
	IndexPath           string  `yaml:"index_path"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxResults          int     `yaml:"max_results"`
}

// SQLiteConfig holds the SQLite store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig holds the PostgreSQL/pgvector connection settings.
type RemoteConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	Schema   string        `yaml:"schema"`
	SSLMode  string        `yaml:"ssl_mode"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	Dimensions int           `yaml:"dimensions"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Cache      *bool         `yaml:"cache"`
}

// CacheEnabled returns whether embeddings are cached; defaults to true when unset.
func (e *EmbeddingConfig) CacheEnabled() bool {
	if e.Cache != nil {
		return *e.Cache
	}
	return true
}

// CacheConfig holds the result cache settings. An unset default_ttl means
// one hour; an explicit 0 keeps entries until evicted.
type CacheConfig struct {
	Enabled        *bool          `yaml:"enabled"`
	DefaultTTL     *time.Duration `yaml:"default_ttl"`
	MaxSize        int            `yaml:"max_size"`
	EvictionPolicy string         `yaml:"eviction_policy"`
	SnapshotPath   string         `yaml:"snapshot_path"`
	RedisAddr      string         `yaml:"redis_addr"`
	RedisKey       string         `yaml:"redis_key"`
}

// IsEnabled returns whether the cache is enabled; defaults to true when unset.
func (c *CacheConfig) IsEnabled() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return true
}

// TTL returns the default entry lifetime; one hour when unset.
func (c *CacheConfig) TTL() time.Duration {
	if c.DefaultTTL != nil {
		return *c.DefaultTTL
	}
	return time.Hour
}

// RetrievalConfig holds query defaults.
type RetrievalConfig struct {
	DefaultThreshold *float64 `yaml:"default_threshold"`
	DefaultLimit     int      `yaml:"default_limit"`
}

// Threshold returns the default similarity threshold; 0.7 when unset.
func (r *RetrievalConfig) Threshold() float64 {
	if r.DefaultThreshold != nil {
		return *r.DefaultThreshold
	}
	return 0.7
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled returns whether metrics are exported; defaults to true when unset.
func (m *MetricsConfig) IsEnabled() bool {
	if m.Enabled != nil {
		return *m.Enabled
	}
	return true
}

// Load reads and parses the config file at path, applies defaults, expands paths and validates.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Store.Hybrid.IndexPath = expandPath(cfg.Store.Hybrid.IndexPath, configDir)
	cfg.Store.SQLite.Path = expandPath(cfg.Store.SQLite.Path, configDir)
	cfg.Cache.SnapshotPath = expandPath(cfg.Cache.SnapshotPath, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects unknown backend, provider and policy names.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "hybrid", "sqlite", "remote":
	default:
		return fmt.Errorf("invalid store.type %q (supported: memory, hybrid, sqlite, remote)", c.Store.Type)
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case "hash", "openai":
	default:
		return fmt.Errorf("invalid embedding.provider %q (supported: hash, openai)", c.Embedding.Provider)
	}
	switch strings.ToLower(c.Cache.EvictionPolicy) {
	case "fifo", "lru":
	default:
		return fmt.Errorf("invalid cache.eviction_policy %q (supported: fifo, lru)", c.Cache.EvictionPolicy)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("invalid embedding.dimensions %d", c.Embedding.Dimensions)
	}
	return nil
}

// Addr returns the server listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty paths stay empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
