package vector

import (
	"context"
	"fmt"
)

// StoreType names a VectorStore backend.
type StoreType string

const (
	// StoreTypeMemory scans in-memory lists. Good for tests and small datasets.
	StoreTypeMemory StoreType = "memory"
	// StoreTypeHybrid persists records in a Bleve text index.
	StoreTypeHybrid StoreType = "hybrid"
	// StoreTypeSQLite persists records in an embedded SQLite database.
	StoreTypeSQLite StoreType = "sqlite"
	// StoreTypeRemote delegates to PostgreSQL with pgvector.
	StoreTypeRemote StoreType = "remote"
)

// FactoryConfig selects and configures a backend.
type FactoryConfig struct {
	Type       StoreType
	Hybrid     HybridConfig
	SQLitePath string
	Remote     RemoteConfig
}

// NewVectorStore creates the backend named by cfg.Type. An empty type selects memory.
func NewVectorStore(ctx context.Context, cfg FactoryConfig, opts ...Option) (VectorStore, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewInMemoryStore(opts...), nil
	case StoreTypeHybrid:
		return NewHybridIndexStore(cfg.Hybrid, opts...)
	case StoreTypeSQLite:
		return NewSQLiteStore(cfg.SQLitePath, opts...)
	case StoreTypeRemote:
		return NewRemoteANNStore(ctx, cfg.Remote, opts...)
	default:
		return nil, fmt.Errorf("unknown store type: %s (supported: memory, hybrid, sqlite, remote)", cfg.Type)
	}
}
