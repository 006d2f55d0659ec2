// Package vector provides vector stores and similarity search.
package vector

import (
	"context"
	"strings"
	"time"
)

// idSeparator joins entity type and entity id into a vector id.
const idSeparator = "::"

// VectorStore defines vector storage and similarity search. Every backend must
// rank identical data identically.
type VectorStore interface {
	StoreVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error)
	UpdateVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error)
	// GetVector and GetVectorByEntity report absence through the bool, never an error.
	GetVector(ctx context.Context, vectorID string) (*VectorRecord, bool, error)
	GetVectorByEntity(ctx context.Context, entityType, entityID string) (*VectorRecord, bool, error)
	Search(ctx context.Context, query []float32, entityType string, limit int, threshold float64) ([]SearchResult, error)
	RemoveVector(ctx context.Context, entityType, entityID string) (bool, error)
	RemoveVectorByID(ctx context.Context, vectorID string) (bool, error)
	BatchStore(ctx context.Context, inputs []VectorInput) (int, error)
	BatchUpdate(ctx context.Context, inputs []VectorInput) (int, error)
	BatchRemove(ctx context.Context, refs []EntityRef) (int, error)
	GetVectorsByEntityType(ctx context.Context, entityType string) ([]*VectorRecord, error)
	// Count returns the number of vectors in entityType, or in all types when entityType is empty.
	Count(ctx context.Context, entityType string) (int, error)
	Exists(ctx context.Context, entityType, entityID string) (bool, error)
	GetStatistics(ctx context.Context) (Statistics, error)
	Clear(ctx context.Context) error
	ClearByEntityType(ctx context.Context, entityType string) error
	Close() error
}

// TextSearcher is implemented by stores that can pre-filter candidates by text
// before vector scoring.
type TextSearcher interface {
	SearchText(ctx context.Context, text string, query []float32, entityType string, limit int, threshold float64) ([]SearchResult, error)
}

// VectorRecord is a stored embedding with its identity and payload.
type VectorRecord struct {
	VectorID   string         `json:"vector_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Content    string         `json:"content,omitempty"`
	Embedding  []float32      `json:"embedding"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StoredAt   time.Time      `json:"stored_at"`
}

// VectorInput is a single element of a batch store or update.
type VectorInput struct {
	EntityType string
	EntityID   string
	Content    string
	Embedding  []float32
	Metadata   map[string]any
}

// EntityRef identifies a record by entity type and id.
type EntityRef struct {
	EntityType string
	EntityID   string
}

// SearchResult is a single ranked hit.
type SearchResult struct {
	Record *VectorRecord `json:"record"`
	Score  float64       `json:"score"`
}

// Statistics summarizes a store's contents.
type Statistics struct {
	Backend      string                     `json:"backend"`
	TotalVectors int                        `json:"total_vectors"`
	EntityTypes  map[string]EntityTypeStats `json:"entity_types"`
}

// EntityTypeStats is the per entity type part of Statistics.
type EntityTypeStats struct {
	Count     int `json:"count"`
	Dimension int `json:"dimension"`
}

// VectorID derives the vector id for an entity.
func VectorID(entityType, entityID string) string {
	return entityType + idSeparator + entityID
}

// ParseVectorID splits a vector id into entity type and entity id.
func ParseVectorID(vectorID string) (entityType, entityID string, ok bool) {
	i := strings.Index(vectorID, idSeparator)
	if i <= 0 || i+len(idSeparator) >= len(vectorID) {
		return "", "", false
	}
	return vectorID[:i], vectorID[i+len(idSeparator):], true
}

func validateInput(entityType, entityID string, embedding []float32) error {
	if entityType == "" {
		return &ValidationError{Field: "entity_type", Reason: "must not be empty"}
	}
	if entityID == "" {
		return &ValidationError{Field: "entity_id", Reason: "must not be empty"}
	}
	if len(embedding) == 0 {
		return &ValidationError{Field: "embedding", Reason: "must not be empty"}
	}
	if !finite(embedding) {
		return &ValidationError{Field: "embedding", Reason: "must contain only finite values"}
	}
	return nil
}

func cloneRecord(r *VectorRecord) *VectorRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Embedding = append([]float32(nil), r.Embedding...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
