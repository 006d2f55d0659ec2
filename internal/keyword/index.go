// Package keyword provides the bleve-backed text index that persists vector
// records for the hybrid store.
package keyword

import "context"

// Document is the indexed form of a vector record. Embedding and Metadata are
// stored verbatim and never analyzed; Content is analyzed for text matching.
type Document struct {
	ID         string
	EntityType string
	EntityID   string
	Content    string
	Embedding  string
	Metadata   string
	StoredAt   string
	Seq        int64
}

// RecordIndex defines record persistence and text pre-filtering.
type RecordIndex interface {
	// Apply commits puts and deletes as one batch.
	Apply(ctx context.Context, puts []*Document, deletes []string) error
	Get(ctx context.Context, id string) (*Document, bool, error)
	// Scan returns the documents of entityType ordered by Seq. A non-empty text
	// restricts them to documents whose content matches it.
	Scan(ctx context.Context, entityType, text string) ([]*Document, error)
	// ScanAll returns every document ordered by Seq.
	ScanAll(ctx context.Context) ([]*Document, error)
	Count(ctx context.Context, entityType string) (int, error)
	DocCount() (uint64, error)
	Close() error
}
