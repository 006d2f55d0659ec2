package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

const (
	fieldEntityType = "entityType"
	fieldEntityID   = "entityId"
	fieldVectorID   = "vectorId"
	fieldContent    = "content"
	fieldEmbedding  = "embedding"
	fieldMetadata   = "metadata"
	fieldStoredAt   = "storedAt"
	fieldSeq        = "seq"
)

var storedFields = []string{fieldEntityType, fieldEntityID, fieldContent, fieldEmbedding, fieldMetadata, fieldStoredAt, fieldSeq}

// BleveIndex implements RecordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates
// a memory-only index.
// If you change the index mapping in code, remove the index directory to force a rebuild.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := recordMapping()

	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func recordMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.Dynamic = false

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt(fieldVectorID, keywordFieldMapping)
	docMapping.AddFieldMappingsAt(fieldEntityType, keywordFieldMapping)
	docMapping.AddFieldMappingsAt(fieldEntityID, keywordFieldMapping)

	// Standard analyzer (lowercase + tokenize, no stemming) for the text pre-filter.
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt(fieldContent, textFieldMapping)

	storedOnly := bleve.NewTextFieldMapping()
	storedOnly.Index = false
	storedOnly.IncludeInAll = false
	storedOnly.IncludeTermVectors = false
	docMapping.AddFieldMappingsAt(fieldEmbedding, storedOnly)
	docMapping.AddFieldMappingsAt(fieldMetadata, storedOnly)
	docMapping.AddFieldMappingsAt(fieldStoredAt, storedOnly)

	docMapping.AddFieldMappingsAt(fieldSeq, bleve.NewNumericFieldMapping())

	im.AddDocumentMapping("record", docMapping)
	im.DefaultType = "record"
	im.DefaultMapping = docMapping
	return im
}

// Apply indexes puts and deletes ids in a single batch. The batch is visible
// to searches once Apply returns.
func (b *BleveIndex) Apply(ctx context.Context, puts []*Document, deletes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, id := range deletes {
		batch.Delete(id)
	}
	for _, d := range puts {
		if err := batch.Index(d.ID, toFields(d)); err != nil {
			return fmt.Errorf("Bleve batch index %s: %w", d.ID, err)
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// Get returns the document with the given id.
func (b *BleveIndex) Get(ctx context.Context, id string) (*Document, bool, error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id}))
	req.Size = 1
	req.Fields = storedFields
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("Bleve get failed: %w", err)
	}
	if len(results.Hits) == 0 {
		return nil, false, nil
	}
	hit := results.Hits[0]
	return fromFields(hit.ID, hit.Fields), true, nil
}

// Scan returns every document of entityType in Seq order, optionally filtered by text.
func (b *BleveIndex) Scan(ctx context.Context, entityType, text string) ([]*Document, error) {
	tq := bleve.NewTermQuery(entityType)
	tq.SetField(fieldEntityType)
	var q blevequery.Query = tq
	if text != "" {
		mq := bleve.NewMatchQuery(text)
		mq.SetField(fieldContent)
		q = bleve.NewConjunctionQuery(tq, mq)
	}
	return b.scan(ctx, q)
}

// ScanAll returns every document in Seq order.
func (b *BleveIndex) ScanAll(ctx context.Context) ([]*Document, error) {
	return b.scan(ctx, bleve.NewMatchAllQuery())
}

func (b *BleveIndex) scan(ctx context.Context, q blevequery.Query) ([]*Document, error) {
	total, err := b.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to get doc count: %w", err)
	}
	if total == 0 {
		return []*Document{}, nil
	}
	req := bleve.NewSearchRequest(q)
	req.Size = int(total)
	req.Fields = storedFields
	req.SortBy([]string{fieldSeq})
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Document, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = fromFields(hit.ID, hit.Fields)
	}
	return out, nil
}

// Count returns the number of documents of entityType.
func (b *BleveIndex) Count(ctx context.Context, entityType string) (int, error) {
	tq := bleve.NewTermQuery(entityType)
	tq.SetField(fieldEntityType)
	req := bleve.NewSearchRequest(tq)
	req.Size = 0
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("Bleve count failed: %w", err)
	}
	return int(results.Total), nil
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

func toFields(d *Document) map[string]interface{} {
	return map[string]interface{}{
		fieldVectorID:   d.ID,
		fieldEntityType: d.EntityType,
		fieldEntityID:   d.EntityID,
		fieldContent:    d.Content,
		fieldEmbedding:  d.Embedding,
		fieldMetadata:   d.Metadata,
		fieldStoredAt:   d.StoredAt,
		fieldSeq:        float64(d.Seq),
	}
}

func fromFields(id string, fields map[string]interface{}) *Document {
	d := &Document{ID: id}
	d.EntityType, _ = fields[fieldEntityType].(string)
	d.EntityID, _ = fields[fieldEntityID].(string)
	d.Content, _ = fields[fieldContent].(string)
	d.Embedding, _ = fields[fieldEmbedding].(string)
	d.Metadata, _ = fields[fieldMetadata].(string)
	d.StoredAt, _ = fields[fieldStoredAt].(string)
	if seq, ok := fields[fieldSeq].(float64); ok {
		d.Seq = int64(seq)
	}
	return d
}
