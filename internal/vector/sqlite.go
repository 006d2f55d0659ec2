package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore persists records in SQLite and ranks them with an exact scan.
// The seq column preserves insertion order across restarts.
type SQLiteStore struct {
	db   *sql.DB
	dims *dimensionRegistry
	opts storeOptions

	// Writers hold clearMu shared from establishing a dimension until the
	// row is written; Clear and ClearByEntityType hold it exclusively.
	clearMu sync.RWMutex
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db, dims: newDimensionRegistry(), opts: buildOptions(opts)}
	if err := s.loadDimensions(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vectors (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		vector_id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		content TEXT,
		embedding BLOB NOT NULL,
		dimension INTEGER NOT NULL,
		metadata TEXT,
		stored_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_vectors_entity_type ON vectors(entity_type, seq);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) loadDimensions(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_type, MIN(dimension) FROM vectors GROUP BY entity_type`)
	if err != nil {
		return s.backendErr("load", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entityType string
		var dim int
		if err := rows.Scan(&entityType, &dim); err != nil {
			return s.backendErr("load", err)
		}
		s.dims.seed(entityType, dim)
	}
	return rows.Err()
}

func (s *SQLiteStore) backendErr(op string, err error) error {
	s.opts.logger.Warn("sqlite operation failed", zap.String("op", op), zap.Error(err))
	return &BackendError{Backend: string(StoreTypeSQLite), Op: op, Err: err}
}

// StoreVector inserts or replaces a record. A replaced record keeps its seq.
func (s *SQLiteStore) StoreVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	if err := validateInput(entityType, entityID, embedding); err != nil {
		return "", err
	}
	s.clearMu.RLock()
	defer s.clearMu.RUnlock()
	if err := s.dims.establish(entityType, len(embedding), nil); err != nil {
		return "", err
	}
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return "", &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	id := VectorID(entityType, entityID)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vectors (vector_id, entity_type, entity_id, content, embedding, dimension, metadata, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(vector_id) DO UPDATE SET
		   content = excluded.content,
		   embedding = excluded.embedding,
		   dimension = excluded.dimension,
		   metadata = excluded.metadata,
		   stored_at = excluded.stored_at`,
		id, entityType, entityID, content, float32SliceToBytes(embedding), len(embedding), meta, s.opts.now().UTC(),
	)
	if err != nil {
		return "", s.backendErr("store", err)
	}
	s.opts.logger.Debug("vector stored", zap.String("vector_id", id))
	return id, nil
}

// UpdateVector is StoreVector under another name.
func (s *SQLiteStore) UpdateVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	return s.StoreVector(ctx, entityType, entityID, content, embedding, metadata)
}

const selectRecord = `SELECT vector_id, entity_type, entity_id, content, embedding, metadata, stored_at FROM vectors`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*VectorRecord, error) {
	var r VectorRecord
	var content, meta sql.NullString
	var blob []byte
	if err := row.Scan(&r.VectorID, &r.EntityType, &r.EntityID, &content, &blob, &meta, &r.StoredAt); err != nil {
		return nil, err
	}
	emb, err := bytesToFloat32Slice(blob)
	if err != nil {
		return nil, err
	}
	r.Embedding = emb
	r.Content = content.String
	if r.Metadata, err = unmarshalMetadata(meta.String); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetVector looks a record up by vector id.
func (s *SQLiteStore) GetVector(ctx context.Context, vectorID string) (*VectorRecord, bool, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE vector_id = ?`, vectorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.backendErr("get", err)
	}
	return r, true, nil
}

// GetVectorByEntity looks a record up by entity type and id.
func (s *SQLiteStore) GetVectorByEntity(ctx context.Context, entityType, entityID string) (*VectorRecord, bool, error) {
	return s.GetVector(ctx, VectorID(entityType, entityID))
}

// Search scores every record of entityType in seq order.
func (s *SQLiteStore) Search(ctx context.Context, query []float32, entityType string, limit int, threshold float64) ([]SearchResult, error) {
	records, err := s.GetVectorsByEntityType(ctx, entityType)
	if err != nil {
		return nil, err
	}
	return scoreAndRank(query, records, limit, threshold), nil
}

// RemoveVector deletes a record; removing an absent record reports false.
func (s *SQLiteStore) RemoveVector(ctx context.Context, entityType, entityID string) (bool, error) {
	return s.RemoveVectorByID(ctx, VectorID(entityType, entityID))
}

// RemoveVectorByID deletes a record by vector id.
func (s *SQLiteStore) RemoveVectorByID(ctx context.Context, vectorID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE vector_id = ?`, vectorID)
	if err != nil {
		return false, s.backendErr("remove", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// BatchStore stores all inputs in one transaction. On error nothing is kept.
func (s *SQLiteStore) BatchStore(ctx context.Context, inputs []VectorInput) (int, error) {
	if s.opts.maxBatchSize > 0 && len(inputs) > s.opts.maxBatchSize {
		return 0, capacityError(len(inputs), s.opts.maxBatchSize)
	}
	for _, in := range inputs {
		if err := validateInput(in.EntityType, in.EntityID, in.Embedding); err != nil {
			return 0, err
		}
	}
	s.clearMu.RLock()
	defer s.clearMu.RUnlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.backendErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO vectors (vector_id, entity_type, entity_id, content, embedding, dimension, metadata, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(vector_id) DO UPDATE SET
		   content = excluded.content,
		   embedding = excluded.embedding,
		   dimension = excluded.dimension,
		   metadata = excluded.metadata,
		   stored_at = excluded.stored_at`)
	if err != nil {
		return 0, s.backendErr("prepare", err)
	}
	defer stmt.Close()

	now := s.opts.now().UTC()
	for _, in := range inputs {
		if err := s.dims.establish(in.EntityType, len(in.Embedding), nil); err != nil {
			return 0, err
		}
		meta, err := marshalMetadata(in.Metadata)
		if err != nil {
			return 0, &ValidationError{Field: "metadata", Reason: err.Error()}
		}
		if _, err := stmt.ExecContext(ctx, VectorID(in.EntityType, in.EntityID), in.EntityType, in.EntityID,
			in.Content, float32SliceToBytes(in.Embedding), len(in.Embedding), meta, now); err != nil {
			return 0, s.backendErr("store", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, s.backendErr("commit", err)
	}
	return len(inputs), nil
}

// BatchUpdate is BatchStore under another name.
func (s *SQLiteStore) BatchUpdate(ctx context.Context, inputs []VectorInput) (int, error) {
	return s.BatchStore(ctx, inputs)
}

// BatchRemove removes each ref and counts the records actually removed.
func (s *SQLiteStore) BatchRemove(ctx context.Context, refs []EntityRef) (int, error) {
	return runBatch(ctx, s.opts.maxBatchSize, len(refs), func(i int) (bool, error) {
		return s.RemoveVector(ctx, refs[i].EntityType, refs[i].EntityID)
	})
}

// GetVectorsByEntityType returns every record of entityType in insertion order.
func (s *SQLiteStore) GetVectorsByEntityType(ctx context.Context, entityType string) ([]*VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+` WHERE entity_type = ? ORDER BY seq`, entityType)
	if err != nil {
		return nil, s.backendErr("list", err)
	}
	defer rows.Close()
	records := make([]*VectorRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, s.backendErr("list", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.backendErr("list", err)
	}
	return records, nil
}

// Count returns the number of records in entityType, or in all types when empty.
func (s *SQLiteStore) Count(ctx context.Context, entityType string) (int, error) {
	var n int
	var err error
	if entityType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE entity_type = ?`, entityType).Scan(&n)
	}
	if err != nil {
		return 0, s.backendErr("count", err)
	}
	return n, nil
}

// Exists reports whether a record is stored for entityType/entityID.
func (s *SQLiteStore) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM vectors WHERE vector_id = ?`, VectorID(entityType, entityID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.backendErr("exists", err)
	}
	return true, nil
}

// GetStatistics reports per entity type counts and dimensions.
func (s *SQLiteStore) GetStatistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{Backend: string(StoreTypeSQLite), EntityTypes: make(map[string]EntityTypeStats)}
	rows, err := s.db.QueryContext(ctx, `SELECT entity_type, COUNT(*), MIN(dimension) FROM vectors GROUP BY entity_type`)
	if err != nil {
		return stats, s.backendErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var st EntityTypeStats
		if err := rows.Scan(&name, &st.Count, &st.Dimension); err != nil {
			return stats, s.backendErr("stats", err)
		}
		stats.EntityTypes[name] = st
		stats.TotalVectors += st.Count
	}
	return stats, rows.Err()
}

// Clear removes every record and established dimension.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors`); err != nil {
		return s.backendErr("clear", err)
	}
	s.dims.reset()
	return nil
}

// ClearByEntityType removes one entity type and its dimension.
func (s *SQLiteStore) ClearByEntityType(ctx context.Context, entityType string) error {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE entity_type = ?`, entityType); err != nil {
		return s.backendErr("clear", err)
	}
	s.dims.forget(entityType)
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
