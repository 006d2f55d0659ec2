package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// RemoteConfig configures RemoteANNStore. It is fixed at construction.
type RemoteConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// Schema is the namespace holding one table per entity type.
	Schema  string
	SSLMode string
	// Timeout bounds every call. Zero relies on the caller's context alone.
	Timeout time.Duration
}

// DSN returns the connection URL for the pgx driver.
func (c RemoteConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// collectionsTable registers provisioned collections and their dimension.
const collectionsTable = "kioku_collections"

// RemoteANNStore delegates storage and search to PostgreSQL with the pgvector
// extension. Each entity type lives in its own table, provisioned with an HNSW
// cosine index on first write. Every driver failure surfaces as
// ErrBackendUnavailable with the cause attached.
type RemoteANNStore struct {
	db     *sql.DB
	cfg    RemoteConfig
	schema string
	dims   *dimensionRegistry
	opts   storeOptions

	// Writers hold clearMu shared from provisioning until the upsert
	// returns; Clear and ClearByEntityType hold it exclusively.
	clearMu sync.RWMutex
}

// NewRemoteANNStore connects to the database described by cfg and bootstraps
// the collection registry.
func NewRemoteANNStore(ctx context.Context, cfg RemoteConfig, opts ...Option) (*RemoteANNStore, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, &BackendError{Backend: string(StoreTypeRemote), Op: "open", Err: err}
	}
	pingCtx, cancel := withTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &BackendError{Backend: string(StoreTypeRemote), Op: "ping", Err: err}
	}
	s, err := NewRemoteANNStoreWithDB(ctx, db, cfg, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewRemoteANNStoreWithDB wraps an existing connection pool.
func NewRemoteANNStoreWithDB(ctx context.Context, db *sql.DB, cfg RemoteConfig, opts ...Option) (*RemoteANNStore, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	s := &RemoteANNStore{
		db:     db,
		cfg:    cfg,
		schema: cfg.Schema,
		dims:   newDimensionRegistry(),
		opts:   buildOptions(opts),
	}
	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (s *RemoteANNStore) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.cfg.Timeout)
}

func (s *RemoteANNStore) backendErr(op string, err error) error {
	s.opts.logger.Warn("remote vector call failed", zap.String("op", op), zap.Error(err))
	return &BackendError{Backend: string(StoreTypeRemote), Op: op, Err: err}
}

func (s *RemoteANNStore) bootstrap(ctx context.Context) error {
	ctx, cancel := s.call(ctx)
	defer cancel()
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{s.schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entity_type TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`, s.registryTable()),
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return s.backendErr("bootstrap", err)
		}
	}
	return nil
}

func (s *RemoteANNStore) registryTable() string {
	return pgx.Identifier{s.schema, collectionsTable}.Sanitize()
}

// tableName maps an entity type to a table name. Names that need rewriting
// get a hash suffix so distinct entity types never share a table.
func tableName(entityType string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(entityType) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := "vec_" + b.String()
	if b.String() != entityType || len(name) > 50 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(entityType))
		if len(name) > 50 {
			name = name[:50]
		}
		name = fmt.Sprintf("%s_%08x", name, h.Sum32())
	}
	return name
}

func (s *RemoteANNStore) table(entityType string) string {
	return pgx.Identifier{s.schema, tableName(entityType)}.Sanitize()
}

// ensureCollection provisions the table and index for entityType, or resolves
// the dimension of an existing one. It runs under the registry's per-type lock.
func (s *RemoteANNStore) ensureCollection(ctx context.Context, entityType string, dim int) (int, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	if existing, ok, err := s.lookupCollection(ctx, entityType); err != nil {
		return 0, err
	} else if ok {
		return existing, nil
	}

	table := s.table(entityType)
	index := pgx.Identifier{"idx_" + tableName(entityType) + "_embedding"}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			vector_id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			content TEXT,
			embedding vector(%d) NOT NULL,
			metadata JSONB,
			stored_at TIMESTAMPTZ NOT NULL
		)`, table, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`, index, table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return 0, s.backendErr("provision", err)
		}
	}
	var got int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (entity_type, table_name, dimension) VALUES ($1, $2, $3)
		 ON CONFLICT (entity_type) DO UPDATE SET entity_type = EXCLUDED.entity_type
		 RETURNING dimension`, s.registryTable()),
		entityType, tableName(entityType), dim,
	).Scan(&got)
	if err != nil {
		return 0, s.backendErr("provision", err)
	}
	s.opts.logger.Info("collection provisioned", zap.String("entity_type", entityType), zap.Int("dimension", got))
	return got, nil
}

// lookupCollection reports whether entityType has a ready collection.
func (s *RemoteANNStore) lookupCollection(ctx context.Context, entityType string) (int, bool, error) {
	var dim int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT dimension FROM %s WHERE entity_type = $1`, s.registryTable()), entityType,
	).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.backendErr("lookup", err)
	}
	return dim, true, nil
}

// ready returns the collection dimension, consulting the registry table when
// this process has not seen the entity type yet.
func (s *RemoteANNStore) ready(ctx context.Context, entityType string) (int, bool, error) {
	if dim, ok := s.dims.lookup(entityType); ok {
		return dim, true, nil
	}
	dim, ok, err := s.lookupCollection(ctx, entityType)
	if err != nil || !ok {
		return 0, false, err
	}
	s.dims.seed(entityType, dim)
	return dim, true, nil
}

// StoreVector provisions the collection on first write, then upserts.
func (s *RemoteANNStore) StoreVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	if err := validateInput(entityType, entityID, embedding); err != nil {
		return "", err
	}
	s.clearMu.RLock()
	defer s.clearMu.RUnlock()
	err := s.dims.establish(entityType, len(embedding), func() (int, error) {
		return s.ensureCollection(ctx, entityType, len(embedding))
	})
	if err != nil {
		return "", err
	}
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return "", &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	var metaArg any
	if meta != "" {
		metaArg = meta
	}
	id := VectorID(entityType, entityID)

	ctx, cancel := s.call(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (vector_id, entity_id, content, embedding, metadata, stored_at)
		 VALUES ($1, $2, $3, $4::vector, $5::jsonb, $6)
		 ON CONFLICT (vector_id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			stored_at = EXCLUDED.stored_at`, s.table(entityType)),
		id, entityID, content, formatEmbedding(embedding), metaArg, s.opts.now().UTC(),
	)
	if err != nil {
		return "", s.backendErr("store", err)
	}
	s.opts.logger.Debug("vector stored", zap.String("vector_id", id))
	return id, nil
}

// UpdateVector is StoreVector under another name.
func (s *RemoteANNStore) UpdateVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata map[string]any) (string, error) {
	return s.StoreVector(ctx, entityType, entityID, content, embedding, metadata)
}

const remoteColumns = `vector_id, entity_id, content, embedding::text, metadata::text, stored_at`

func scanRemote(entityType string, row rowScanner, extra ...any) (*VectorRecord, error) {
	r := VectorRecord{EntityType: entityType}
	var content, emb, meta sql.NullString
	dest := append([]any{&r.VectorID, &r.EntityID, &content, &emb, &meta, &r.StoredAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	vec, err := parseEmbedding(emb.String)
	if err != nil {
		return nil, err
	}
	r.Embedding = vec
	r.Content = content.String
	if r.Metadata, err = unmarshalMetadata(meta.String); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetVector looks a record up by vector id. The entity type is taken from the id.
func (s *RemoteANNStore) GetVector(ctx context.Context, vectorID string) (*VectorRecord, bool, error) {
	entityType, entityID, ok := ParseVectorID(vectorID)
	if !ok {
		return nil, false, nil
	}
	return s.GetVectorByEntity(ctx, entityType, entityID)
}

// GetVectorByEntity looks a record up by entity type and id.
func (s *RemoteANNStore) GetVectorByEntity(ctx context.Context, entityType, entityID string) (*VectorRecord, bool, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	if _, ok, err := s.ready(ctx, entityType); err != nil || !ok {
		return nil, false, err
	}
	r, err := scanRemote(entityType, s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE vector_id = $1`, remoteColumns, s.table(entityType)),
		VectorID(entityType, entityID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.backendErr("get", err)
	}
	return r, true, nil
}

// Search ranks by pgvector cosine distance. Queries the server cannot score
// (wrong length, zero magnitude) score 0 against every candidate.
func (s *RemoteANNStore) Search(ctx context.Context, query []float32, entityType string, limit int, threshold float64) ([]SearchResult, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	dim, ok, err := s.ready(ctx, entityType)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []SearchResult{}, nil
	}
	if len(query) != dim || !finite(query) || L2Norm(query) == 0 {
		records, err := s.list(ctx, entityType)
		if err != nil {
			return nil, err
		}
		return scoreAndRank(query, records, limit, threshold), nil
	}

	stmt := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $1::vector) AS score FROM %s
		WHERE 1 - (embedding <=> $1::vector) >= $2
		ORDER BY score DESC, seq ASC`, remoteColumns, s.table(entityType))
	args := []any{formatEmbedding(query), threshold}
	if limit > 0 {
		stmt += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, s.backendErr("search", err)
	}
	defer rows.Close()
	results := make([]SearchResult, 0)
	for rows.Next() {
		var score float64
		r, err := scanRemote(entityType, rows, &score)
		if err != nil {
			return nil, s.backendErr("search", err)
		}
		results = append(results, SearchResult{Record: r, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, s.backendErr("search", err)
	}
	return results, nil
}

func (s *RemoteANNStore) list(ctx context.Context, entityType string) ([]*VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY seq`, remoteColumns, s.table(entityType)))
	if err != nil {
		return nil, s.backendErr("list", err)
	}
	defer rows.Close()
	records := make([]*VectorRecord, 0)
	for rows.Next() {
		r, err := scanRemote(entityType, rows)
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

// RemoveVector deletes a record; removing an absent record reports false.
func (s *RemoteANNStore) RemoveVector(ctx context.Context, entityType, entityID string) (bool, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	if _, ok, err := s.ready(ctx, entityType); err != nil || !ok {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE vector_id = $1`, s.table(entityType)), VectorID(entityType, entityID))
	if err != nil {
		return false, s.backendErr("remove", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, s.backendErr("remove", err)
	}
	return n > 0, nil
}

// RemoveVectorByID deletes a record by vector id.
func (s *RemoteANNStore) RemoveVectorByID(ctx context.Context, vectorID string) (bool, error) {
	entityType, entityID, ok := ParseVectorID(vectorID)
	if !ok {
		return false, nil
	}
	return s.RemoveVector(ctx, entityType, entityID)
}

// BatchStore stores each input in order.
func (s *RemoteANNStore) BatchStore(ctx context.Context, inputs []VectorInput) (int, error) {
	return runBatch(ctx, s.opts.maxBatchSize, len(inputs), func(i int) (bool, error) {
		in := inputs[i]
		_, err := s.StoreVector(ctx, in.EntityType, in.EntityID, in.Content, in.Embedding, in.Metadata)
		return err == nil, err
	})
}

// BatchUpdate updates each input in order.
func (s *RemoteANNStore) BatchUpdate(ctx context.Context, inputs []VectorInput) (int, error) {
	return s.BatchStore(ctx, inputs)
}

// BatchRemove removes each ref and counts the records actually removed.
func (s *RemoteANNStore) BatchRemove(ctx context.Context, refs []EntityRef) (int, error) {
	return runBatch(ctx, s.opts.maxBatchSize, len(refs), func(i int) (bool, error) {
		return s.RemoveVector(ctx, refs[i].EntityType, refs[i].EntityID)
	})
}

// GetVectorsByEntityType returns every record of entityType in insertion order.
func (s *RemoteANNStore) GetVectorsByEntityType(ctx context.Context, entityType string) ([]*VectorRecord, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	if _, ok, err := s.ready(ctx, entityType); err != nil {
		return nil, err
	} else if !ok {
		return []*VectorRecord{}, nil
	}
	return s.list(ctx, entityType)
}

type collectionInfo struct {
	entityType string
	dimension  int
}

func (s *RemoteANNStore) collections(ctx context.Context) ([]collectionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT entity_type, dimension FROM %s ORDER BY entity_type`, s.registryTable()))
	if err != nil {
		return nil, s.backendErr("collections", err)
	}
	defer rows.Close()
	var out []collectionInfo
	for rows.Next() {
		var c collectionInfo
		if err := rows.Scan(&c.entityType, &c.dimension); err != nil {
			return nil, s.backendErr("collections", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.backendErr("collections", err)
	}
	return out, nil
}

func (s *RemoteANNStore) count(ctx context.Context, entityType string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table(entityType))).Scan(&n); err != nil {
		return 0, s.backendErr("count", err)
	}
	return n, nil
}

// Count returns the number of records in entityType, or in all types when empty.
func (s *RemoteANNStore) Count(ctx context.Context, entityType string) (int, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	if entityType != "" {
		if _, ok, err := s.ready(ctx, entityType); err != nil || !ok {
			return 0, err
		}
		return s.count(ctx, entityType)
	}
	cols, err := s.collections(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range cols {
		n, err := s.count(ctx, c.entityType)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Exists reports whether a record is stored for entityType/entityID.
func (s *RemoteANNStore) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	if _, ok, err := s.ready(ctx, entityType); err != nil || !ok {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE vector_id = $1`, s.table(entityType)), VectorID(entityType, entityID),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.backendErr("exists", err)
	}
	return true, nil
}

// GetStatistics reports per collection counts and dimensions.
func (s *RemoteANNStore) GetStatistics(ctx context.Context) (Statistics, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	stats := Statistics{Backend: string(StoreTypeRemote), EntityTypes: make(map[string]EntityTypeStats)}
	cols, err := s.collections(ctx)
	if err != nil {
		return stats, err
	}
	for _, c := range cols {
		n, err := s.count(ctx, c.entityType)
		if err != nil {
			return stats, err
		}
		if n == 0 {
			continue
		}
		stats.EntityTypes[c.entityType] = EntityTypeStats{Count: n, Dimension: c.dimension}
		stats.TotalVectors += n
	}
	return stats, nil
}

func (s *RemoteANNStore) drop(ctx context.Context, entityType string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table(entityType))); err != nil {
		return s.backendErr("drop", err)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE entity_type = $1`, s.registryTable()), entityType); err != nil {
		return s.backendErr("drop", err)
	}
	return nil
}

// Clear drops every collection.
func (s *RemoteANNStore) Clear(ctx context.Context) error {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()
	ctx, cancel := s.call(ctx)
	defer cancel()
	cols, err := s.collections(ctx)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if err := s.drop(ctx, c.entityType); err != nil {
			return err
		}
	}
	s.dims.reset()
	return nil
}

// ClearByEntityType drops one collection.
func (s *RemoteANNStore) ClearByEntityType(ctx context.Context, entityType string) error {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()
	ctx, cancel := s.call(ctx)
	defer cancel()
	if err := s.drop(ctx, entityType); err != nil {
		return err
	}
	s.dims.forget(entityType)
	return nil
}

// Close closes the connection pool.
func (s *RemoteANNStore) Close() error {
	return s.db.Close()
}

// formatEmbedding renders a vector in pgvector's text form, e.g. "[1,0.5,0]".
func formatEmbedding(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parseEmbedding(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return []float32{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector literal: %w", err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
