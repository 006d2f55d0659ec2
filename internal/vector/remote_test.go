package vector

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRemote(t *testing.T) (*RemoteANNStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta(`CREATE EXTENSION IF NOT EXISTS vector`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "public"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "public"."kioku_collections"`)).WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewRemoteANNStoreWithDB(context.Background(), db, RemoteConfig{Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewRemoteANNStoreWithDB: %v", err)
	}
	return s, mock
}

func expectProvision(mock sqlmock.Sqlmock, entityType string, dim int) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT dimension FROM "public"."kioku_collections" WHERE entity_type = $1`)).
		WithArgs(entityType).
		WillReturnRows(sqlmock.NewRows([]string{"dimension"}))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "public"."` + tableName(entityType) + `"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`USING hnsw (embedding vector_cosine_ops)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "public"."kioku_collections"`)).
		WithArgs(entityType, tableName(entityType), dim).
		WillReturnRows(sqlmock.NewRows([]string{"dimension"}).AddRow(dim))
}

var remoteRowColumns = []string{"vector_id", "entity_id", "content", "embedding", "metadata", "stored_at"}

func TestRemoteANNStore_StoreAndSearch(t *testing.T) {
	s, mock := newMockRemote(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	expectProvision(mock, "product", 3)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."vec_product"`)).
		WithArgs("product::A", "A", "first", "[1,0,0]", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."vec_product"`)).
		WithArgs("product::C", "C", "third", "[0.9,0.1,0]", `{"brand":"acme"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))

	if _, err := s.StoreVector(ctx, "product", "A", "first", []float32{1, 0, 0}, nil); err != nil {
		t.Fatalf("StoreVector(A): %v", err)
	}
	if _, err := s.StoreVector(ctx, "product", "C", "third", []float32{0.9, 0.1, 0}, map[string]any{"brand": "acme"}); err != nil {
		t.Fatalf("StoreVector(C): %v", err)
	}

	rows := sqlmock.NewRows(append(remoteRowColumns, "score")).
		AddRow("product::A", "A", "first", "[1,0,0]", nil, now, 1.0).
		AddRow("product::C", "C", "third", "[0.9,0.1,0]", `{"brand":"acme"}`, now, 0.9938837)
	mock.ExpectQuery(regexp.QuoteMeta(`1 - (embedding <=> $1::vector) AS score FROM "public"."vec_product"`)).
		WithArgs("[1,0,0]", 0.5, 2).
		WillReturnRows(rows)

	results, err := s.Search(ctx, []float32{1, 0, 0}, "product", 2, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got := resultIDs(results); len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Fatalf("Search ids = %v", got)
	}
	if results[1].Record.Metadata["brand"] != "acme" || results[1].Record.EntityType != "product" {
		t.Errorf("record = %+v", results[1].Record)
	}
	if !results[0].Record.StoredAt.Equal(now) {
		t.Errorf("StoredAt = %v", results[0].Record.StoredAt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRemoteANNStore_DimensionMismatchSkipsServer(t *testing.T) {
	s, mock := newMockRemote(t)
	ctx := context.Background()

	expectProvision(mock, "doc", 2)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."vec_doc"`)).WillReturnResult(sqlmock.NewResult(1, 1))
	if _, err := s.StoreVector(ctx, "doc", "1", "", []float32{1, 0}, nil); err != nil {
		t.Fatal(err)
	}

	_, err := s.StoreVector(ctx, "doc", "2", "", []float32{1, 0, 0}, nil)
	var dm *DimensionMismatchError
	if !errors.As(err, &dm) || dm.Expected != 2 || dm.Actual != 3 {
		t.Fatalf("err = %v, want dimension mismatch 2/3", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRemoteANNStore_QueryFallbackScoresLocally(t *testing.T) {
	s, mock := newMockRemote(t)
	s.dims.seed("doc", 2)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "public"."vec_doc" ORDER BY seq`)).
		WillReturnRows(sqlmock.NewRows(remoteRowColumns).
			AddRow("doc::1", "1", "", "[1,0]", nil, now).
			AddRow("doc::2", "2", "", "[0,1]", nil, now))

	results, err := s.Search(context.Background(), []float32{0, 0}, "doc", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Score != 0 || results[0].Record.EntityID != "1" {
		t.Errorf("fallback results = %+v", results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRemoteANNStore_UnknownEntityType(t *testing.T) {
	s, mock := newMockRemote(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT dimension FROM "public"."kioku_collections"`)).
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"dimension"}))
	}

	results, err := s.Search(ctx, []float32{1}, "ghost", 5, 0)
	if err != nil || len(results) != 0 {
		t.Errorf("Search = %v, %v", results, err)
	}
	if _, ok, err := s.GetVectorByEntity(ctx, "ghost", "x"); ok || err != nil {
		t.Errorf("GetVectorByEntity = %v, %v", ok, err)
	}
	if _, ok, err := s.GetVector(ctx, "malformed"); ok || err != nil {
		t.Errorf("GetVector(malformed) = %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRemoteANNStore_DriverErrorsAreBackendErrors(t *testing.T) {
	s, mock := newMockRemote(t)
	s.dims.seed("doc", 2)
	cause := errors.New("connection refused")

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."vec_doc"`)).WithArgs("doc::1").WillReturnError(cause)

	_, err := s.RemoveVector(context.Background(), "doc", "1")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause not attached: %v", err)
	}
	var be *BackendError
	if !errors.As(err, &be) || be.Backend != "remote" || be.Op != "remove" {
		t.Errorf("BackendError = %+v", be)
	}
}

func TestRemoteANNStore_BootstrapFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE EXTENSION`)).WillReturnError(sql.ErrConnDone)

	_, err = NewRemoteANNStoreWithDB(context.Background(), db, RemoteConfig{Schema: "vectors"})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestRemoteANNStore_StatisticsAndClear(t *testing.T) {
	s, mock := newMockRemote(t)
	ctx := context.Background()
	s.dims.seed("doc", 2)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT entity_type, dimension FROM "public"."kioku_collections"`)).
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "dimension"}).AddRow("doc", 2).AddRow("empty", 4))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."vec_doc"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."vec_empty"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	stats, err := s.GetStatistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalVectors != 3 || len(stats.EntityTypes) != 1 || stats.EntityTypes["doc"].Dimension != 2 {
		t.Errorf("stats = %+v", stats)
	}

	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "public"."vec_doc"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."kioku_collections" WHERE entity_type = $1`)).
		WithArgs("doc").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.ClearByEntityType(ctx, "doc"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.dims.lookup("doc"); ok {
		t.Error("dimension should be forgotten after ClearByEntityType")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRemoteConfig_DSN(t *testing.T) {
	cfg := RemoteConfig{Host: "db", Port: 5432, User: "kioku", Password: "p@ss", Database: "vectors", SSLMode: "disable"}
	want := "postgres://kioku:p%40ss@db:5432/vectors?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestTableName(t *testing.T) {
	if got := tableName("product"); got != "vec_product" {
		t.Errorf("tableName(product) = %q", got)
	}
	a, b := tableName("a-b"), tableName("a_b")
	if a == b {
		t.Errorf("distinct entity types share table %q", a)
	}
	if !strings.HasPrefix(a, "vec_a_b_") {
		t.Errorf("tableName(a-b) = %q", a)
	}
	if long := tableName(strings.Repeat("x", 80)); len(long) > 63 {
		t.Errorf("table name %q exceeds identifier limit", long)
	}
}

func TestEmbeddingLiteral(t *testing.T) {
	v := []float32{1, -0.5, 0.25}
	lit := formatEmbedding(v)
	if lit != "[1,-0.5,0.25]" {
		t.Errorf("formatEmbedding = %q", lit)
	}
	got, err := parseEmbedding(lit)
	if err != nil {
		t.Fatal(err)
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("parseEmbedding[%d] = %v, want %v", i, got[i], v[i])
		}
	}
	if _, err := parseEmbedding("1,2"); err == nil {
		t.Error("expected error for literal without brackets")
	}
}
