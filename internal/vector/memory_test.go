package vector

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	emb := []float32{1, 0}
	if _, err := s.StoreVector(ctx, "product", "a", "shoe", emb, map[string]any{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	emb[0] = 42

	got, ok, _ := s.GetVectorByEntity(ctx, "product", "a")
	if !ok {
		t.Fatal("record not found")
	}
	if got.Embedding[0] != 1 {
		t.Errorf("caller mutation leaked into store: %v", got.Embedding)
	}
	got.Embedding[0] = 7
	got.Metadata["k"] = "changed"

	again, _, _ := s.GetVectorByEntity(ctx, "product", "a")
	if again.Embedding[0] != 1 || again.Metadata["k"] != "v" {
		t.Errorf("returned record aliases stored state: %+v", again)
	}
}

func TestInMemoryStore_WithClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewInMemoryStore(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	if _, err := s.StoreVector(ctx, "doc", "1", "", []float32{1}, nil); err != nil {
		t.Fatal(err)
	}
	got, _, _ := s.GetVectorByEntity(ctx, "doc", "1")
	if !got.StoredAt.Equal(fixed) {
		t.Errorf("StoredAt = %v, want %v", got.StoredAt, fixed)
	}
}

func TestInMemoryStore_RemoveKeepsOrder(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := s.StoreVector(ctx, "doc", id, "", []float32{1, 0}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if ok, _ := s.RemoveVector(ctx, "doc", "b"); !ok {
		t.Fatal("remove b failed")
	}
	// The index must still point at the right positions after the shift.
	if _, err := s.StoreVector(ctx, "doc", "d", "updated", []float32{1, 0}, nil); err != nil {
		t.Fatal(err)
	}
	records, _ := s.GetVectorsByEntityType(ctx, "doc")
	want := []string{"a", "c", "d"}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, r := range records {
		if r.EntityID != want[i] {
			t.Errorf("records[%d] = %s, want %s", i, r.EntityID, want[i])
		}
	}
	if records[2].Content != "updated" {
		t.Errorf("d content = %q, want updated", records[2].Content)
	}
}

func TestInMemoryStore_BatchStopsAtFirstError(t *testing.T) {
	s := NewInMemoryStore()
	n, err := s.BatchStore(context.Background(), []VectorInput{
		{EntityType: "doc", EntityID: "1", Embedding: []float32{1, 0}},
		{EntityType: "doc", EntityID: "2", Embedding: []float32{1}},
		{EntityType: "doc", EntityID: "3", Embedding: []float32{0, 1}},
	})
	if err == nil {
		t.Fatal("expected dimension mismatch")
	}
	if n != 1 {
		t.Errorf("affected = %d, want 1", n)
	}
	if c, _ := s.Count(context.Background(), "doc"); c != 1 {
		t.Errorf("Count = %d, want 1", c)
	}
}

func TestInMemoryStore_BatchHonoursCancellation(t *testing.T) {
	s := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := s.BatchStore(ctx, []VectorInput{{EntityType: "doc", EntityID: "1", Embedding: []float32{1}}})
	if err == nil || n != 0 {
		t.Errorf("BatchStore on cancelled ctx = %d, %v", n, err)
	}
}
