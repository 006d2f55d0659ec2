package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) record(path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("debug: false\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var changes recorder
	w := NewWatcher([]string{path}, changes.record, WithDebounce(100*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("debug: true\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return len(changes.snapshot()) >= 1 })
	time.Sleep(250 * time.Millisecond)

	got := changes.snapshot()
	if len(got) != 1 {
		t.Fatalf("onChange calls = %d, want 1 (%v)", len(got), got)
	}
	if got[0] != filepath.Clean(path) {
		t.Errorf("path = %s, want %s", got[0], path)
	}
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}

	var changes recorder
	w := NewWatcher([]string{path}, changes.record, WithDebounce(50*time.Millisecond))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if got := changes.snapshot(); len(got) != 0 {
		t.Errorf("unexpected changes: %v", got)
	}
}

func TestWatcher_Remove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}

	var changes, removals recorder
	w := NewWatcher([]string{path}, changes.record, WithDebounce(50*time.Millisecond), WithRemoveHandler(removals.record))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(removals.snapshot()) == 1 })
}

func TestWatcher_StartErrors(t *testing.T) {
	w := NewWatcher(nil, func(string) {})
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error without files")
	}

	missing := filepath.Join(t.TempDir(), "absent", "config.yaml")
	w = NewWatcher([]string{missing}, func(string) {})
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w := NewWatcher([]string{path}, func(string) {})
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	w.Stop()
	w.Stop()
	if len(w.Files()) != 1 {
		t.Errorf("Files() = %v", w.Files())
	}
}
