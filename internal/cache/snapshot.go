package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Snapshot is a portable copy of the cache contents. Values survive a
// SnapshotStore round trip as their JSON decoding.
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Entries   []SnapshotEntry `json:"entries"`
}

// SnapshotEntry is one exported entry. A zero ExpiresAt never expires.
type SnapshotEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []string  `json:"tags,omitempty"`
}

// SnapshotStore persists snapshots. Load reports false when nothing was saved.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, bool, error)
}

// Export sweeps expired entries and returns the live ones in creation order.
func (c *Cache) Export() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	snap := Snapshot{Timestamp: c.now(), Entries: make([]SnapshotEntry, 0, len(c.entries))}
	for k, e := range c.entries {
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Key:       k,
			Value:     e.value,
			ExpiresAt: e.expiresAt,
			CreatedAt: e.createdAt,
			Tags:      sortedKeys(e.tags),
		})
	}
	sort.SliceStable(snap.Entries, func(i, j int) bool {
		a, b := snap.Entries[i], snap.Entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})
	return snap
}

// Import adds the snapshot's live entries, keeping their expiry, creation
// time and tags. It returns the number imported.
func (c *Cache) Import(snap Snapshot) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled {
		return 0
	}
	now := c.now()
	n := 0
	for _, se := range snap.Entries {
		if !se.ExpiresAt.IsZero() && now.After(se.ExpiresAt) {
			continue
		}
		c.insertLocked(se.Key, &entry{value: se.Value, expiresAt: se.ExpiresAt, createdAt: se.CreatedAt}, se.Tags)
		n++
	}
	c.enforceCapacityLocked()
	return n
}

// Backup saves an export to store.
func (c *Cache) Backup(ctx context.Context, store SnapshotStore) error {
	snap := c.Export()
	if err := store.Save(ctx, snap); err != nil {
		return fmt.Errorf("cache backup: %w", err)
	}
	c.logger.Info("cache backed up", zap.Int("entries", len(snap.Entries)))
	return nil
}

// Restore replaces the contents with the snapshot held by store. A store
// without a snapshot leaves the cache untouched.
func (c *Cache) Restore(ctx context.Context, store SnapshotStore) (int, error) {
	snap, ok, err := store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache restore: %w", err)
	}
	if !ok {
		return 0, nil
	}
	c.Clear()
	n := c.Import(snap)
	c.logger.Info("cache restored", zap.Int("entries", n), zap.Time("snapshot", snap.Timestamp))
	return n, nil
}

// FileSnapshotStore keeps a snapshot as a JSON file.
type FileSnapshotStore struct {
	Path string
}

// NewFileSnapshotStore creates a store writing to path.
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{Path: path}
}

// Save writes the snapshot atomically through a temporary file.
func (f *FileSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file reports false.
func (f *FileSnapshotStore) Load(ctx context.Context) (Snapshot, bool, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, true, nil
}

// RedisSnapshotStore keeps a snapshot as a JSON string under one Redis key.
type RedisSnapshotStore struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a store writing to key. A ttl of zero keeps
// the snapshot until overwritten.
func NewRedisSnapshotStore(client redis.Cmdable, key string, ttl time.Duration) *RedisSnapshotStore {
	if key == "" {
		key = "kioku:cache:snapshot"
	}
	return &RedisSnapshotStore{client: client, key: key, ttl: ttl}
}

// Save stores the snapshot.
func (r *RedisSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot in redis: %w", err)
	}
	return nil
}

// Load fetches the snapshot. A missing key reports false.
func (r *RedisSnapshotStore) Load(ctx context.Context) (Snapshot, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load snapshot from redis: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, true, nil
}
