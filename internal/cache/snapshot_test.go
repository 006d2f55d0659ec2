package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ExportImport(t *testing.T) {
	src, clock := newTestCache(t, Config{Enabled: true, DefaultTTL: time.Hour})
	src.Put("a", "alpha", nil, "letters")
	clock.Advance(time.Second)
	src.Put("b", "beta", ttl(time.Second))
	clock.Advance(time.Second)
	src.Put("c", "gamma", ttl(0), "letters")
	clock.Advance(2 * time.Second)

	snap := src.Export()
	require.Len(t, snap.Entries, 2, "expired entries are not exported")
	assert.Equal(t, "a", snap.Entries[0].Key)
	assert.Equal(t, "c", snap.Entries[1].Key)
	assert.True(t, snap.Entries[1].ExpiresAt.IsZero())

	dst, dstClock := newTestCache(t, Config{Enabled: true})
	dstClock.Advance(10 * time.Second)
	assert.Equal(t, 2, dst.Import(snap))
	assert.Equal(t, []string{"a", "c"}, dst.KeysByTag("letters"))

	dstClock.Advance(2 * time.Hour)
	assert.False(t, dst.Exists("a"), "imported entries keep their expiry")
	assert.True(t, dst.Exists("c"))
}

func TestCache_BackupRestoreFile(t *testing.T) {
	ctx := context.Background()
	store := NewFileSnapshotStore(filepath.Join(t.TempDir(), "snap", "cache.json"))

	c, _ := newTestCache(t, DefaultConfig())
	n, err := c.Restore(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "missing snapshot restores nothing")

	c.Put("k1", "v1", nil, "t")
	c.Put("k2", map[string]any{"n": 1.5}, nil)
	require.NoError(t, c.Backup(ctx, store))

	restored, _ := newTestCache(t, DefaultConfig())
	restored.Put("stale", true, nil)
	n, err = restored.Restore(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, restored.Exists("stale"), "restore replaces contents")

	v, ok := restored.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
	v, _ = restored.Get("k2")
	assert.Equal(t, map[string]any{"n": 1.5}, v)
	assert.Equal(t, []string{"t"}, restored.Tags("k1"))
}

func TestCache_BackupRestoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	store := NewRedisSnapshotStore(client, "", time.Hour)

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	c, _ := newTestCache(t, DefaultConfig())
	c.Put("query:1", "answer", nil, "entity:doc")
	require.NoError(t, c.Backup(ctx, store))
	assert.True(t, mr.Exists("kioku:cache:snapshot"))

	restored, _ := newTestCache(t, DefaultConfig())
	n, err := restored.Restore(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"query:1"}, restored.KeysByTag("entity:doc"))

	mr.SetError("READONLY")
	assert.Error(t, c.Backup(ctx, store))
}
