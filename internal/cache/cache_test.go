package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c, err := New(cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return c, clock
}

func ttl(d time.Duration) *time.Duration { return &d }

func TestCache_PutGet(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())

	c.Put("k", "v", nil)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, int64(2), s.Requests)
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 50.0, s.HitRate)
	assert.Equal(t, 50.0, s.MissRate)
}

func TestCache_NoDefaultTTLNeverExpires(t *testing.T) {
	c, clock := newTestCache(t, DefaultConfig())
	c.Put("k", "v", nil)
	clock.Advance(365 * 24 * time.Hour)

	assert.True(t, c.Exists("k"))
	assert.Equal(t, int64(0), c.Stats().Expirations)
}

func TestCache_TTLExpiryCountsExpiration(t *testing.T) {
	c, clock := newTestCache(t, Config{Enabled: true, DefaultTTL: time.Minute})
	c.Put("default", 1, nil)
	c.Put("short", 2, ttl(10*time.Second), "tag")
	c.Put("forever", 3, ttl(0))

	clock.Advance(30 * time.Second)
	_, ok := c.Get("short")
	assert.False(t, ok)
	assert.Empty(t, c.KeysByTag("tag"), "expired entry must leave the tag index")

	clock.Advance(time.Minute)
	assert.False(t, c.Exists("default"))
	assert.True(t, c.Exists("forever"))

	s := c.Stats()
	assert.Equal(t, int64(2), s.Expirations)
	assert.Equal(t, int64(0), s.Evictions)
}

func TestCache_CapacityFIFO(t *testing.T) {
	c, clock := newTestCache(t, Config{Enabled: true, MaxSize: 2})
	c.Put("a", 1, nil)
	clock.Advance(time.Second)
	c.Put("b", 2, nil)
	clock.Advance(time.Second)
	_, _ = c.Get("a")
	c.Put("c", 3, nil)

	assert.Equal(t, 2, c.Size())
	assert.False(t, c.Exists("a"), "oldest by creation is evicted even when recently read")
	assert.True(t, c.Exists("b"))
	assert.True(t, c.Exists("c"))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_CapacityLRU(t *testing.T) {
	c, _ := newTestCache(t, Config{Enabled: true, MaxSize: 2, EvictionPolicy: PolicyLRU})
	c.Put("a", 1, nil)
	c.Put("b", 2, nil)
	_, _ = c.Get("a")
	c.Put("c", 3, nil)

	assert.True(t, c.Exists("a"))
	assert.False(t, c.Exists("b"))
	assert.Equal(t, PolicyLRU, c.Health().EvictionPolicy)
}

func TestCache_SizeNeverExceedsMax(t *testing.T) {
	c, _ := newTestCache(t, Config{Enabled: true, MaxSize: 5})
	for i := 0; i < 50; i++ {
		c.Put(string(rune('a'+i%26))+string(rune('A'+i/26)), i, nil)
		require.LessOrEqual(t, c.Size(), 5)
	}
	assert.Equal(t, int64(45), c.Stats().Evictions)
}

func TestCache_RePutReplacesTags(t *testing.T) {
	c, clock := newTestCache(t, DefaultConfig())
	c.Put("k", 1, nil, "old", "shared")
	clock.Advance(time.Minute)
	c.Put("k", 2, nil, "new")

	assert.Equal(t, []string{"new"}, c.Tags("k"))
	assert.Empty(t, c.KeysByTag("old"))
	assert.Equal(t, []string{"new"}, c.AllTags())
	snap := c.Export()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, clock.Now(), snap.Entries[0].CreatedAt)
}

func TestCache_Tags(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	c.Put("p1", 1, nil, "entity:product")
	c.Put("p2", 2, nil, "entity:product")
	c.Put("a1", 3, nil, "entity:article")

	assert.True(t, c.Tag("a1", "featured"))
	assert.False(t, c.Tag("missing", "featured"))
	assert.Equal(t, []string{"entity:article", "featured"}, c.Tags("a1"))
	assert.Equal(t, []string{"a1", "p1", "p2"}, c.KeysByTags("entity:product", "featured"))

	assert.True(t, c.Untag("a1", "featured"))
	assert.False(t, c.Untag("a1", "featured"))
	assert.Equal(t, []string{"entity:article", "entity:product"}, c.AllTags())

	assert.Equal(t, 2, c.EvictByTag("entity:product"))
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, []string{"entity:article"}, c.AllTags())
	assert.Equal(t, int64(2), c.Stats().Evictions)
}

func TestCache_Patterns(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	for _, k := range []string{"query:product:1", "query:product:2", "query:article:1", "embedding:x"} {
		c.Put(k, k, nil)
	}

	keys, err := c.KeysByPattern(`query:product:.*`)
	require.NoError(t, err)
	assert.Equal(t, []string{"query:product:1", "query:product:2"}, keys)

	keys, err = c.KeysByPattern(`query`)
	require.NoError(t, err)
	assert.Empty(t, keys, "patterns match whole keys")

	n, err := c.EvictByPattern(`query:.*`)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, c.Size())

	_, err = c.EvictByPattern(`(`)
	assert.Error(t, err)
}

func TestCache_Disabled(t *testing.T) {
	c, _ := newTestCache(t, Config{Enabled: false})
	c.Put("k", "v", nil)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.False(t, c.Tag("k", "t"))
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, "DOWN", c.Health().Status)
}

func TestCache_Refresh(t *testing.T) {
	c, clock := newTestCache(t, Config{Enabled: true, DefaultTTL: time.Minute})
	c.Put("a", 1, nil, "t")
	c.Put("b", 2, nil, "t")
	clock.Advance(50 * time.Second)

	assert.True(t, c.Refresh("a"))
	assert.Equal(t, 2, c.RefreshByTag("t"))
	n, err := c.RefreshByPattern("a|b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clock.Advance(50 * time.Second)
	assert.True(t, c.Exists("a"))
	assert.True(t, c.Exists("b"))
	assert.False(t, c.Refresh("missing"))
}

func TestCache_GetOrLoadSingleflight(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	var calls int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "loaded", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", nil, loader)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, "loaded", v)
	}
	assert.Equal(t, int64(1), c.Stats().Loads)

	v, err := c.GetOrLoad(context.Background(), "k", nil, func(context.Context) (any, error) {
		t.Fatal("loader must not run for a cached key")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)
}

func TestCache_GetOrLoadErrorNotCached(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	boom := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), "k", nil, func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Exists("k"))
}

func TestCache_UpdateConfig(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	for _, k := range []string{"a", "b", "c", "d"} {
		c.Put(k, k, nil)
	}
	require.NoError(t, c.UpdateConfig(Config{Enabled: true, MaxSize: 2, EvictionPolicy: PolicyLRU}))
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, PolicyLRU, c.Config().EvictionPolicy)
	assert.Error(t, c.UpdateConfig(Config{EvictionPolicy: "random"}))
}

func TestCache_ClearAndShutdown(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	c.Put("k", "v", nil, "t")
	_, _ = c.Get("k")

	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.AllTags())
	assert.Equal(t, int64(0), c.Stats().Requests)
	assert.True(t, c.Enabled())

	c.Shutdown()
	assert.False(t, c.Enabled())
	c.Put("k", "v", nil)
	assert.Equal(t, 0, c.Size())
}

func TestCache_StatisticsHelpers(t *testing.T) {
	c, clock := newTestCache(t, Config{Enabled: true, MaxSize: 10, DefaultTTL: time.Minute})
	assert.Equal(t, 3, c.WarmUp(map[string]any{"a": 1, "b": 2, "c": 3}))
	for i := 0; i < 3; i++ {
		_, _ = c.Get("b")
	}
	_, _ = c.Get("a")

	assert.Equal(t, []string{"b", "a"}, c.TopKeys(5))
	assert.Equal(t, []string{"b"}, c.TopKeys(1))
	assert.Empty(t, c.TopKeys(0))

	m := c.Metrics()
	assert.Equal(t, 3, m["size"])
	assert.Equal(t, int64(4), m["hits"])

	assert.Empty(t, c.Recommendations())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 3, c.Optimize())
	assert.Equal(t, int64(3), c.Stats().Expirations)

	c.ResetStatistics()
	assert.Contains(t, c.Recommendations()[0], "hit rate")
}

func TestCache_PutCountsLoads(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	c.Put("a", 1, nil)
	c.Put("a", 2, nil)
	c.Put("b", 3, nil)

	assert.Equal(t, int64(3), c.Stats().Loads)
	ks, ok := c.KeyStatistics("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), ks.Loads)

	boom := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), "c", nil, func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, err = c.GetOrLoad(context.Background(), "d", nil, func(context.Context) (any, error) { return 4, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.Stats().Loads, "a loader run counts once whether or not it fails")
}

func TestCache_KeyHistorySurvivesRemoval(t *testing.T) {
	c, clock := newTestCache(t, Config{Enabled: true, DefaultTTL: time.Minute})
	c.Put("gone", 1, nil)
	c.Put("kept", 2, nil)
	for i := 0; i < 3; i++ {
		_, _ = c.Get("gone")
	}
	_, _ = c.Get("kept")
	assert.True(t, c.Evict("gone"))
	_, _ = c.Get("gone")

	assert.Equal(t, []string{"gone", "kept"}, c.TopKeys(5))
	ks, ok := c.KeyStatistics("gone")
	require.True(t, ok)
	assert.Equal(t, KeyStats{Hits: 3, Misses: 1, Loads: 1}, ks)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, c.Size(), "size sweeps expired entries")
	assert.Equal(t, int64(1), c.Stats().Expirations)
	assert.Equal(t, []string{"gone", "kept"}, c.TopKeys(5))

	c.ResetStatistics()
	assert.Empty(t, c.TopKeys(5))
	_, ok = c.KeyStatistics("gone")
	assert.False(t, ok)
}

func TestNew_UnknownPolicy(t *testing.T) {
	_, err := New(Config{EvictionPolicy: "random"})
	assert.Error(t, err)
}
