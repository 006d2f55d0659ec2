package cache

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

type counters struct {
	requests      atomic.Int64
	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	expirations   atomic.Int64
	loads         atomic.Int64
	loadNanos     atomic.Int64
	responseNanos atomic.Int64
}

func (c *counters) reset() {
	c.requests.Store(0)
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.expirations.Store(0)
	c.loads.Store(0)
	c.loadNanos.Store(0)
	c.responseNanos.Store(0)
}

// hitRatio returns hits over hits plus misses, in [0, 1].
func (c *counters) hitRatio() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Stats is a point-in-time view of the cache counters. Rates are percentages.
type Stats struct {
	Enabled             bool          `json:"enabled"`
	Size                int           `json:"size"`
	MaxSize             int           `json:"max_size"`
	EvictionPolicy      string        `json:"eviction_policy"`
	Requests            int64         `json:"requests"`
	Hits                int64         `json:"hits"`
	Misses              int64         `json:"misses"`
	Evictions           int64         `json:"evictions"`
	Expirations         int64         `json:"expirations"`
	Loads               int64         `json:"loads"`
	HitRate             float64       `json:"hit_rate"`
	MissRate            float64       `json:"miss_rate"`
	AverageLoadTime     time.Duration `json:"average_load_time"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// Stats returns the current statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Enabled:        c.cfg.Enabled,
		Size:           len(c.entries),
		MaxSize:        c.cfg.MaxSize,
		EvictionPolicy: c.policy.Name(),
	}
	c.mu.Unlock()

	s.Requests = c.counters.requests.Load()
	s.Hits = c.counters.hits.Load()
	s.Misses = c.counters.misses.Load()
	s.Evictions = c.counters.evictions.Load()
	s.Expirations = c.counters.expirations.Load()
	s.Loads = c.counters.loads.Load()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
		s.MissRate = float64(s.Misses) / float64(total) * 100
	}
	if s.Loads > 0 {
		s.AverageLoadTime = time.Duration(c.counters.loadNanos.Load() / s.Loads)
	}
	if s.Requests > 0 {
		s.AverageResponseTime = time.Duration(c.counters.responseNanos.Load() / s.Requests)
	}
	return s
}

// ResetStatistics zeroes the counters and forgets per-key statistics.
func (c *Cache) ResetStatistics() {
	c.counters.reset()
	c.mu.Lock()
	c.keys = make(map[string]*keyStats)
	c.mu.Unlock()
}

// KeyStats is the per-key history kept across eviction and expiry.
type KeyStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Loads  int64 `json:"loads"`
}

// KeyStatistics returns the history of key since the last reset.
func (c *Cache) KeyStatistics(key string) (KeyStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks, ok := c.keys[key]
	if !ok {
		return KeyStats{}, false
	}
	return KeyStats{Hits: ks.hits, Misses: ks.misses, Loads: ks.loads}, true
}

// TopKeys returns up to n keys with the most hits, most hit first. Keys keep
// their hits after eviction or expiry.
func (c *Cache) TopKeys(n int) []string {
	if n <= 0 {
		return []string{}
	}
	type keyHits struct {
		key  string
		hits int64
	}
	c.mu.Lock()
	all := make([]keyHits, 0, len(c.keys))
	for k, ks := range c.keys {
		if ks.hits > 0 {
			all = append(all, keyHits{k, ks.hits})
		}
	}
	c.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].hits != all[j].hits {
			return all[i].hits > all[j].hits
		}
		return all[i].key < all[j].key
	})
	if len(all) > n {
		all = all[:n]
	}
	keys := make([]string, len(all))
	for i, kh := range all {
		keys[i] = kh.key
	}
	return keys
}

// Health summarizes the cache for health checks.
type Health struct {
	Status         string  `json:"status"`
	Size           int     `json:"size"`
	HitRate        float64 `json:"hit_rate"`
	Evictions      int64   `json:"evictions"`
	EvictionPolicy string  `json:"eviction_policy"`
}

// Health sweeps expired entries and reports UP while the cache is enabled.
func (c *Cache) Health() Health {
	c.mu.Lock()
	c.sweepLocked()
	h := Health{
		Status:         "DOWN",
		Size:           len(c.entries),
		EvictionPolicy: c.policy.Name(),
	}
	if c.cfg.Enabled {
		h.Status = "UP"
	}
	c.mu.Unlock()
	h.HitRate = c.counters.hitRatio() * 100
	h.Evictions = c.counters.evictions.Load()
	return h
}

// Metrics returns the counters as a flat map.
func (c *Cache) Metrics() map[string]any {
	c.mu.Lock()
	c.sweepLocked()
	size := len(c.entries)
	var memory int64
	for k, e := range c.entries {
		memory += int64(len(k)) + estimateSize(e.value)
	}
	enabled := c.cfg.Enabled
	c.mu.Unlock()

	return map[string]any{
		"enabled":      enabled,
		"size":         size,
		"memory_usage": memory,
		"requests":     c.counters.requests.Load(),
		"hits":         c.counters.hits.Load(),
		"misses":       c.counters.misses.Load(),
		"evictions":    c.counters.evictions.Load(),
		"expirations":  c.counters.expirations.Load(),
		"loads":        c.counters.loads.Load(),
	}
}

// estimateSize is a rough byte count used for reporting only.
func estimateSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	case []float32:
		return int64(len(x)) * 4
	case []any:
		return int64(len(x)) * 32
	case map[string]any:
		return int64(len(x)) * 64
	default:
		return 64
	}
}

// Recommendations suggests configuration changes based on the counters.
func (c *Cache) Recommendations() []string {
	s := c.Stats()
	var recs []string
	if s.HitRate < 50 {
		recs = append(recs, "Consider widening the TTL or reviewing the cache key strategy to improve the hit rate.")
	}
	if s.MaxSize > 0 && float64(s.Size) > float64(s.MaxSize)*0.9 {
		recs = append(recs, "Cache is nearing capacity; consider raising max_size.")
	}
	if s.Evictions > 0 {
		recs = append(recs, fmt.Sprintf("Monitor eviction pressure; %d entries evicted under the %s policy.", s.Evictions, s.EvictionPolicy))
	}
	return recs
}
