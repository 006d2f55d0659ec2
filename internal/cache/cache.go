// Package cache provides an in-process cache with TTLs, tags, pluggable
// eviction and usage statistics.
package cache

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/hyperjump/kioku/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config holds the runtime-adjustable cache settings.
type Config struct {
	Enabled bool
	// DefaultTTL applies when Put gets a nil ttl. Zero or negative never expires.
	DefaultTTL time.Duration
	// MaxSize bounds the number of entries. Zero or negative is unbounded.
	MaxSize        int
	EvictionPolicy string
}

// DefaultConfig returns an enabled, unbounded FIFO cache without expiry.
func DefaultConfig() Config {
	return Config{Enabled: true, EvictionPolicy: PolicyFIFO}
}

type entry struct {
	value     any
	expiresAt time.Time // zero never expires
	createdAt time.Time
	tags      map[string]struct{}
}

// keyStats outlives the entry it describes until statistics are reset.
type keyStats struct {
	hits   int64
	misses int64
	loads  int64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	tagged  map[string]map[string]struct{} // tag -> keys
	policy  EvictionPolicy

	counters counters
	keys     map[string]*keyStats
	loads    singleflight.Group

	name   string
	now    func() time.Time
	logger *zap.Logger
	sink   metrics.Sink
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for TTLs and creation times.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics reports the hit ratio to sink under name after every lookup.
func WithMetrics(name string, sink metrics.Sink) Option {
	return func(c *Cache) {
		if sink != nil {
			c.name = name
			c.sink = sink
		}
	}
}

// New creates a cache. It fails only for an unknown eviction policy.
func New(cfg Config, opts ...Option) (*Cache, error) {
	policy, err := newPolicy(cfg.EvictionPolicy)
	if err != nil {
		return nil, err
	}
	cfg.EvictionPolicy = policy.Name()
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		tagged:  make(map[string]map[string]struct{}),
		keys:    make(map[string]*keyStats),
		policy:  policy,
		name:    "cache",
		now:     time.Now,
		logger:  zap.NewNop(),
		sink:    metrics.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the current settings.
func (c *Cache) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Enabled reports whether the cache accepts reads and writes.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Enabled
}

// Get returns the live value stored under key. Expired entries are removed
// and counted as expirations.
func (c *Cache) Get(key string) (any, bool) {
	start := time.Now()
	c.mu.Lock()
	if !c.cfg.Enabled {
		c.mu.Unlock()
		return nil, false
	}
	c.counters.requests.Add(1)
	e, ok := c.liveLocked(key)
	if ok {
		c.keyStatsLocked(key).hits++
		c.policy.Accessed(key)
		c.counters.hits.Add(1)
	} else {
		c.keyStatsLocked(key).misses++
		c.counters.misses.Add(1)
	}
	c.mu.Unlock()

	c.counters.responseNanos.Add(time.Since(start).Nanoseconds())
	c.sink.CacheHitRate(c.name, c.counters.hitRatio())
	if !ok {
		return nil, false
	}
	return e.value, true
}

// liveLocked returns the entry for key unless it is absent or expired.
func (c *Cache) liveLocked(key string) (*entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		c.removeLocked(key, true)
		return nil, false
	}
	return e, true
}

func (c *Cache) keyStatsLocked(key string) *keyStats {
	ks, ok := c.keys[key]
	if !ok {
		ks = &keyStats{}
		c.keys[key] = ks
	}
	return ks
}

// Put stores value under key, replacing any existing entry with its tags. A
// nil ttl uses the default TTL; a ttl <= 0 never expires. Every put counts as
// a load.
func (c *Cache) Put(key string, value any, ttl *time.Duration, tags ...string) {
	c.put(key, value, ttl, tags, time.Now())
}

// put stores value and records a load timed from start.
func (c *Cache) put(key string, value any, ttl *time.Duration, tags []string, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled {
		return
	}
	effective := c.cfg.DefaultTTL
	if ttl != nil {
		effective = *ttl
	}
	now := c.now()
	var expiresAt time.Time
	if effective > 0 {
		expiresAt = now.Add(effective)
	}
	c.insertLocked(key, &entry{value: value, expiresAt: expiresAt, createdAt: now}, tags)
	c.enforceCapacityLocked()
	c.keyStatsLocked(key).loads++
	c.counters.loads.Add(1)
	c.counters.loadNanos.Add(time.Since(start).Nanoseconds())
}

func (c *Cache) insertLocked(key string, e *entry, tags []string) {
	if old, ok := c.entries[key]; ok {
		c.untagAllLocked(key, old)
	}
	e.tags = make(map[string]struct{}, len(tags))
	c.entries[key] = e
	for _, t := range tags {
		c.tagLocked(key, e, t)
	}
	c.policy.Added(key)
}

func (c *Cache) enforceCapacityLocked() {
	if c.cfg.MaxSize <= 0 {
		return
	}
	for len(c.entries) > c.cfg.MaxSize {
		victim, ok := c.policy.Victim()
		if !ok {
			return
		}
		c.removeLocked(victim, false)
		c.logger.Debug("cache entry evicted", zap.String("key", victim), zap.String("policy", c.policy.Name()))
	}
}

// removeLocked drops key and its tag memberships, counting an expiration or
// an eviction.
func (c *Cache) removeLocked(key string, expired bool) bool {
	e, ok := c.entries[key]
	if !ok {
		c.policy.Removed(key)
		return false
	}
	delete(c.entries, key)
	c.untagAllLocked(key, e)
	c.policy.Removed(key)
	if expired {
		c.counters.expirations.Add(1)
	} else {
		c.counters.evictions.Add(1)
	}
	return true
}

// Evict removes key. It reports whether an entry was removed.
func (c *Cache) Evict(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(key, false)
}

// EvictByPattern removes every key fully matching the regular expression.
func (c *Cache) EvictByPattern(pattern string) (int, error) {
	keys, err := c.KeysByPattern(pattern)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range keys {
		if c.removeLocked(k, false) {
			n++
		}
	}
	return n, nil
}

// EvictByTag removes every key carrying tag.
func (c *Cache) EvictByTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range sortedKeys(c.tagged[tag]) {
		if c.removeLocked(k, false) {
			n++
		}
	}
	return n
}

// Exists reports whether key holds a live entry.
func (c *Cache) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.liveLocked(key)
	return ok
}

// Size sweeps expired entries and returns the number of live ones.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	return len(c.entries)
}

// GetOrLoad returns the cached value for key, or runs loader once across
// concurrent callers and caches its result. Loader errors are not cached but
// still count as a load.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl *time.Duration, loader func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.loads.Do(key, func() (any, error) {
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		start := time.Now()
		v, err := loader(ctx)
		if err != nil {
			c.counters.loads.Add(1)
			c.counters.loadNanos.Add(time.Since(start).Nanoseconds())
			return nil, err
		}
		c.put(key, v, ttl, nil, start)
		return v, nil
	})
	return v, err
}

// peek reads a live value without touching statistics.
func (c *Cache) peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled {
		return nil, false
	}
	e, ok := c.liveLocked(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Tag adds tag to a live key.
func (c *Cache) Tag(key, tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled {
		return false
	}
	e, ok := c.liveLocked(key)
	if !ok {
		return false
	}
	c.tagLocked(key, e, tag)
	return true
}

func (c *Cache) tagLocked(key string, e *entry, tag string) {
	e.tags[tag] = struct{}{}
	keys, ok := c.tagged[tag]
	if !ok {
		keys = make(map[string]struct{})
		c.tagged[tag] = keys
	}
	keys[key] = struct{}{}
}

// Untag removes tag from key. It reports whether the key carried it.
func (c *Cache) Untag(key, tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if _, ok := e.tags[tag]; !ok {
		return false
	}
	delete(e.tags, tag)
	c.dropFromTagLocked(key, tag)
	return true
}

func (c *Cache) untagAllLocked(key string, e *entry) {
	for t := range e.tags {
		c.dropFromTagLocked(key, t)
	}
}

func (c *Cache) dropFromTagLocked(key, tag string) {
	keys := c.tagged[tag]
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.tagged, tag)
	}
}

// Tags returns the sorted tags of key.
func (c *Cache) Tags(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return []string{}
	}
	return sortedKeys(e.tags)
}

// AllTags returns every tag carried by at least one entry.
func (c *Cache) AllTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.tagged))
	for t := range c.tagged {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// KeysByTag returns the sorted keys carrying tag.
func (c *Cache) KeysByTag(tag string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.tagged[tag])
}

// KeysByTags returns the sorted union of keys carrying any of tags.
func (c *Cache) KeysByTags(tags ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	union := make(map[string]struct{})
	for _, t := range tags {
		for k := range c.tagged[t] {
			union[k] = struct{}{}
		}
	}
	return sortedKeys(union)
}

// KeysByPattern returns the sorted keys fully matching the regular expression.
func (c *Cache) KeysByPattern(pattern string) ([]string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0)
	for k := range c.entries {
		if re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
	}
	return re, nil
}

// Refresh restarts the default TTL of key, keeping its creation time. It does
// nothing when the default TTL never expires.
func (c *Cache) Refresh(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(key)
}

func (c *Cache) refreshLocked(key string) bool {
	if c.cfg.DefaultTTL <= 0 {
		return false
	}
	e, ok := c.liveLocked(key)
	if !ok {
		return false
	}
	e.expiresAt = c.now().Add(c.cfg.DefaultTTL)
	return true
}

// RefreshByPattern refreshes every key fully matching the regular expression.
func (c *Cache) RefreshByPattern(pattern string) (int, error) {
	keys, err := c.KeysByPattern(pattern)
	if err != nil {
		return 0, err
	}
	return c.refreshKeys(keys), nil
}

// RefreshByTag refreshes every key carrying tag.
func (c *Cache) RefreshByTag(tag string) int {
	return c.refreshKeys(c.KeysByTag(tag))
}

func (c *Cache) refreshKeys(keys []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range keys {
		if c.refreshLocked(k) {
			n++
		}
	}
	return n
}

// Clear drops every entry and resets statistics.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()
	c.ResetStatistics()
}

func (c *Cache) clearLocked() {
	c.entries = make(map[string]*entry)
	c.tagged = make(map[string]map[string]struct{})
	c.policy, _ = newPolicy(c.policy.Name())
}

// UpdateConfig applies new settings and enforces the new capacity at once.
// Changing the eviction policy replays existing keys in creation order.
func (c *Cache) UpdateConfig(cfg Config) error {
	policy, err := newPolicy(cfg.EvictionPolicy)
	if err != nil {
		return err
	}
	cfg.EvictionPolicy = policy.Name()

	c.mu.Lock()
	defer c.mu.Unlock()
	if policy.Name() != c.policy.Name() {
		keys := make([]string, 0, len(c.entries))
		for k := range c.entries {
			keys = append(keys, k)
		}
		sort.SliceStable(keys, func(i, j int) bool {
			return c.entries[keys[i]].createdAt.Before(c.entries[keys[j]].createdAt)
		})
		for _, k := range keys {
			policy.Added(k)
		}
		c.policy = policy
	}
	c.cfg = cfg
	c.enforceCapacityLocked()
	c.logger.Info("cache configuration updated",
		zap.Bool("enabled", cfg.Enabled),
		zap.Duration("default_ttl", cfg.DefaultTTL),
		zap.Int("max_size", cfg.MaxSize),
		zap.String("eviction_policy", cfg.EvictionPolicy))
	return nil
}

// WarmUp stores every pair with the default TTL, in key order.
func (c *Cache) WarmUp(data map[string]any) int {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.Put(k, data[k], nil)
	}
	return len(keys)
}

// Optimize sweeps expired entries and enforces capacity. It returns the
// number of expired entries removed.
func (c *Cache) Optimize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.sweepLocked()
	c.enforceCapacityLocked()
	return n
}

func (c *Cache) sweepLocked() int {
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(k, true)
			n++
		}
	}
	return n
}

// Shutdown clears the cache and disables it.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	c.clearLocked()
	c.cfg.Enabled = false
	c.mu.Unlock()
	c.ResetStatistics()
	c.logger.Info("cache shut down")
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
