package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/kioku/internal/cache"
	"go.uber.org/zap"
)

// CachedProvider memoizes another provider in a cache keyed by model and text.
// Concurrent requests for the same text share one upstream call.
type CachedProvider struct {
	next   Provider
	cache  *cache.Cache
	model  string
	logger *zap.Logger
}

// NewCachedProvider wraps next.
func NewCachedProvider(next Provider, c *cache.Cache, model string, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{next: next, cache: c, model: model, logger: logger}
}

// Embed returns a copy of the cached embedding, loading it on a miss.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := "embedding:" + p.model + ":" + text
	v, err := p.cache.GetOrLoad(ctx, key, nil, func(ctx context.Context) (any, error) {
		return p.next.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	emb, ok := v.([]float32)
	if !ok {
		// Entries restored from a snapshot decode as JSON arrays.
		if emb, ok = fromJSON(v); ok {
			p.cache.Put(key, emb, nil)
		} else {
			p.logger.Debug("discarding non-vector cache entry", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", v)))
			p.cache.Evict(key)
			return p.Embed(ctx, text)
		}
	}
	return append([]float32(nil), emb...), nil
}

// Dimensions returns the wrapped provider's dimensions.
func (p *CachedProvider) Dimensions() int {
	return p.next.Dimensions()
}

func fromJSON(v any) ([]float32, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	out := make([]float32, len(arr))
	for i, x := range arr {
		f, ok := x.(float64)
		if !ok {
			return nil, false
		}
		out[i] = float32(f)
	}
	return out, true
}
