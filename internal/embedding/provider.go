// Package embedding turns text into vectors for the retrieval pipeline.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/cache"
	"go.uber.org/zap"
)

// Provider produces vector embeddings for text. Errors are returned unchanged
// to the caller.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Provider names accepted by Config.Provider.
const (
	ProviderHash   = "hash"
	ProviderOpenAI = "openai"
)

// Config selects and configures a provider.
type Config struct {
	Provider   string
	Dimensions int
	Model      string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
}

// NewProvider creates the provider named by cfg.Provider. When c is non-nil the
// provider is wrapped in a CachedProvider.
func NewProvider(cfg Config, c *cache.Cache, logger *zap.Logger) (Provider, error) {
	var p Provider
	switch strings.ToLower(cfg.Provider) {
	case ProviderHash, "":
		p = NewHashProvider(cfg.Dimensions)
	case ProviderOpenAI:
		op, err := NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		p = op
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: hash, openai)", cfg.Provider)
	}
	if c != nil {
		return NewCachedProvider(p, c, modelName(cfg), logger), nil
	}
	return p, nil
}

func modelName(cfg Config) string {
	if strings.EqualFold(cfg.Provider, ProviderOpenAI) {
		return cfg.Model
	}
	return fmt.Sprintf("hash-%d", cfg.Dimensions)
}
