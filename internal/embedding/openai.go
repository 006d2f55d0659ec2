package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures OpenAIProvider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // optional, e.g. a compatible gateway or a test server
	Model   string
	// Dimensions is requested from the API when > 0 and checked on every reply.
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIProvider calls the OpenAI embeddings endpoint.
type OpenAIProvider struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIProvider returns an error when the API key is missing.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: missing api_key in config")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), cfg: cfg}, nil
}

// Embed requests one embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: openai.EmbeddingModel(p.cfg.Model),
	}
	if p.cfg.Dimensions > 0 {
		params.Dimensions = openai.Int(int64(p.cfg.Dimensions))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: empty embedding response")
	}
	raw := resp.Data[0].Embedding
	if p.cfg.Dimensions > 0 && len(raw) != p.cfg.Dimensions {
		return nil, fmt.Errorf("openai: got %d dimensions, want %d", len(raw), p.cfg.Dimensions)
	}
	emb := make([]float32, len(raw))
	for i, v := range raw {
		emb[i] = float32(v)
	}
	return emb, nil
}

// Dimensions returns the configured embedding length.
func (p *OpenAIProvider) Dimensions() int {
	return p.cfg.Dimensions
}
