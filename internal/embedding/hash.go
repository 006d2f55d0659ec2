package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/hyperjump/kioku/pkg/utils"
)

// HashProvider is a deterministic offline provider. Each word is hashed into
// a signed bucket, so texts sharing words point in similar directions. The
// result is unit length.
type HashProvider struct {
	dimensions int
}

// NewHashProvider returns a provider of the given dimensions (384 when <= 0).
func NewHashProvider(dimensions int) *HashProvider {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashProvider{dimensions: dimensions}
}

// Embed never fails.
func (h *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	emb := make([]float32, h.dimensions)
	words := splitWords(text)
	if len(words) == 0 {
		// No words: derive a fixed direction from the raw text.
		seed := float64(hashString(text) % 1000003)
		for i := range emb {
			emb[i] = float32(math.Sin(seed*float64(i+1))*0.1 + 0.01)
		}
	}
	for _, w := range words {
		sum := hashString(w)
		bucket := int(sum % uint64(h.dimensions))
		if sum&(1<<63) != 0 {
			emb[bucket] -= 1
		} else {
			emb[bucket] += 1
		}
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// Dimensions returns the embedding length.
func (h *HashProvider) Dimensions() int {
	return h.dimensions
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
