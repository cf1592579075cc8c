// Package embed generates vector embeddings for entity text and detects
// when regeneration is actually needed via content fingerprints.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants.
const (
	// DefaultDimensions is the embedding dimension for the default
	// provider model (text-embedding-3-small).
	DefaultDimensions = 1536

	// StaticDimensions is the embedding dimension for the static embedder.
	StaticDimensions = 256

	// DefaultTimeout bounds a single provider call.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for
	// transient failures.
	DefaultMaxRetries = 3

	// DefaultMaxInputChars is the input length budget; longer text is
	// truncated before the provider call to prevent oversized requests.
	DefaultMaxInputChars = 8000

	// DefaultQueryCacheSize is the default LRU size for cached query
	// embeddings. At 1536 dims * 4 bytes * 1000 entries ≈ 6MB memory.
	DefaultQueryCacheSize = 1000
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
