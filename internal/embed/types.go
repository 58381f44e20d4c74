// Package embed provides embedding providers for chunk and query text.
// The Ollama provider is the default; the static provider backs tests and
// offline use. Provider failure is a normal, recoverable outcome for the
// pipeline: a chunk without a vector is still lexically searchable.
package embed

import (
	"context"
	"math"
	"time"
)

// Defaults for the Ollama provider.
const (
	DefaultOllamaHost = "http://localhost:11434"
	DefaultModel      = "bge-m3"

	// DefaultDimensions matches bge-m3 output when auto-detection is
	// skipped.
	DefaultDimensions = 1024

	// DefaultBatchSize is the number of texts per provider call.
	DefaultBatchSize = 10

	// DefaultTimeout bounds a single embedding request. Cold model loads
	// can take tens of seconds.
	DefaultTimeout = 60 * time.Second
)

// Embedder generates embedding vectors for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving
	// order. Empty texts yield zero vectors without a provider call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the provider is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Normalize scales a vector to unit length in place and returns it.
// Zero vectors pass through unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
