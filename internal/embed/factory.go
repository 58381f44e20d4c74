package embed

import (
	"context"

	"github.com/prontu-labs/clinrag/internal/config"
)

// NewFromConfig builds the configured embedding provider wrapped in the
// LRU cache. The static provider never fails; Ollama fails fast when the
// endpoint is unreachable so indexing does not start half-broken.
func NewFromConfig(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	var inner Embedder

	switch cfg.Provider {
	case "static":
		inner = NewStaticEmbedder(cfg.Dimensions)
	default:
		ollama, err := NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		inner = ollama
	}

	return NewCachedEmbedder(inner, cfg.CacheSize)
}
