package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps another embedder with an LRU cache keyed by model
// and text. Re-indexing a patient repeats most chunk texts verbatim, so
// the cache saves the bulk of provider calls on subsequent runs within a
// process.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]

	hits   int64
	misses int64
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with a cache of the given capacity.
func NewCachedEmbedder(inner Embedder, capacity int) (*CachedEmbedder, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	cache, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(e.inner.ModelName() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns a cached vector or delegates to the inner embedder.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if vec, ok := e.cache.Get(key); ok {
		e.hits++
		return vec, nil
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.misses++
	e.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch serves cached entries locally and forwards only the misses.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if vec, ok := e.cache.Get(e.cacheKey(text)); ok {
			e.hits++
			results[i] = vec
		} else {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
		}
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := e.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for i, vec := range vecs {
		e.misses++
		results[missIdx[i]] = vec
		e.cache.Add(e.cacheKey(missTexts[i]), vec)
	}

	return results, nil
}

// Stats returns cache hit/miss counters.
func (e *CachedEmbedder) Stats() (hits, misses int64) {
	return e.hits, e.misses
}

// Dimensions delegates to the inner embedder.
func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// ModelName delegates to the inner embedder.
func (e *CachedEmbedder) ModelName() string {
	return e.inner.ModelName()
}

// Available delegates to the inner embedder.
func (e *CachedEmbedder) Available(ctx context.Context) bool {
	return e.inner.Available(ctx)
}

// Close delegates to the inner embedder.
func (e *CachedEmbedder) Close() error {
	return e.inner.Close()
}
