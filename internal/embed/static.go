package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// StaticEmbedder produces deterministic hash-based pseudo-embeddings with
// no external dependency. Identical text always yields the identical
// vector, which is all the pipeline's tests and offline mode need; there
// is no semantic signal in the output.
type StaticEmbedder struct {
	dims int
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder. dims <= 0 uses the default.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &StaticEmbedder{dims: dims}
}

// Embed generates a deterministic unit vector from the text hash.
func (e *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return make([]float32, e.dims), nil
	}

	vec := make([]float32, e.dims)
	seed := sha256.Sum256([]byte(text))

	// Stretch the 32-byte digest across the vector by re-hashing with a
	// counter, 8 floats per block.
	var block [36]byte
	copy(block[:32], seed[:])
	for i := 0; i < e.dims; i += 8 {
		binary.LittleEndian.PutUint32(block[32:], uint32(i))
		h := sha256.Sum256(block[:])
		for j := 0; j < 8 && i+j < e.dims; j++ {
			bits := binary.LittleEndian.Uint32(h[j*4 : j*4+4])
			// Map to [-1, 1)
			vec[i+j] = float32(int32(bits)) / float32(math.MaxInt32)
		}
	}

	return Normalize(vec), nil
}

// EmbedBatch generates deterministic vectors for each text.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the static model identifier.
func (e *StaticEmbedder) ModelName() string {
	return "static"
}

// Available always reports true.
func (e *StaticEmbedder) Available(_ context.Context) bool {
	return true
}

// Close is a no-op.
func (e *StaticEmbedder) Close() error {
	return nil
}
