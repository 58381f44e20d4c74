// Package store persists anonymized patient chunks: a SQLite database
// holds document rows plus an FTS5 table for lexical search, and an HNSW
// graph holds embedding vectors for semantic search. Both sides address a
// chunk by the same composite key so search results can be fused.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prontu-labs/clinrag/internal/chunk"
)

// IndexedDocument is one chunk as stored and returned by the document
// store. Embedding is nil when the embedding provider failed for this
// chunk; such documents stay searchable lexically.
type IndexedDocument struct {
	PatientHash      string
	DocPath          string
	Context          string
	Tags             []string
	Content          string
	EmbeddingContent string
	Embedding        []float32
	Metadata         chunk.Metadata
	DayOffset        *int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Key returns the composite document key shared by the document store
// and the vector store.
func (d *IndexedDocument) Key() string {
	return Key(d.PatientHash, d.DocPath)
}

// Key builds the composite document key. Patient hashes are hex and
// doc paths never contain a colon, so the separator is unambiguous.
func Key(patientHash, docPath string) string {
	return patientHash + ":" + docPath
}

// SplitKey splits a composite document key back into its parts.
func SplitKey(key string) (patientHash, docPath string, err error) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return "", "", fmt.Errorf("malformed document key %q", key)
	}
	return key[:i], key[i+1:], nil
}

// Filters narrows a search to one patient's documents. PatientHash is
// mandatory; everything else is optional.
type Filters struct {
	PatientHash   string
	Context       string
	Tags          []string
	DayOffsetFrom *int
	DayOffsetTo   *int
	DocPathPrefix string
}

// Validate rejects filters that would search across patients.
func (f Filters) Validate() error {
	if f.PatientHash == "" {
		return fmt.Errorf("patient hash filter is required")
	}
	return nil
}

// LexicalResult is a single FTS5 BM25 search result.
type LexicalResult struct {
	Key          string
	Score        float64
	MatchedTerms []string
}

// VectorResult is a single vector search result.
type VectorResult struct {
	Key      string
	Distance float32 // lower is more similar (0-2 for cosine)
	Score    float32 // normalized similarity (0-1)
}

// DocumentStore persists chunk rows and serves lexical search.
type DocumentStore interface {
	// Upsert writes documents, updating in place on (patient_hash, doc_path).
	Upsert(ctx context.Context, docs []*IndexedDocument) error

	// SearchLexical returns BM25-scored matches within the filters.
	SearchLexical(ctx context.Context, query string, filters Filters, limit int) ([]*LexicalResult, error)

	// FilterKeys returns the keys of documents matching the filters that
	// carry an embedding. Used as the allow-set for the vector leg.
	FilterKeys(ctx context.Context, filters Filters) (map[string]struct{}, error)

	// Get returns one document or nil when absent.
	Get(ctx context.Context, patientHash, docPath string) (*IndexedDocument, error)

	// GetByKeys returns documents for the given composite keys. Missing
	// keys are silently skipped.
	GetByKeys(ctx context.Context, keys []string) ([]*IndexedDocument, error)

	// GetByPaths returns one patient's documents for the given doc paths.
	GetByPaths(ctx context.Context, patientHash string, paths []string) ([]*IndexedDocument, error)

	// DeletePatient removes all of a patient's documents and returns
	// the keys that were removed.
	DeletePatient(ctx context.Context, patientHash string) ([]string, error)

	// CountByPatient returns the number of indexed documents for a patient.
	CountByPatient(ctx context.Context, patientHash string) (int, error)

	Close() error
}

// VectorStore serves nearest-neighbor search over chunk embeddings.
type VectorStore interface {
	// Add inserts vectors with their keys. Existing keys are replaced.
	Add(ctx context.Context, keys []string, vectors [][]float32) error

	// Search finds k nearest neighbors to the query vector.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by key.
	Delete(ctx context.Context, keys []string) error

	// AllKeys returns all vector keys (for consistency checks).
	AllKeys() []string

	// Contains checks if a key exists.
	Contains(key string) bool

	// Count returns the number of vectors.
	Count() int

	Save(path string) error
	Load(path string) error
	Close() error
}

// VectorStoreConfig configures the HNSW vector store.
type VectorStoreConfig struct {
	// Dimensions is the embedding dimension (1024 for bge-m3).
	Dimensions int

	// Metric is the distance metric: "cos" or "l2" (default: "cos").
	Metric string

	// M is the HNSW max connections per layer (default: 16).
	M int

	// EfSearch is the HNSW query-time search width (default: 20).
	EfSearch int
}

// DefaultVectorStoreConfig returns defaults for the given dimension.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   20,
	}
}

// ErrDimensionMismatch indicates a vector dimension mismatch, usually
// from switching embedding models without reindexing.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (reindex with the current embedding model)", e.Expected, e.Got)
}
