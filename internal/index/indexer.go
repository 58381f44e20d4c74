// Package index turns anonymized patient documents into persisted,
// searchable chunks: chunking, batched embedding, and idempotent upsert
// into the document and vector stores.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prontu-labs/clinrag/internal/anonymize"
	"github.com/prontu-labs/clinrag/internal/chunk"
	"github.com/prontu-labs/clinrag/internal/embed"
	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
	"github.com/prontu-labs/clinrag/internal/store"
)

// DefaultBatchSize is the number of chunks embedded and upserted per
// batch. Batches run sequentially to bound peak memory and provider
// concurrency.
const DefaultBatchSize = 10

// Summary reports an indexing run.
type Summary struct {
	Success bool `json:"success"`
	Chunks  int  `json:"chunks"`
}

// Indexer persists one patient's chunks into both stores.
type Indexer struct {
	docs      store.DocumentStore
	vectors   store.VectorStore
	embedder  embed.Embedder
	chunker   *chunk.Chunker
	batchSize int
	logger    *slog.Logger
}

// IndexerOption configures the indexer.
type IndexerOption func(*Indexer)

// WithBatchSize overrides the embedding batch size.
func WithBatchSize(n int) IndexerOption {
	return func(i *Indexer) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) IndexerOption {
	return func(i *Indexer) {
		i.logger = l
	}
}

// NewIndexer creates an indexer. All stores and the embedder are required.
func NewIndexer(
	docs store.DocumentStore,
	vectors store.VectorStore,
	embedder embed.Embedder,
	opts ...IndexerOption,
) (*Indexer, error) {
	if docs == nil || vectors == nil || embedder == nil {
		return nil, fmt.Errorf("indexer requires document store, vector store and embedder")
	}

	i := &Indexer{
		docs:      docs,
		vectors:   vectors,
		embedder:  embedder,
		chunker:   chunk.New(),
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// IndexPatient chunks the document and upserts everything, keyed by
// (patient_hash, doc_path) so reruns update rather than duplicate.
// Embedding-provider failures degrade the affected chunks to
// lexical-only (nil embedding); persistence failures are fatal.
func (i *Indexer) IndexPatient(ctx context.Context, doc *anonymize.PatientDocument) (*Summary, error) {
	if doc == nil || doc.PatientHash == "" {
		return nil, clinerrors.New(clinerrors.ErrCodeInvalidInput, "patient document is empty", nil)
	}
	start := time.Now()

	chunks := i.chunker.Process(doc)

	for batchStart := 0; batchStart < len(chunks); batchStart += i.batchSize {
		batchEnd := batchStart + i.batchSize
		if batchEnd > len(chunks) {
			batchEnd = len(chunks)
		}
		if err := i.indexBatch(ctx, doc.PatientHash, chunks[batchStart:batchEnd]); err != nil {
			return nil, err
		}
	}

	i.logger.Info("patient_indexed",
		slog.String("patient_hash", doc.PatientHash),
		slog.Int("chunks", len(chunks)),
		slog.Duration("took", time.Since(start)))

	return &Summary{Success: true, Chunks: len(chunks)}, nil
}

func (i *Indexer) indexBatch(ctx context.Context, patientHash string, batch []chunk.Chunk) error {
	texts := make([]string, len(batch))
	for j, c := range batch {
		texts[j] = c.EmbeddingContent
	}

	embeddings, embedErr := i.embedder.EmbedBatch(ctx, texts)
	if embedErr != nil {
		// Chunks without vectors stay lexically searchable.
		i.logger.Warn("embedding_batch_failed",
			slog.String("patient_hash", patientHash),
			slog.Int("batch_size", len(batch)),
			slog.String("error", embedErr.Error()))
		embeddings = nil
	}

	docs := make([]*store.IndexedDocument, len(batch))
	var vectorKeys []string
	var vectors [][]float32

	for j, c := range batch {
		dayOffset := c.DayOffset
		doc := &store.IndexedDocument{
			PatientHash:      patientHash,
			DocPath:          c.DocPath,
			Context:          c.Context,
			Tags:             c.Tags,
			Content:          c.Content,
			EmbeddingContent: c.EmbeddingContent,
			Metadata:         c.Metadata,
			DayOffset:        &dayOffset,
		}
		if embeddings != nil {
			doc.Embedding = embeddings[j]
			vectorKeys = append(vectorKeys, doc.Key())
			vectors = append(vectors, embeddings[j])
		}
		docs[j] = doc
	}

	if err := i.docs.Upsert(ctx, docs); err != nil {
		return clinerrors.New(clinerrors.ErrCodeIndexFailed, "document upsert failed", err)
	}
	if len(vectorKeys) > 0 {
		if err := i.vectors.Add(ctx, vectorKeys, vectors); err != nil {
			return clinerrors.New(clinerrors.ErrCodeIndexFailed, "vector add failed", err)
		}
	}
	return nil
}
