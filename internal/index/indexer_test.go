package index

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prontu-labs/clinrag/internal/anonymize"
	"github.com/prontu-labs/clinrag/internal/embed"
	"github.com/prontu-labs/clinrag/internal/store"
)

const testHash = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"

func testPatientDoc() *anonymize.PatientDocument {
	return &anonymize.PatientDocument{
		PatientHash: testHash,
		Patient: anonymize.AnonymizedPatient{
			PatientHash: testHash,
			AgeBucket:   "60-64",
			Attributes:  map[string]any{"gender": "M"},
		},
		Timeline: []anonymize.AnonymizedRecord{
			{
				RecordHash:      "1111111111111111",
				PatientHash:     testHash,
				Context:         "uti",
				Type:            "evolucao",
				RelativeDate:    "Day +1",
				DayOffset:       1,
				ContentRedacted: "#HMA: dispneia progressiva\n#EF: estertores bibasais",
				Tags:            []string{"evolucao"},
			},
			{
				RecordHash:      "2222222222222222",
				PatientHash:     testHash,
				Context:         "emergencia",
				Type:            "admissao",
				RelativeDate:    "Day 0",
				DayOffset:       0,
				ContentRedacted: "Paciente admitido com dor toracica.",
				Tags:            []string{"admissao"},
			},
		},
		Meta: anonymize.ExportMeta{TotalRecords: 2, AnonymizedCount: 2},
	}
}

type stores struct {
	docs    *store.SQLiteDocumentStore
	vectors *store.HNSWStore
}

func newTestStores(t *testing.T, dims int) stores {
	t.Helper()
	docs, err := store.NewSQLiteDocumentStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = docs.Close() })

	vectors, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	return stores{docs: docs, vectors: vectors}
}

func TestIndexPatient_PersistsAllChunks(t *testing.T) {
	st := newTestStores(t, 32)
	embedder := embed.NewStaticEmbedder(32)
	idx, err := NewIndexer(st.docs, st.vectors, embedder, WithBatchSize(2))
	require.NoError(t, err)
	ctx := context.Background()

	summary, err := idx.IndexPatient(ctx, testPatientDoc())
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Greater(t, summary.Chunks, 0)

	count, err := st.docs.CountByPatient(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, summary.Chunks, count)

	// Every chunk got an embedding, so the vector store matches.
	assert.Equal(t, summary.Chunks, st.vectors.Count())
}

func TestIndexPatient_Idempotent(t *testing.T) {
	st := newTestStores(t, 32)
	idx, err := NewIndexer(st.docs, st.vectors, embed.NewStaticEmbedder(32))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := idx.IndexPatient(ctx, testPatientDoc())
	require.NoError(t, err)
	second, err := idx.IndexPatient(ctx, testPatientDoc())
	require.NoError(t, err)
	assert.Equal(t, first.Chunks, second.Chunks)

	count, err := st.docs.CountByPatient(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, first.Chunks, count, "rerun must update rows, not add them")
	assert.Equal(t, first.Chunks, st.vectors.Count())
}

// batchFailEmbedder fails EmbedBatch but keeps the Embedder contract.
type batchFailEmbedder struct{ *embed.StaticEmbedder }

func (b *batchFailEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider timeout")
}

func TestIndexPatient_EmbeddingFailureDegradesToLexical(t *testing.T) {
	st := newTestStores(t, 32)
	idx, err := NewIndexer(st.docs, st.vectors, &batchFailEmbedder{embed.NewStaticEmbedder(32)})
	require.NoError(t, err)
	ctx := context.Background()

	summary, err := idx.IndexPatient(ctx, testPatientDoc())
	require.NoError(t, err, "embedding outage must not abort indexing")
	assert.True(t, summary.Success)

	count, err := st.docs.CountByPatient(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, summary.Chunks, count)
	assert.Equal(t, 0, st.vectors.Count())

	// Documents are still lexically searchable.
	results, err := st.docs.SearchLexical(ctx, "dispneia",
		store.Filters{PatientHash: testHash}, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	// And carry no embedding, so the vector allow-set is empty.
	keys, err := st.docs.FilterKeys(ctx, store.Filters{PatientHash: testHash})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestIndexPatient_StoreFailureIsFatal(t *testing.T) {
	st := newTestStores(t, 32)
	idx, err := NewIndexer(st.docs, st.vectors, embed.NewStaticEmbedder(32))
	require.NoError(t, err)

	require.NoError(t, st.docs.Close())

	_, err = idx.IndexPatient(context.Background(), testPatientDoc())
	require.Error(t, err)
}

func TestIndexPatient_EmptyDocument(t *testing.T) {
	st := newTestStores(t, 32)
	idx, err := NewIndexer(st.docs, st.vectors, embed.NewStaticEmbedder(32))
	require.NoError(t, err)

	_, err = idx.IndexPatient(context.Background(), nil)
	require.Error(t, err)

	_, err = idx.IndexPatient(context.Background(), &anonymize.PatientDocument{})
	require.Error(t, err)
}
