package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prontu-labs/clinrag/internal/store"
)

func lexResult(key string, score float64) *store.LexicalResult {
	return &store.LexicalResult{Key: key, Score: score}
}

func vecResult(key string, score float32) *store.VectorResult {
	return &store.VectorResult{Key: key, Score: score}
}

func TestFuse_ReferenceFormula(t *testing.T) {
	f := NewRRFFusion(60)

	fused := f.Fuse(
		[]*store.LexicalResult{lexResult("a", 5.0), lexResult("b", 3.0)},
		nil,
	)
	require.Len(t, fused, 2)

	// rank 0 -> 1/(60+0+1), rank 1 -> 1/(60+1+1)
	assert.InDelta(t, 1.0/61.0, fused[0].RRFScore, 1e-9)
	assert.InDelta(t, 1.0/62.0, fused[1].RRFScore, 1e-9)
	assert.Equal(t, "a", fused[0].Key)
}

func TestFuse_SumsContributionsAcrossLists(t *testing.T) {
	f := NewRRFFusion(60)

	fused := f.Fuse(
		[]*store.LexicalResult{lexResult("both", 5.0)},
		[]*store.VectorResult{vecResult("both", 0.9)},
	)
	require.Len(t, fused, 1)

	assert.InDelta(t, 2.0/61.0, fused[0].RRFScore, 1e-9)
	assert.True(t, fused[0].InBothLists)
	assert.Equal(t, 1, fused[0].LexicalRank)
	assert.Equal(t, 1, fused[0].VecRank)
}

func TestFuse_BothListsBeatsSingleList(t *testing.T) {
	f := NewRRFFusion(60)

	fused := f.Fuse(
		[]*store.LexicalResult{lexResult("lexonly", 9.0), lexResult("both", 1.0)},
		[]*store.VectorResult{vecResult("both", 0.5)},
	)
	require.Len(t, fused, 2)

	// 1/62 + 1/61 > 1/61: consensus wins despite worse lexical rank.
	assert.Equal(t, "both", fused[0].Key)
}

func TestFuse_MonotonicNonIncreasingByRank(t *testing.T) {
	f := NewRRFFusion(60)

	lex := []*store.LexicalResult{
		lexResult("r0", 9), lexResult("r1", 8), lexResult("r2", 7), lexResult("r3", 6),
	}
	fused := f.Fuse(lex, nil)
	require.Len(t, fused, 4)

	for i := 1; i < len(fused); i++ {
		assert.GreaterOrEqual(t, fused[i-1].RRFScore, fused[i].RRFScore)
	}
}

func TestFuse_EmptyInputs(t *testing.T) {
	f := NewRRFFusion(60)
	assert.Empty(t, f.Fuse(nil, nil))
}

func TestFuse_DeterministicTieBreak(t *testing.T) {
	f := NewRRFFusion(60)

	// Same rank in disjoint lists: identical RRF score, neither in both
	// lists. The lexical candidate has a score, so it wins the tie-break.
	fused := f.Fuse(
		[]*store.LexicalResult{lexResult("lex", 2.0)},
		[]*store.VectorResult{vecResult("vec", 0.8)},
	)
	require.Len(t, fused, 2)
	assert.Equal(t, "lex", fused[0].Key)
}

func TestNewRRFFusion_DefaultK(t *testing.T) {
	assert.Equal(t, DefaultRRFConstant, NewRRFFusion(0).K)
	assert.Equal(t, 30, NewRRFFusion(30).K)
}
