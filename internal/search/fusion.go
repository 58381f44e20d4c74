// Package search provides hybrid retrieval over a patient's indexed
// chunks: concurrent vector and lexical search, Reciprocal Rank Fusion,
// optional cross-encoder reranking with one-way degradation, and parent
// enrichment that swaps matched child fragments for their full-context
// parent documents.
package search

import (
	"sort"

	"github.com/prontu-labs/clinrag/internal/store"
)

// DefaultRRFConstant is the standard RRF damping parameter, empirically
// validated across domains.
const DefaultRRFConstant = 60

// FusedResult is one candidate after RRF fusion.
type FusedResult struct {
	Key          string   // Composite document key
	RRFScore     float64  // Combined RRF score
	LexicalScore float64  // Original BM25 score (preserved)
	LexicalRank  int      // Position in lexical list (1-indexed, 0 if absent)
	VecScore     float64  // Original vector similarity (preserved)
	VecRank      int      // Position in vector list (1-indexed, 0 if absent)
	InBothLists  bool     // Candidate appeared in both lists
	MatchedTerms []string // Lexical matched terms
}

// RRFFusion combines lexical and vector results using Reciprocal Rank
// Fusion: score(d) = Σ 1 / (k + rank) over the lists containing d, with
// 0-based ranks shifted by one. Candidates absent from a list contribute
// nothing from it.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion instance. k <= 0 defaults to 60.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse merges the two ranked lists, deduplicating by document key and
// summing contributions. Results are sorted by RRF score descending with
// deterministic tie-breaking.
func (f *RRFFusion) Fuse(lexical []*store.LexicalResult, vec []*store.VectorResult) []*FusedResult {
	if len(lexical) == 0 && len(vec) == 0 {
		return []*FusedResult{}
	}

	scores := make(map[string]*FusedResult, len(lexical)+len(vec))

	for rank, r := range lexical {
		result := f.getOrCreate(scores, r.Key)
		result.LexicalScore = r.Score
		result.LexicalRank = rank + 1
		result.MatchedTerms = r.MatchedTerms
		result.RRFScore += 1.0 / float64(f.K+rank+1)
	}

	for rank, r := range vec {
		result := f.getOrCreate(scores, r.Key)
		result.VecScore = float64(r.Score)
		result.VecRank = rank + 1
		result.RRFScore += 1.0 / float64(f.K+rank+1)

		if result.LexicalRank > 0 {
			result.InBothLists = true
		}
	}

	results := make([]*FusedResult, 0, len(scores))
	for _, r := range scores {
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return f.compare(results[i], results[j])
	})

	return results
}

func (f *RRFFusion) getOrCreate(m map[string]*FusedResult, key string) *FusedResult {
	if r, ok := m[key]; ok {
		return r
	}
	r := &FusedResult{Key: key}
	m[key] = r
	return r
}

// compare returns true if a should rank before b.
// Priority: higher RRF score, then in-both-lists, then higher lexical
// score, then lexicographic key for determinism.
func (f *RRFFusion) compare(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if a.InBothLists != b.InBothLists {
		return a.InBothLists
	}
	if a.LexicalScore != b.LexicalScore {
		return a.LexicalScore > b.LexicalScore
	}
	return a.Key < b.Key
}
