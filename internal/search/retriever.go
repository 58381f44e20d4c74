package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prontu-labs/clinrag/internal/chunk"
	"github.com/prontu-labs/clinrag/internal/embed"
	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
	"github.com/prontu-labs/clinrag/internal/store"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// snippetLength bounds the debug snippet taken from a triggering child.
const snippetLength = 160

// Config tunes the retriever.
type Config struct {
	// RRFConstant is the fusion damping constant (default: 60).
	RRFConstant int

	// OversampleFactor widens both search legs to factor×topK candidates
	// so fusion and reranking have room to reorder (default: 4).
	OversampleFactor int

	// DefaultTopK applies when a caller passes topK <= 0 (default: 5).
	DefaultTopK int
}

// Options are the per-query search parameters.
type Options struct {
	Filters store.Filters
	TopK    int

	// Debug attaches the triggering child chunk and a content snippet to
	// each result. Operator-facing only.
	Debug bool
}

// Result is one retrieval result after parent enrichment.
type Result struct {
	DocPath   string
	Context   string
	Tags      []string
	Content   string
	Metadata  chunk.Metadata
	DayOffset *int
	Score     float64
	Debug     *ResultDebug
}

// ResultDebug identifies the child chunk whose match pulled this result in.
type ResultDebug struct {
	TriggeredBy    string
	TriggerSnippet string
	TriggerScore   float64
	LexicalRank    int
	VectorRank     int
}

// Retriever runs hybrid search: concurrent vector+lexical legs, RRF
// fusion, optional reranking, parent enrichment.
type Retriever struct {
	docs     store.DocumentStore
	vectors  store.VectorStore
	embedder embed.Embedder
	fusion   *RRFFusion
	reranker Reranker
	breaker  *clinerrors.OneShotBreaker
	config   Config
	logger   *slog.Logger
}

// Option configures the retriever.
type Option func(*Retriever)

// WithReranker enables cross-encoder reranking. A failing reranker trips
// a one-shot breaker and the retriever falls back to fusion order for the
// rest of the process lifetime.
func WithReranker(r Reranker) Option {
	return func(rt *Retriever) {
		rt.reranker = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Retriever) {
		rt.logger = l
	}
}

// NewRetriever creates a retriever. All three stores are required.
func NewRetriever(
	docs store.DocumentStore,
	vectors store.VectorStore,
	embedder embed.Embedder,
	config Config,
	opts ...Option,
) (*Retriever, error) {
	if docs == nil {
		return nil, fmt.Errorf("%w: document store is required", ErrNilDependency)
	}
	if vectors == nil {
		return nil, fmt.Errorf("%w: vector store is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}

	if config.OversampleFactor <= 0 {
		config.OversampleFactor = 4
	}
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = 5
	}

	r := &Retriever{
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		fusion:   NewRRFFusion(config.RRFConstant),
		breaker:  clinerrors.NewOneShotBreaker("reranker"),
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Search executes a hybrid search scoped to one patient.
func (r *Retriever) Search(ctx context.Context, query string, opts Options) ([]*Result, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if err := opts.Filters.Validate(); err != nil {
		return nil, clinerrors.New(clinerrors.ErrCodeInvalidInput, err.Error(), nil)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = r.config.DefaultTopK
	}
	oversample := r.config.OversampleFactor * topK

	// Embed the query first. An embedding outage degrades to lexical-only
	// search, it never aborts the query.
	queryVec, embedErr := r.embedder.Embed(ctx, query)
	if embedErr != nil {
		r.logger.Warn("query_embedding_failed",
			slog.String("error", embedErr.Error()))
		queryVec = nil
	}

	lexResults, vecResults, searchErr := r.parallelSearch(ctx, query, queryVec, opts.Filters, oversample)
	if searchErr != nil && lexResults == nil && vecResults == nil {
		return nil, searchErr
	}

	fused := r.fusion.Fuse(lexResults, vecResults)
	if len(fused) == 0 {
		return []*Result{}, nil
	}

	// Fetch candidate documents once; reranking and enrichment both need
	// them.
	keys := make([]string, len(fused))
	for i, f := range fused {
		keys[i] = f.Key
	}
	candidateDocs, err := r.docs.GetByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	docsByKey := make(map[string]*store.IndexedDocument, len(candidateDocs))
	for _, doc := range candidateDocs {
		docsByKey[doc.Key()] = doc
	}

	scored := r.rerank(ctx, query, fused, docsByKey)

	if len(scored) > topK {
		scored = scored[:topK]
	}

	results, err := r.enrichParents(ctx, opts.Filters.PatientHash, scored, docsByKey, opts.Debug)
	if err != nil {
		return nil, err
	}

	r.logger.Info("search_completed",
		slog.Int("lexical_candidates", len(lexResults)),
		slog.Int("vector_candidates", len(vecResults)),
		slog.Int("results", len(results)),
		slog.Duration("took", time.Since(start)))

	return results, nil
}

// parallelSearch runs the vector and lexical legs concurrently. Each leg
// absorbs its own failure so the other can still contribute; an error is
// returned only alongside whatever partial results survived.
func (r *Retriever) parallelSearch(
	ctx context.Context,
	query string,
	queryVec []float32,
	filters store.Filters,
	oversample int,
) (lexResults []*store.LexicalResult, vecResults []*store.VectorResult, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var lexErr, vecErr error

	g.Go(func() error {
		var searchErr error
		lexResults, searchErr = r.docs.SearchLexical(gctx, query, filters, oversample)
		if searchErr != nil {
			lexErr = searchErr
			r.logger.Warn("lexical_search_failed", slog.String("error", searchErr.Error()))
		}
		return nil
	})

	if queryVec != nil {
		g.Go(func() error {
			results, searchErr := r.vectorSearch(gctx, queryVec, filters, oversample)
			if searchErr != nil {
				vecErr = searchErr
				r.logger.Warn("vector_search_failed", slog.String("error", searchErr.Error()))
				return nil
			}
			vecResults = results
			return nil
		})
	}

	if waitErr := g.Wait(); waitErr != nil {
		return nil, nil, waitErr
	}

	if lexErr != nil && (queryVec == nil || vecErr != nil) {
		return nil, nil, clinerrors.New(clinerrors.ErrCodeSearchFailed, "both search legs failed", lexErr)
	}
	return lexResults, vecResults, nil
}

// vectorSearch runs nearest-neighbor search restricted to the filter
// allow-set. The graph is shared across patients, so the search widens
// until it has enough in-scope candidates or runs out of graph.
func (r *Retriever) vectorSearch(
	ctx context.Context,
	queryVec []float32,
	filters store.Filters,
	oversample int,
) ([]*store.VectorResult, error) {
	allow, err := r.docs.FilterKeys(ctx, filters)
	if err != nil {
		return nil, err
	}
	if len(allow) == 0 {
		return []*store.VectorResult{}, nil
	}

	k := oversample
	for {
		raw, searchErr := r.vectors.Search(ctx, queryVec, k)
		if searchErr != nil {
			return nil, searchErr
		}

		filtered := make([]*store.VectorResult, 0, oversample)
		for _, res := range raw {
			if _, ok := allow[res.Key]; ok {
				filtered = append(filtered, res)
				if len(filtered) == oversample {
					break
				}
			}
		}

		// Fewer hits than requested means the graph is exhausted.
		if len(filtered) >= oversample || len(raw) < k {
			return filtered, nil
		}
		k *= 2
	}
}

// scoredCandidate pairs a fused candidate with its final ranking score,
// which is the rerank score when reranking ran and the RRF score
// otherwise.
type scoredCandidate struct {
	fused *FusedResult
	score float64
}

// rerank applies the cross-encoder over each candidate's
// embedding_content. Any failure trips the one-shot breaker: reranking is
// disabled for the remainder of the process and fusion order stands.
func (r *Retriever) rerank(
	ctx context.Context,
	query string,
	fused []*FusedResult,
	docsByKey map[string]*store.IndexedDocument,
) []*scoredCandidate {
	scored := make([]*scoredCandidate, len(fused))
	for i, f := range fused {
		scored[i] = &scoredCandidate{fused: f, score: f.RRFScore}
	}

	if r.reranker == nil || len(scored) < 2 {
		return scored
	}
	if !r.breaker.Allow() {
		return scored
	}

	documents := make([]string, 0, len(scored))
	valid := make([]*scoredCandidate, 0, len(scored))
	for _, c := range scored {
		doc, ok := docsByKey[c.fused.Key]
		if !ok || doc.EmbeddingContent == "" {
			continue
		}
		documents = append(documents, doc.EmbeddingContent)
		valid = append(valid, c)
	}
	if len(documents) == 0 {
		return scored
	}

	relevance, err := r.reranker.Rerank(ctx, query, documents)
	if err != nil {
		r.breaker.Trip(err.Error())
		r.logger.Warn("rerank_disabled",
			slog.String("error", err.Error()),
			slog.String("fallback", "fusion order"))
		return scored
	}

	for i, c := range valid {
		c.score = relevance[i]
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	return scored
}

// enrichParents swaps child chunks for their full-context parents. Each
// parent appears at most once, inheriting the score of its highest-ranked
// child; demographics and parent chunks pass through unchanged.
func (r *Retriever) enrichParents(
	ctx context.Context,
	patientHash string,
	scored []*scoredCandidate,
	docsByKey map[string]*store.IndexedDocument,
	debug bool,
) ([]*Result, error) {
	type pending struct {
		targetPath string
		trigger    *store.IndexedDocument
		cand       *scoredCandidate
	}

	seen := make(map[string]bool, len(scored))
	var order []pending
	var parentPaths []string

	for _, c := range scored {
		trigger, ok := docsByKey[c.fused.Key]
		if !ok {
			continue
		}

		targetPath := trigger.DocPath
		if trigger.Metadata.Type == chunk.TypeChild && trigger.Metadata.ParentPath != "" {
			targetPath = trigger.Metadata.ParentPath
		}
		if seen[targetPath] {
			continue
		}
		seen[targetPath] = true

		order = append(order, pending{targetPath: targetPath, trigger: trigger, cand: c})
		if targetPath != trigger.DocPath {
			parentPaths = append(parentPaths, targetPath)
		}
	}

	byPath := make(map[string]*store.IndexedDocument, len(parentPaths))
	if len(parentPaths) > 0 {
		parents, err := r.docs.GetByPaths(ctx, patientHash, parentPaths)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			byPath[p.DocPath] = p
		}
	}

	results := make([]*Result, 0, len(order))
	for _, p := range order {
		doc := p.trigger
		if p.targetPath != p.trigger.DocPath {
			parent, ok := byPath[p.targetPath]
			if !ok {
				// Orphaned child; return the fragment rather than nothing.
				r.logger.Warn("parent_chunk_missing",
					slog.String("parent_path", p.targetPath),
					slog.String("child_path", p.trigger.DocPath))
			} else {
				doc = parent
			}
		}

		result := &Result{
			DocPath:   doc.DocPath,
			Context:   doc.Context,
			Tags:      doc.Tags,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			DayOffset: doc.DayOffset,
			Score:     p.cand.score,
		}
		if debug {
			result.Debug = &ResultDebug{
				TriggeredBy:    p.trigger.DocPath,
				TriggerSnippet: snippet(p.trigger.Content),
				TriggerScore:   p.cand.score,
				LexicalRank:    p.cand.fused.LexicalRank,
				VectorRank:     p.cand.fused.VecRank,
			}
		}
		results = append(results, result)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// RerankerDisabled reports whether the one-shot breaker has tripped, and
// the reason.
func (r *Retriever) RerankerDisabled() (bool, string) {
	return r.breaker.Tripped()
}

func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= snippetLength {
		return content
	}
	return string(runes[:snippetLength]) + "..."
}
