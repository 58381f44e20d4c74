package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
)

// Reranker scores (query, document) pairs with a cross-encoder model.
// More accurate than embedding similarity, and much slower; it only ever
// sees the oversampled candidate set.
type Reranker interface {
	// Rerank returns one relevance score per document, in input order.
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)

	// Close releases resources.
	Close() error
}

// DefaultRerankTimeout bounds one rerank call.
const DefaultRerankTimeout = 10 * time.Second

// HTTPRerankerConfig configures the HTTP reranker client.
type HTTPRerankerConfig struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// HTTPReranker calls a text-embeddings-inference style /rerank endpoint
// serving a cross-encoder such as bge-reranker-v2-m3. The contract is one
// relevance float per (query, document) pair; any other response shape is
// a provider error.
type HTTPReranker struct {
	client    *http.Client
	transport *http.Transport
	config    HTTPRerankerConfig
}

var _ Reranker = (*HTTPReranker)(nil)

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// NewHTTPReranker creates a reranker client. The endpoint is required.
func NewHTTPReranker(cfg HTTPRerankerConfig) (*HTTPReranker, error) {
	if cfg.Endpoint == "" {
		return nil, clinerrors.New(clinerrors.ErrCodeConfigInvalid, "reranker endpoint is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRerankTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     10 * time.Second,
	}

	return &HTTPReranker{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}, nil
}

// Rerank posts the query and candidate documents in one request.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	body, err := json.Marshal(rerankRequest{
		Query:     query,
		Documents: documents,
		Model:     r.config.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, clinerrors.ProviderError("rerank request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, clinerrors.ProviderError(
			fmt.Sprintf("rerank failed with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, clinerrors.ProviderError("failed to decode rerank response", err)
	}
	if len(result.Scores) != len(documents) {
		return nil, clinerrors.ProviderError(
			fmt.Sprintf("expected %d rerank scores, got %d", len(documents), len(result.Scores)), nil)
	}

	return result.Scores, nil
}

// Close releases HTTP connections.
func (r *HTTPReranker) Close() error {
	r.transport.CloseIdleConnections()
	return nil
}
