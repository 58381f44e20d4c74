package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	Host       string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration

	// SkipHealthCheck skips the startup reachability probe and dimension
	// detection. Used by tests against httptest servers.
	SkipHealthCheck bool
}

// OllamaEmbedder generates embeddings using Ollama's HTTP API.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig
	retry     clinerrors.RetryConfig
	dims      int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

// ollamaEmbedRequest is the POST /api/embed payload.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the POST /api/embed response.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates an Ollama embedder and, unless the health
// check is skipped, probes the endpoint and auto-detects dimensions.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	// Short idle timeout: indexing runs are short-lived CLI invocations,
	// connections should not linger after exit.
	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     10 * time.Second,
	}

	e := &OllamaEmbedder{
		// No client-level timeout: per-request context timeouts in doEmbed
		// would be overridden by a static client deadline.
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		retry:     clinerrors.DefaultRetryConfig(),
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		vecs, err := e.doEmbed(checkCtx, []string{"dimension detection"})
		if err != nil {
			transport.CloseIdleConnections()
			return nil, clinerrors.ProviderError(
				fmt.Sprintf("failed to reach Ollama at %s", cfg.Host), err)
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			transport.CloseIdleConnections()
			return nil, clinerrors.ProviderError("Ollama returned an empty embedding", nil)
		}
		e.dims = len(vecs[0])
	}

	if e.dims == 0 {
		e.dims = DefaultDimensions
	}

	return e, nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, clinerrors.New(clinerrors.ErrCodeEmbeddingFailed, "no embedding returned", nil)
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, batching provider
// calls at the configured size. Empty texts yield zero vectors locally.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, clinerrors.New(clinerrors.ErrCodeEmbeddingFailed, "embedder is closed", nil)
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type indexedText struct {
		idx  int
		text string
	}
	results := make([][]float32, len(texts))
	var nonEmpty []indexedText

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.dims)
		} else {
			nonEmpty = append(nonEmpty, indexedText{i, text})
		}
	}

	for start := 0; start < len(nonEmpty); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(nonEmpty) {
			end = len(nonEmpty)
		}
		batch := nonEmpty[start:end]

		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}

		vecs, err := clinerrors.RetryWithResult(ctx, e.retry, func() ([][]float32, error) {
			reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
			defer cancel()
			return e.doEmbed(reqCtx, batchTexts)
		})
		if err != nil {
			return nil, clinerrors.New(clinerrors.ErrCodeEmbeddingFailed,
				fmt.Sprintf("embedding batch of %d texts failed", len(batchTexts)), err)
		}
		if len(vecs) != len(batchTexts) {
			return nil, clinerrors.New(clinerrors.ErrCodeEmbeddingFailed,
				fmt.Sprintf("expected %d embeddings, got %d", len(batchTexts), len(vecs)), nil)
		}

		for i, it := range batch {
			results[it.idx] = Normalize(vecs[i])
		}
	}

	return results, nil
}

// doEmbed performs one POST /api/embed call.
func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return result.Embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the configured model.
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the Ollama endpoint.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases HTTP connections. Idempotent.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}
