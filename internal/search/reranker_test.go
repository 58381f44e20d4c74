package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPReranker_ScoresInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dispneia", req.Query)

		scores := make([]float64, len(req.Documents))
		for i := range req.Documents {
			scores[i] = 1.0 - float64(i)*0.2
		}
		require.NoError(t, json.NewEncoder(w).Encode(rerankResponse{Scores: scores}))
	}))
	defer server.Close()

	r, err := NewHTTPReranker(HTTPRerankerConfig{Endpoint: server.URL})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	scores, err := r.Rerank(context.Background(), "dispneia", []string{"doc a", "doc b", "doc c"})
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.InDelta(t, 1.0, scores[0], 1e-9)
	assert.InDelta(t, 0.6, scores[2], 1e-9)
}

func TestHTTPReranker_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r, err := NewHTTPReranker(HTTPRerankerConfig{Endpoint: server.URL})
	require.NoError(t, err)

	_, err = r.Rerank(context.Background(), "q", []string{"doc"})
	require.Error(t, err)
}

func TestHTTPReranker_ScoreCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.5}}))
	}))
	defer server.Close()

	r, err := NewHTTPReranker(HTTPRerankerConfig{Endpoint: server.URL})
	require.NoError(t, err)

	_, err = r.Rerank(context.Background(), "q", []string{"doc a", "doc b"})
	require.Error(t, err)
}

func TestHTTPReranker_EmptyDocuments(t *testing.T) {
	r, err := NewHTTPReranker(HTTPRerankerConfig{Endpoint: "http://localhost:9"})
	require.NoError(t, err)

	scores, err := r.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestNewHTTPReranker_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPReranker(HTTPRerankerConfig{})
	require.Error(t, err)
}
