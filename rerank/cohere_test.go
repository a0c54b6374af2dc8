package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"veridoc/config"
)

func TestRerankReturnsScoredResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.TopN)

		resp := map[string]any{
			"results": []map[string]any{
				{"index": 1, "relevance_score": 0.97},
				{"index": 0, "relevance_score": 0.42},
				{"index": 99, "relevance_score": 0.5},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	cfg := &config.Config{CohereBaseURL: server.URL, CohereRerankModel: "rerank-v3.5"}
	client := NewClient(cfg, zap.NewNop())

	results, err := client.Rerank(context.Background(), "query", []string{"doc a", "doc b"}, 5)
	require.NoError(t, err)
	// Der Treffer mit ungültigem Index wird verworfen.
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.InDelta(t, 0.97, results[0].RelevanceScore, 1e-9)
}

func TestRerankEmptyDocuments(t *testing.T) {
	client := NewClient(&config.Config{}, zap.NewNop())
	results, err := client.Rerank(context.Background(), "query", nil, 3)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestRerankSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := &config.Config{CohereBaseURL: server.URL}
	client := NewClient(cfg, zap.NewNop())

	_, err := client.Rerank(context.Background(), "query", []string{"doc"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rerank request failed")
}
