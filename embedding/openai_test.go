package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"veridoc/config"
)

func embeddingServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	cfg := &config.Config{
		OpenAIBaseURL:        server.URL,
		OpenAIEmbeddingModel: "text-embedding-3-large",
	}
	client := NewClient(cfg, zap.NewNop())
	return client, server
}

func TestEmbedBatchPreservesInputOrder(t *testing.T) {
	client, server := embeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 2)

		// Indizes absichtlich vertauscht liefern.
		resp := map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{2, 2}},
				{"index": 0, "embedding": []float64{1, 1}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer server.Close()

	vectors, err := client.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float64{1, 1}, vectors[0])
	assert.Equal(t, []float64{2, 2}, vectors[1])
}

func TestEmbedBatchRetriesOnThrottle(t *testing.T) {
	var calls int32
	client, server := embeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		resp := map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float64{0.5}}},
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer server.Close()

	vectors, err := client.EmbedBatch(context.Background(), []string{"text"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestEmbedBatchRejectsCountMismatch(t *testing.T) {
	client, server := embeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"data": []map[string]any{}}
		json.NewEncoder(w).Encode(resp)
	})
	defer server.Close()

	_, err := client.EmbedBatch(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 vectors for 1 inputs")
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	client := NewClient(&config.Config{}, zap.NewNop())
	vectors, err := client.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}
