package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"veridoc/config"
	"veridoc/rerank"
	"veridoc/vectorstore"
)

type fakeStore struct {
	nearest    []vectorstore.QueryHit
	hybrid     []vectorstore.QueryHit
	nearestErr error
	hybridErr  error

	nearestLimit int
}

func (f *fakeStore) EnsureCollection(ctx context.Context, projectID uuid.UUID) error { return nil }

func (f *fakeStore) Upsert(ctx context.Context, projectID uuid.UUID, record vectorstore.EvidenceRecord, vector []float64) (string, error) {
	return uuid.NewString(), nil
}

func (f *fakeStore) QueryNearest(ctx context.Context, projectID uuid.UUID, vector []float64, limit int) ([]vectorstore.QueryHit, error) {
	f.nearestLimit = limit
	return f.nearest, f.nearestErr
}

func (f *fakeStore) QueryHybrid(ctx context.Context, projectID uuid.UUID, query string, vector []float64, alpha float64, limit int) ([]vectorstore.QueryHit, error) {
	return f.hybrid, f.hybridErr
}

func (f *fakeStore) DeleteByDocument(ctx context.Context, projectID, documentID uuid.UUID) error {
	return nil
}

func (f *fakeStore) DeleteCollection(ctx context.Context, projectID uuid.UUID) error { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return []float64{0.1, 0.2, 0.3}, nil
}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{0.1, 0.2, 0.3}
	}
	return out, nil
}

// mappingEmbedder liefert pro Text einen festen Vektor und zählt die
// Batch-Aufrufe.
type mappingEmbedder struct {
	queryVector []float64
	vectors     map[string][]float64
	batchErr    error
	batchCalls  int
}

func (m *mappingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return m.queryVector, nil
}

func (m *mappingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	m.batchCalls++
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vector, ok := m.vectors[text]
		if !ok {
			vector = []float64{0, 0, 1}
		}
		out[i] = vector
	}
	return out, nil
}

type fakeReranker struct {
	results []rerank.Result
	err     error
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error) {
	return f.results, f.err
}

func retrievalConfig() *config.Config {
	return &config.Config{
		SemanticTopK:           20,
		KeywordTopK:            10,
		RerankCandidates:       30,
		RerankTopK:             8,
		MinSimilarityThreshold: 0.6,
		HybridAlpha:            0.5,
	}
}

func distancePtr(d float64) *float64 { return &d }

func semanticHit(chunkID string, distance float64) vectorstore.QueryHit {
	return vectorstore.QueryHit{
		Record: vectorstore.EvidenceRecord{
			Content:  "content of " + chunkID,
			ChunkID:  chunkID,
			Filename: "doc.pdf",
		},
		Distance: distancePtr(distance),
	}
}

func TestRetrieveAppliesSimilarityThreshold(t *testing.T) {
	store := &fakeStore{
		nearest: []vectorstore.QueryHit{
			semanticHit("c1", 0.09),
			semanticHit("c2", 0.15),
			semanticHit("c3", 0.30),
			semanticHit("c4", 0.45),
			semanticHit("c5", 0.60),
		},
	}
	svc := NewRetrievalService(retrievalConfig(), store, fakeEmbedder{}, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "some claim")
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.InDelta(t, 0.91, matches[0].Similarity, 1e-9)
	assert.InDelta(t, 0.85, matches[1].Similarity, 1e-9)
	assert.InDelta(t, 0.70, matches[2].Similarity, 1e-9)
	for _, m := range matches {
		assert.Equal(t, SourceSemantic, m.Source)
		assert.GreaterOrEqual(t, m.Similarity, 0.6)
	}
}

func TestRetrieveQueriesEnoughSemanticCandidates(t *testing.T) {
	store := &fakeStore{}
	cfg := retrievalConfig()
	cfg.SemanticTopK = 50
	svc := NewRetrievalService(cfg, store, fakeEmbedder{}, nil, zap.NewNop())

	_, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	assert.Equal(t, 50, store.nearestLimit)
}

func TestRetrieveDropsSemanticHitsWithoutDistance(t *testing.T) {
	noDistance := vectorstore.QueryHit{
		Record: vectorstore.EvidenceRecord{Content: "orphan", ChunkID: "c9"},
	}
	store := &fakeStore{nearest: []vectorstore.QueryHit{noDistance, semanticHit("c1", 0.1)}}
	svc := NewRetrievalService(retrievalConfig(), store, fakeEmbedder{}, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c1", matches[0].Record.ChunkID)
}

func TestRetrieveKeepsKeywordOnlyHybridHits(t *testing.T) {
	keywordOnly := vectorstore.QueryHit{
		Record: vectorstore.EvidenceRecord{Content: "keyword match", ChunkID: "k1"},
	}
	store := &fakeStore{
		nearest: []vectorstore.QueryHit{semanticHit("c1", 0.1)},
		hybrid:  []vectorstore.QueryHit{keywordOnly},
	}
	svc := NewRetrievalService(retrievalConfig(), store, fakeEmbedder{}, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	require.Len(t, matches, 2)

	last := matches[len(matches)-1]
	assert.Equal(t, SourceHybridKeywordOnly, last.Source)
	assert.Zero(t, last.Similarity)
}

func TestRetrieveDedupesByChunkID(t *testing.T) {
	store := &fakeStore{
		nearest: []vectorstore.QueryHit{semanticHit("c1", 0.1)},
		hybrid:  []vectorstore.QueryHit{semanticHit("c1", 0.2)},
	}
	svc := NewRetrievalService(retrievalConfig(), store, fakeEmbedder{}, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	// Der zuerst gesehene semantische Treffer gewinnt.
	assert.Equal(t, SourceSemantic, matches[0].Source)
	assert.InDelta(t, 0.9, matches[0].Similarity, 1e-9)
}

func TestRetrieveRerankCombinesScoresWithMax(t *testing.T) {
	store := &fakeStore{
		nearest: []vectorstore.QueryHit{
			semanticHit("c1", 0.1), // similarity 0.90
			semanticHit("c2", 0.2), // similarity 0.80
		},
	}
	reranker := &fakeReranker{results: []rerank.Result{
		{Index: 1, RelevanceScore: 0.95},
		{Index: 0, RelevanceScore: 0.40},
	}}
	svc := NewRetrievalService(retrievalConfig(), store, fakeEmbedder{}, reranker, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, "c2", matches[0].Record.ChunkID)
	assert.InDelta(t, 0.95, matches[0].Score, 1e-9)
	// Die Vektor-Ähnlichkeit bleibt erhalten, wenn sie höher ist.
	assert.Equal(t, "c1", matches[1].Record.ChunkID)
	assert.InDelta(t, 0.90, matches[1].Score, 1e-9)
}

func TestRetrieveWithoutRerankerScoresByEmbeddingCosine(t *testing.T) {
	keywordOnly := vectorstore.QueryHit{
		Record: vectorstore.EvidenceRecord{Content: "keyword match", ChunkID: "k1"},
	}
	store := &fakeStore{
		nearest: []vectorstore.QueryHit{semanticHit("c1", 0.35)}, // similarity 0.65
		hybrid:  []vectorstore.QueryHit{keywordOnly},
	}
	embedder := &mappingEmbedder{
		queryVector: []float64{1, 0, 0},
		vectors: map[string][]float64{
			"content of c1": {0, 1, 0},
			"keyword match": {1, 0, 0},
		},
	}
	svc := NewRetrievalService(retrievalConfig(), store, embedder, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 1, embedder.batchCalls)

	// Der Keyword-Treffer mit identischem Embedding schlägt den
	// semantischen Treffer trotz Ähnlichkeit 0.
	assert.Equal(t, "k1", matches[0].Record.ChunkID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	assert.Zero(t, matches[0].Similarity)

	assert.Equal(t, "c1", matches[1].Record.ChunkID)
	assert.InDelta(t, 0.65, matches[1].Score, 1e-9)
}

func TestRetrieveCosineFallbackKeepsSimilarityOrderOnEmbedError(t *testing.T) {
	store := &fakeStore{
		nearest: []vectorstore.QueryHit{
			semanticHit("c2", 0.2),
			semanticHit("c1", 0.1),
		},
	}
	embedder := &mappingEmbedder{
		queryVector: []float64{1, 0, 0},
		batchErr:    errors.New("embedding backend down"),
	}
	svc := NewRetrievalService(retrievalConfig(), store, embedder, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "c1", matches[0].Record.ChunkID)
	assert.Equal(t, "c2", matches[1].Record.ChunkID)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float64{1, 0}, []float64{0, 0}))
	assert.Zero(t, cosineSimilarity([]float64{1}, []float64{1, 0}))
	assert.Zero(t, cosineSimilarity(nil, nil))
}

func TestRetrieveRerankFailureFallsBackToSimilarityOrder(t *testing.T) {
	store := &fakeStore{
		nearest: []vectorstore.QueryHit{
			semanticHit("c2", 0.2),
			semanticHit("c1", 0.1),
		},
	}
	reranker := &fakeReranker{err: errors.New("rerank backend down")}
	svc := NewRetrievalService(retrievalConfig(), store, fakeEmbedder{}, reranker, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "c1", matches[0].Record.ChunkID)
	assert.Equal(t, "c2", matches[1].Record.ChunkID)
}

func TestRetrieveTruncatesToTopK(t *testing.T) {
	var hits []vectorstore.QueryHit
	for i := 0; i < 12; i++ {
		hits = append(hits, semanticHit(fmt.Sprintf("c%d", i), 0.1))
	}
	cfg := retrievalConfig()
	cfg.RerankTopK = 3
	svc := NewRetrievalService(cfg, &fakeStore{nearest: hits}, fakeEmbedder{}, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestRetrieveDedupesIdenticalContent(t *testing.T) {
	a := semanticHit("c1", 0.1)
	b := semanticHit("c2", 0.2)
	b.Record.Content = a.Record.Content
	svc := NewRetrievalService(retrievalConfig(), &fakeStore{nearest: []vectorstore.QueryHit{a, b}}, fakeEmbedder{}, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c1", matches[0].Record.ChunkID)
}

func TestRetrievePropagatesStoreUnavailable(t *testing.T) {
	store := &fakeStore{
		nearestErr: fmt.Errorf("%w: connection refused", vectorstore.ErrUnavailable),
	}
	svc := NewRetrievalService(retrievalConfig(), store, fakeEmbedder{}, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vectorstore.ErrUnavailable))
	assert.Nil(t, matches)
}

func TestRetrieveEmptyResultIsNotAnError(t *testing.T) {
	svc := NewRetrievalService(retrievalConfig(), &fakeStore{}, fakeEmbedder{}, nil, zap.NewNop())

	matches, err := svc.Retrieve(context.Background(), uuid.New(), "claim")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
