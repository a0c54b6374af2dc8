package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veridoc/config"
	"veridoc/rerank"
	"veridoc/vectorstore"
)

// Herkunft eines Evidenz-Treffers.
const (
	SourceSemantic          = "semantic"
	SourceHybrid            = "hybrid"
	SourceHybridKeywordOnly = "hybrid_keyword_only"
)

// Embedder berechnet Embedding-Vektoren für Texte.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// EvidenceMatch ist ein Treffer der Evidenz-Suche für eine Aussage.
type EvidenceMatch struct {
	Record     vectorstore.EvidenceRecord
	Similarity float64
	Score      float64
	Source     string
}

// RetrievalService führt die hybride Evidenz-Suche mit Reranking aus.
type RetrievalService struct {
	Config   *config.Config
	Store    vectorstore.EvidenceStore
	Embedder Embedder
	Reranker rerank.Reranker
	Logger   *zap.Logger
}

// NewRetrievalService erstellt einen neuen Retrieval-Service.
// Der Reranker darf nil sein; dann werden die Kandidaten über die
// Kosinus-Ähnlichkeit ihrer Embeddings zur Aussage bewertet.
func NewRetrievalService(cfg *config.Config, store vectorstore.EvidenceStore, embedder Embedder, reranker rerank.Reranker, logger *zap.Logger) *RetrievalService {
	return &RetrievalService{
		Config:   cfg,
		Store:    store,
		Embedder: embedder,
		Reranker: reranker,
		Logger:   logger,
	}
}

// Retrieve sucht Evidenz für eine Aussage im Projekt-Index. Semantische
// Treffer unterhalb der Mindest-Ähnlichkeit werden verworfen; reine
// Keyword-Treffer der Hybrid-Suche bleiben mit Ähnlichkeit 0 erhalten.
// Ein nicht erreichbarer Evidence Store ist ein Fehler, nie ein leeres
// Ergebnis.
func (s *RetrievalService) Retrieve(ctx context.Context, projectID uuid.UUID, claim string) ([]EvidenceMatch, error) {
	vector, err := s.Embedder.Embed(ctx, claim)
	if err != nil {
		return nil, fmt.Errorf("embed claim: %w", err)
	}

	semanticLimit := s.Config.RerankCandidates
	if s.Config.SemanticTopK > semanticLimit {
		semanticLimit = s.Config.SemanticTopK
	}
	semanticHits, err := s.Store.QueryNearest(ctx, projectID, vector, semanticLimit)
	if err != nil {
		return nil, fmt.Errorf("semantic query: %w", err)
	}
	hybridHits, err := s.Store.QueryHybrid(ctx, projectID, claim, vector, s.Config.HybridAlpha, s.Config.KeywordTopK)
	if err != nil {
		return nil, fmt.Errorf("hybrid query: %w", err)
	}

	merged := s.mergeHits(semanticHits, hybridHits)
	if len(merged) == 0 {
		return nil, nil
	}

	ranked, err := s.rerankMatches(ctx, claim, vector, merged)
	if err != nil {
		// Reranking ist eine Qualitätsstufe, keine Voraussetzung.
		s.Logger.Warn("Reranking failed, falling back to similarity order",
			zap.String("project_id", projectID.String()), zap.Error(err))
		ranked = fallbackOrder(merged)
	}

	ranked = dedupeByContent(ranked)
	if len(ranked) > s.Config.RerankTopK {
		ranked = ranked[:s.Config.RerankTopK]
	}
	return ranked, nil
}

// mergeHits wandelt die Roh-Treffer in Matches um, filtert semantische
// Treffer an der Mindest-Ähnlichkeit und dedupliziert über Chunk-ID bzw.
// Content-Hash. Bei Duplikaten gewinnt der zuerst gesehene Treffer.
func (s *RetrievalService) mergeHits(semanticHits, hybridHits []vectorstore.QueryHit) []EvidenceMatch {
	seen := make(map[string]bool)
	var merged []EvidenceMatch

	add := func(m EvidenceMatch) {
		key := m.Record.ChunkID
		if key == "" {
			key = contentKey(m.Record.Content)
		}
		if seen[key] {
			return
		}
		seen[key] = true
		merged = append(merged, m)
	}

	for _, hit := range semanticHits {
		// Ohne Distanz ist keine Ähnlichkeit bestimmbar.
		if hit.Distance == nil {
			continue
		}
		similarity := 1 - *hit.Distance
		if similarity < s.Config.MinSimilarityThreshold {
			continue
		}
		add(EvidenceMatch{Record: hit.Record, Similarity: similarity, Score: similarity, Source: SourceSemantic})
	}

	for _, hit := range hybridHits {
		if hit.Distance == nil {
			// Keyword-Treffer ohne Vektor-Distanz bleiben erhalten, die
			// Mindest-Ähnlichkeit gilt nur für semantische Treffer.
			add(EvidenceMatch{Record: hit.Record, Similarity: 0, Score: 0, Source: SourceHybridKeywordOnly})
			continue
		}
		similarity := 1 - *hit.Distance
		add(EvidenceMatch{Record: hit.Record, Similarity: similarity, Score: similarity, Source: SourceHybrid})
	}
	return merged
}

// rerankMatches bewertet bis zu RerankCandidates Treffer neu. Der
// kombinierte Score ist das Maximum aus Vektor-Ähnlichkeit und
// Reranker-Relevanz. Ohne konfigurierten Reranker übernimmt die
// Kosinus-Ähnlichkeit der Embeddings die Rolle der Relevanz.
func (s *RetrievalService) rerankMatches(ctx context.Context, claim string, vector []float64, merged []EvidenceMatch) ([]EvidenceMatch, error) {
	candidates := merged
	if len(candidates) > s.Config.RerankCandidates {
		candidates = candidates[:s.Config.RerankCandidates]
	}
	documents := make([]string, len(candidates))
	for i, m := range candidates {
		documents[i] = m.Record.Content
	}

	if s.Reranker == nil {
		return s.cosineRerank(ctx, vector, documents, candidates)
	}

	results, err := s.Reranker.Rerank(ctx, claim, documents, s.Config.RerankTopK)
	if err != nil {
		return nil, err
	}

	ranked := make([]EvidenceMatch, 0, len(results))
	for _, r := range results {
		m := candidates[r.Index]
		if r.RelevanceScore > m.Score {
			m.Score = r.RelevanceScore
		}
		ranked = append(ranked, m)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}

// cosineRerank bewertet die Kandidaten über die Kosinus-Ähnlichkeit
// zwischen Aussage- und Chunk-Embedding. Damit erhalten auch reine
// Keyword-Treffer ohne Vektor-Distanz einen vergleichbaren Score.
func (s *RetrievalService) cosineRerank(ctx context.Context, vector []float64, documents []string, candidates []EvidenceMatch) ([]EvidenceMatch, error) {
	vectors, err := s.Embedder.EmbedBatch(ctx, documents)
	if err != nil {
		return nil, fmt.Errorf("embed rerank candidates: %w", err)
	}
	if len(vectors) != len(candidates) {
		return nil, fmt.Errorf("got %d vectors for %d rerank candidates", len(vectors), len(candidates))
	}

	ranked := make([]EvidenceMatch, 0, len(candidates))
	for i, m := range candidates {
		if c := cosineSimilarity(vector, vectors[i]); c > m.Score {
			m.Score = c
		}
		ranked = append(ranked, m)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}

// cosineSimilarity berechnet die Kosinus-Ähnlichkeit zweier Vektoren.
// Nullvektoren und Längen-Differenzen ergeben 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// fallbackOrder sortiert die Treffer absteigend nach Ähnlichkeit.
func fallbackOrder(merged []EvidenceMatch) []EvidenceMatch {
	out := make([]EvidenceMatch, len(merged))
	copy(out, merged)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// dedupeByContent entfernt inhaltsgleiche Treffer, der besser platzierte
// gewinnt.
func dedupeByContent(matches []EvidenceMatch) []EvidenceMatch {
	seen := make(map[string]bool)
	out := matches[:0:0]
	for _, m := range matches {
		key := contentKey(m.Record.Content)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

func contentKey(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}
