package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"veridoc/classifier"
	"veridoc/vectorstore"
)

func evidenceMatch(filename string, page int, score float64) EvidenceMatch {
	return EvidenceMatch{
		Record: vectorstore.EvidenceRecord{
			Content:    "passage from " + filename,
			DocumentID: uuid.NewString(),
			ChunkID:    uuid.NewString(),
			PageNumber: page,
			Filename:   filename,
		},
		Similarity: score,
		Score:      score,
		Source:     SourceSemantic,
	}
}

func TestResolveMatchesByFilename(t *testing.T) {
	matcher := NewCitationMatcher(zap.NewNop())
	matches := []EvidenceMatch{
		evidenceMatch("study_results.pdf", 3, 0.9),
		evidenceMatch("appendix.pdf", 1, 0.7),
	}

	citations := matcher.Resolve([]classifier.CitedSource{
		{Document: "Study_Results.PDF", Page: 3, Quote: "quote", Relevance: "supports the claim"},
	}, matches)

	require.Len(t, citations, 1)
	assert.True(t, citations[0].Matched)
	assert.Equal(t, "study_results.pdf", citations[0].Filename)
	assert.Equal(t, 3, citations[0].PageNumber)
	assert.Equal(t, "supports the claim", citations[0].Relevance)
}

func TestResolveDisambiguatesByPage(t *testing.T) {
	matcher := NewCitationMatcher(zap.NewNop())
	matches := []EvidenceMatch{
		evidenceMatch("report.pdf", 2, 0.9),
		evidenceMatch("report.pdf", 7, 0.5),
	}

	citations := matcher.Resolve([]classifier.CitedSource{
		{Document: "report.pdf", Page: 7},
	}, matches)

	require.Len(t, citations, 1)
	assert.True(t, citations[0].Matched)
	assert.Equal(t, 7, citations[0].PageNumber)
}

func TestResolveFallsBackToBestScoredMatch(t *testing.T) {
	matcher := NewCitationMatcher(zap.NewNop())
	matches := []EvidenceMatch{
		evidenceMatch("a.pdf", 1, 0.4),
		evidenceMatch("b.pdf", 2, 0.95),
	}

	citations := matcher.Resolve([]classifier.CitedSource{
		{Document: "hallucinated.pdf", Page: 99},
	}, matches)

	require.Len(t, citations, 1)
	assert.False(t, citations[0].Matched)
	assert.Equal(t, "b.pdf", citations[0].Filename)
	assert.InDelta(t, 0.95, citations[0].SimilarityScore, 1e-9)
}

func TestResolveWithoutEvidenceReturnsNothing(t *testing.T) {
	matcher := NewCitationMatcher(zap.NewNop())

	citations := matcher.Resolve([]classifier.CitedSource{
		{Document: "anything.pdf"},
	}, nil)

	assert.Empty(t, citations)
}

func TestFormatEvidenceNumbersSources(t *testing.T) {
	matches := []EvidenceMatch{
		evidenceMatch("first.pdf", 1, 0.9),
		evidenceMatch("second.pdf", 4, 0.8),
	}
	matches[1].Record.DocumentType = "supporting"

	formatted := FormatEvidence(matches)
	assert.Contains(t, formatted, "[Source 1] Document: first.pdf, Page: 1")
	assert.Contains(t, formatted, "[Source 2] Document: second.pdf, Page: 4 (supporting)")
	assert.Contains(t, formatted, "passage from first.pdf")
}
