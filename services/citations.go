package services

import (
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veridoc/classifier"
	"veridoc/models"
)

// CitationMatcher löst die vom Klassifikator benannten Belege gegen die
// tatsächlich abgerufenen Evidenz-Treffer auf. Zitate verweisen dadurch
// immer auf real existierende Chunks, nie auf erfundene Quellen.
type CitationMatcher struct {
	Logger *zap.Logger
}

// NewCitationMatcher erstellt einen neuen Citation Matcher.
func NewCitationMatcher(logger *zap.Logger) *CitationMatcher {
	return &CitationMatcher{Logger: logger}
}

// Resolve ordnet jedes Zitat des Urteils einem Evidenz-Treffer zu.
// Gematcht wird über Dateinamen-Teilstring (case-insensitiv), bei
// mehreren Kandidaten zusätzlich über die exakte Seitenzahl. Findet sich
// kein Kandidat, fällt die Zuordnung auf den bestbewerteten Treffer
// zurück und wird als nicht gematcht markiert.
func (m *CitationMatcher) Resolve(cited []classifier.CitedSource, matches []EvidenceMatch) []models.Citation {
	if len(matches) == 0 {
		return nil
	}

	citations := make([]models.Citation, 0, len(cited))
	for _, source := range cited {
		match, exact := m.findMatch(source, matches)
		citation := toCitation(match, exact)
		citation.Relevance = source.Relevance
		citations = append(citations, citation)

		if !exact {
			m.Logger.Debug("Citation fell back to best-scored evidence",
				zap.String("cited_document", source.Document),
				zap.Int("cited_page", source.Page))
		}
	}
	return citations
}

// findMatch sucht den Treffer zum benannten Dokument. Das zweite
// Ergebnis meldet, ob die Zuordnung exakt war.
func (m *CitationMatcher) findMatch(source classifier.CitedSource, matches []EvidenceMatch) (EvidenceMatch, bool) {
	wanted := strings.ToLower(strings.TrimSpace(source.Document))

	var byName []EvidenceMatch
	if wanted != "" {
		for _, match := range matches {
			filename := strings.ToLower(match.Record.Filename)
			if strings.Contains(filename, wanted) || strings.Contains(wanted, filename) {
				byName = append(byName, match)
			}
		}
	}

	switch len(byName) {
	case 0:
		return bestScored(matches), false
	case 1:
		return byName[0], true
	}

	// Mehrere Chunks desselben Dokuments: Seitenzahl entscheidet.
	if source.Page > 0 {
		for _, match := range byName {
			if match.Record.PageNumber == source.Page {
				return match, true
			}
		}
	}
	return bestScored(byName), true
}

// bestScored liefert den Treffer mit dem höchsten Score.
func bestScored(matches []EvidenceMatch) EvidenceMatch {
	best := matches[0]
	for _, match := range matches[1:] {
		if match.Score > best.Score {
			best = match
		}
	}
	return best
}

// toCitation übernimmt die Positionsdaten aus dem aufgelösten Treffer.
func toCitation(match EvidenceMatch, exact bool) models.Citation {
	documentID, err := uuid.Parse(match.Record.DocumentID)
	if err != nil {
		documentID = uuid.Nil
	}
	return models.Citation{
		DocumentID:      documentID,
		CitedText:       match.Record.Content,
		PageNumber:      match.Record.PageNumber,
		StartChar:       match.Record.StartChar,
		EndChar:         match.Record.EndChar,
		SimilarityScore: match.Score,
		Filename:        match.Record.Filename,
		Matched:         exact,
	}
}
