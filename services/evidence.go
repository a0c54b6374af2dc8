package services

import (
	"errors"
	"fmt"
	"strings"

	"veridoc/vectorstore"
)

// FormatEvidence formatiert die Treffer als nummerierte Belege für den
// Klassifikator. Die Nummerierung ist 1-basiert und entspricht der
// Reihenfolge des Rankings.
func FormatEvidence(matches []EvidenceMatch) string {
	var b strings.Builder
	for i, match := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Source %d] Document: %s, Page: %d",
			i+1, match.Record.Filename, match.Record.PageNumber)
		if match.Record.DocumentType != "" {
			fmt.Fprintf(&b, " (%s)", match.Record.DocumentType)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(match.Record.Content))
	}
	return b.String()
}

// isStoreUnavailable meldet, ob der Fehler eine Nichterreichbarkeit des
// Evidence Stores anzeigt.
func isStoreUnavailable(err error) bool {
	return errors.Is(err, vectorstore.ErrUnavailable)
}
