package chunker

import (
	"regexp"
	"strings"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	hyphenBreakRe = regexp.MustCompile(`(?m)([\p{L}\p{N}])-(?:\r?\n)([\p{Ll}])`)
	pageNumberRe  = regexp.MustCompile(`^(?:[Pp]age\s*)?\d+(?:\s*/\s*\d+)?$`)
	markdownRe    = regexp.MustCompile(`(?m)^#{1,6}\s+|[*_]{1,2}`)

	ligatureReplacer = strings.NewReplacer(
		"ﬁ", "fi",
		"ﬂ", "fl",
		"ﬀ", "ff",
		"ﬃ", "ffi",
		"ﬄ", "ffl",
		"ﬆ", "st",
	)
)

// normalizePage bereinigt den OCR-Text einer Seite: Ligaturen und
// Unicode-Normalisierung, Silbentrennung am Zeilenende, Markdown-Reste
// sowie Seitenzahl-Artefakte. Das Ergebnis ist einzeiliger Fließtext.
func normalizePage(text string) string {
	text = ligatureReplacer.Replace(text)
	text, _, _ = transform.String(transform.Chain(norm.NFC), text)

	// "ab-\nweichung" -> "abweichung"
	text = hyphenBreakRe.ReplaceAllString(text, "$1$2")
	text = markdownRe.ReplaceAllString(text, "")

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || pageNumberRe.MatchString(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}
	return whitespaceRe.ReplaceAllString(strings.Join(kept, " "), " ")
}
