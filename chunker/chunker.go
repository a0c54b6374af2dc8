package chunker

import (
	"regexp"
	"strings"

	"veridoc/ocr"
)

// Sentence ist ein einzelner Satz mit Positionsangaben im Dokument.
type Sentence struct {
	Index      int
	Content    string
	PageNumber int
	StartChar  int
	EndChar    int
}

// Chunk ist ein Abschnitt aus mehreren aufeinanderfolgenden Sätzen.
type Chunk struct {
	Ordinal    int
	Content    string
	PageNumber int
	StartChar  int
	EndChar    int
}

// Chunker zerlegt seitenweisen Text in Sätze und überlappende Abschnitte.
type Chunker struct {
	SentencesPerChunk int
	OverlapSentences  int
}

// New erstellt einen Chunker mit den gegebenen Parametern. Ungültige
// Werte werden auf sinnvolle Minima angehoben.
func New(sentencesPerChunk, overlapSentences int) *Chunker {
	if sentencesPerChunk < 1 {
		sentencesPerChunk = 1
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}
	if overlapSentences >= sentencesPerChunk {
		overlapSentences = sentencesPerChunk - 1
	}
	return &Chunker{SentencesPerChunk: sentencesPerChunk, OverlapSentences: overlapSentences}
}

var (
	sentenceEndRe = regexp.MustCompile(`([.!?])(\s+|$)`)
	whitespaceRe  = regexp.MustCompile(`[ \t]+`)
)

// Sentences zerlegt das OCR-Ergebnis in Sätze. Die Zeichenpositionen
// beziehen sich auf den bereinigten Text der jeweiligen Seite.
func (c *Chunker) Sentences(result *ocr.Result) []Sentence {
	var sentences []Sentence
	for _, page := range result.Pages {
		text := normalizePage(page.Text)
		offset := 0
		for _, raw := range splitSentences(text) {
			start := strings.Index(text[offset:], raw)
			if start < 0 {
				start = 0
			}
			start += offset
			end := start + len(raw)
			offset = end

			trimmed := strings.TrimSpace(raw)
			if trimmed == "" {
				continue
			}
			sentences = append(sentences, Sentence{
				Index:      len(sentences),
				Content:    trimmed,
				PageNumber: page.Number,
				StartChar:  start,
				EndChar:    end,
			})
		}
	}
	return sentences
}

// Chunks gruppiert die Sätze in überlappende Abschnitte. Die Ordinale
// sind lückenlos ab 0 vergeben; Seite und Positionen stammen vom ersten
// Satz des Abschnitts.
func (c *Chunker) Chunks(sentences []Sentence) []Chunk {
	if len(sentences) == 0 {
		return nil
	}
	step := c.SentencesPerChunk - c.OverlapSentences
	var chunks []Chunk
	for start := 0; start < len(sentences); start += step {
		end := start + c.SentencesPerChunk
		if end > len(sentences) {
			end = len(sentences)
		}
		group := sentences[start:end]
		parts := make([]string, len(group))
		for i, s := range group {
			parts[i] = s.Content
		}
		chunks = append(chunks, Chunk{
			Ordinal:    len(chunks),
			Content:    strings.Join(parts, " "),
			PageNumber: group[0].PageNumber,
			StartChar:  group[0].StartChar,
			EndChar:    group[len(group)-1].EndChar,
		})
		if end == len(sentences) {
			break
		}
	}
	return chunks
}

// splitSentences teilt den Text an Satzenden auf und behält das
// Satzzeichen beim vorangehenden Satz.
func splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(text, -1) {
		end := loc[1]
		sentences = append(sentences, text[last:end])
		last = end
	}
	if last < len(text) {
		sentences = append(sentences, text[last:])
	}
	return sentences
}
