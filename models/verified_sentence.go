package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Verdict ist das Klassifikationsergebnis für einen Satz gegen die Evidenz.
type Verdict string

const (
	VerdictValidated Verdict = "VALIDATED"
	VerdictUncertain Verdict = "UNCERTAIN"
	VerdictIncorrect Verdict = "INCORRECT"
)

// Citation verweist auf einen Chunk, den das Retrieval tatsächlich geliefert hat.
type Citation struct {
	DocumentID      uuid.UUID `json:"document_id"`
	CitedText       string    `json:"cited_text"`
	PageNumber      int       `json:"page_number"`
	StartChar       int       `json:"start_char"`
	EndChar         int       `json:"end_char"`
	SimilarityScore float64   `json:"similarity_score"`
	Filename        string    `json:"filename"`
	Relevance       string    `json:"relevance,omitempty"`

	// false, wenn der Citation Matcher auf den bestbewerteten Kandidaten
	// zurückfallen musste, statt Dateiname/Seite exakt zuzuordnen.
	Matched bool `json:"matched"`
}

// VerifiedSentence ist das unveränderliche Ergebnis genau eines Satzes eines Jobs.
// Fehlgeschlagene Sätze erzeugen keine Zeile.
type VerifiedSentence struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	VerificationJobID uuid.UUID `json:"verification_job_id" gorm:"type:uuid;index;not null"`

	SentenceIndex int    `json:"sentence_index" gorm:"not null"`
	Content       string `json:"content" gorm:"type:text;not null"`
	PageNumber    int    `json:"page_number"`
	StartChar     int    `json:"start_char"`
	EndChar       int    `json:"end_char"`

	Verdict         Verdict `json:"verdict" gorm:"index;not null"`
	ConfidenceScore float64 `json:"confidence_score"`
	Reasoning       string  `json:"reasoning,omitempty" gorm:"type:text"`

	// Geordnete Zitate als JSON-Blob, Zugriff über SetCitations/Citations.
	CitationsJSON []byte `json:"-" gorm:"column:citations;type:jsonb"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (VerifiedSentence) TableName() string {
	return "verified_sentences"
}

// BeforeCreate vergibt eine UUID, falls noch keine gesetzt ist.
func (s *VerifiedSentence) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SetCitations serialisiert die Zitatliste in die JSON-Spalte.
func (s *VerifiedSentence) SetCitations(citations []Citation) error {
	b, err := json.Marshal(citations)
	if err != nil {
		return err
	}
	s.CitationsJSON = b
	return nil
}

// Citations deserialisiert die Zitatliste aus der JSON-Spalte.
func (s *VerifiedSentence) Citations() ([]Citation, error) {
	if len(s.CitationsJSON) == 0 {
		return nil, nil
	}
	var out []Citation
	if err := json.Unmarshal(s.CitationsJSON, &out); err != nil {
		return nil, err
	}
	return out, nil
}
