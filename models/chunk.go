package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Chunk ist ein zusammenhängender, seiten-getaggter Textausschnitt eines Dokuments.
// Die ChunkIndex-Werte sind pro Dokument lückenlos ab 0 und eindeutig.
type Chunk struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	DocumentID uuid.UUID `json:"document_id" gorm:"type:uuid;index:idx_chunks_document_ordinal,unique;not null"`
	ChunkIndex int       `json:"chunk_index" gorm:"index:idx_chunks_document_ordinal,unique;not null"`

	Content    string `json:"content" gorm:"type:text;not null"`
	PageNumber int    `json:"page_number"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`

	// Externe ID im Evidence Store; leer, bis der Datensatz dort erfolgreich
	// geschrieben wurde.
	EvidenceID string `json:"evidence_id,omitempty" gorm:"index"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Chunk) TableName() string {
	return "chunks"
}

// BeforeCreate vergibt eine UUID, falls noch keine gesetzt ist.
func (c *Chunk) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
