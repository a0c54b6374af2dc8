package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DocumentType unterscheidet das zu prüfende Hauptdokument von Belegdokumenten.
type DocumentType string

const (
	DocumentTypeMain       DocumentType = "main"
	DocumentTypeSupporting DocumentType = "supporting"
)

// Document repräsentiert ein hochgeladenes Dokument und dessen Index-Status.
type Document struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID uuid.UUID `json:"project_id" gorm:"type:uuid;index;not null"`

	Filename         string       `json:"filename" gorm:"not null"`
	OriginalFilename string       `json:"original_filename"`
	StoragePath      string       `json:"storage_path" gorm:"not null"` // S3-Key
	FileSize         int64        `json:"file_size"`
	MimeType         string       `json:"mime_type"`
	DocumentType     DocumentType `json:"document_type" gorm:"index;default:'supporting'"`

	// Index-Status: wechselt genau einmal pro erfolgreichem Index-Lauf auf true.
	Indexed   bool       `json:"indexed" gorm:"default:false"`
	IndexedAt *time.Time `json:"indexed_at,omitempty"`
	PageCount int        `json:"page_count"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Document) TableName() string {
	return "documents"
}

// BeforeCreate vergibt eine UUID, falls noch keine gesetzt ist.
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
