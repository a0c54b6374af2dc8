package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Project gruppiert Dokumente und Verifikations-Jobs eines Mandanten.
type Project struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name string `json:"name" gorm:"not null"`

	// Hintergrund-Kontext, der dem Klassifikator pro Satz mitgegeben wird.
	BackgroundContext string `json:"background_context,omitempty" gorm:"type:text"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Project) TableName() string {
	return "projects"
}

// BeforeCreate vergibt eine UUID, falls noch keine gesetzt ist.
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
