package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus beschreibt den Zustand eines Verifikations-Jobs.
// Übergänge: PENDING → PROCESSING → {COMPLETED | FAILED}; Terminalzustände
// werden nie wieder verlassen.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal meldet, ob der Status ein Endzustand ist.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// VerificationJob verfolgt die satzweise Verifikation eines Hauptdokuments.
type VerificationJob struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID      uuid.UUID `json:"project_id" gorm:"type:uuid;index;not null"`
	MainDocumentID uuid.UUID `json:"main_document_id" gorm:"type:uuid;index;not null"`

	Status JobStatus `json:"status" gorm:"index;default:'PENDING'"`

	// Monoton wachsende Zähler; am Ende gilt
	// validated+uncertain+incorrect+errors == total.
	TotalSentences    int `json:"total_sentences"`
	VerifiedSentences int `json:"verified_sentences"`
	ValidatedCount    int `json:"validated_count"`
	UncertainCount    int `json:"uncertain_count"`
	IncorrectCount    int `json:"incorrect_count"`
	ErrorCount        int `json:"error_count"`

	// Fortschritt in [0,1], laut DB-Constraint des Ursprungsschemas.
	Progress float64 `json:"progress"`

	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty" gorm:"type:text"`

	// ID des Workers/Tasks, der den Job zuletzt bearbeitet hat.
	WorkerTaskID string `json:"worker_task_id,omitempty"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (VerificationJob) TableName() string {
	return "verification_jobs"
}

// BeforeCreate vergibt eine UUID, falls noch keine gesetzt ist.
func (j *VerificationJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}
