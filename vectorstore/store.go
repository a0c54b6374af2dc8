package vectorstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnavailable zeigt an, dass der Evidence Store nicht erreichbar war.
// Aufrufer müssen "keine Evidenz" von einem Infrastrukturfehler unterscheiden
// können, daher wird ein leeres Ergebnis nie stillschweigend zurückgegeben.
var ErrUnavailable = errors.New("evidence store unavailable")

// EvidenceRecord ist der pro Chunk im Evidence Store abgelegte Datensatz.
// Die Chunk-ID ist zum Zeitpunkt des Schreibens bereits persistiert.
type EvidenceRecord struct {
	Content      string `json:"content"`
	DocumentID   string `json:"document_id"`
	ChunkID      string `json:"chunk_id"`
	PageNumber   int    `json:"page_number"`
	StartChar    int    `json:"start_char"`
	EndChar      int    `json:"end_char"`
	Filename     string `json:"filename"`
	DocumentType string `json:"document_type"`
}

// QueryHit ist ein Treffer einer Nearest-Neighbor- oder Hybrid-Abfrage.
// Distance ist nil, wenn der Store keine Distanz geliefert hat (z.B. für
// reine Keyword-Treffer der Hybrid-Suche).
type QueryHit struct {
	Record   EvidenceRecord
	Distance *float64
}

// EvidenceStore ist die schmale Schnittstelle über den externen Vektor/Keyword-Index.
// Collections sind pro Projekt adressiert; Datensätze sind über die Chunk-ID
// verschlüsselt, sodass gleichzeitige Schreibzugriffe verschiedener Dokumente
// keine Koordination benötigen.
type EvidenceStore interface {
	EnsureCollection(ctx context.Context, projectID uuid.UUID) error
	Upsert(ctx context.Context, projectID uuid.UUID, record EvidenceRecord, vector []float64) (string, error)
	QueryNearest(ctx context.Context, projectID uuid.UUID, vector []float64, limit int) ([]QueryHit, error)
	QueryHybrid(ctx context.Context, projectID uuid.UUID, query string, vector []float64, alpha float64, limit int) ([]QueryHit, error)
	DeleteByDocument(ctx context.Context, projectID, documentID uuid.UUID) error
	DeleteCollection(ctx context.Context, projectID uuid.UUID) error
}
