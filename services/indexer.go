package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"veridoc/chunker"
	"veridoc/config"
	"veridoc/models"
	"veridoc/ocr"
	"veridoc/vectorstore"
)

// ErrAlreadyProcessing zeigt an, dass ein anderer Worker das Dokument
// gerade indexiert. Aufrufer dürfen später erneut versuchen.
var ErrAlreadyProcessing = errors.New("document is already being indexed")

// Index-Status für IndexResult.
const (
	IndexStatusCompleted         = "completed"
	IndexStatusAlreadyIndexed    = "already_indexed"
	IndexStatusAlreadyProcessing = "already_processing"
)

// IndexResult beschreibt den Ausgang eines Index-Laufs für ein Dokument.
type IndexResult struct {
	DocumentID    uuid.UUID `json:"document_id"`
	Status        string    `json:"status"`
	ChunksIndexed int       `json:"chunks_indexed"`
	PageCount     int       `json:"page_count"`
}

// ProjectIndexResult aggregiert einen Index-Lauf über alle Dokumente
// eines Projekts.
type ProjectIndexResult struct {
	Indexed int               `json:"indexed"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
	Results []IndexResult     `json:"results"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ObjectStorage lädt Dokument-Inhalte aus dem Objektspeicher.
type ObjectStorage interface {
	DownloadFile(ctx context.Context, key string) ([]byte, error)
}

// IndexService koordiniert die Indexierung von Dokumenten: Download,
// Texterkennung, Chunking, Embeddings und Schreiben in den Evidence Store.
// Pro Dokument läuft höchstens ein Index-Lauf gleichzeitig.
type IndexService struct {
	Config    *config.Config
	DB        *gorm.DB
	Logger    *zap.Logger
	Storage   ObjectStorage
	Extractor ocr.Extractor
	Embedder  Embedder
	Store     vectorstore.EvidenceStore
	Chunker   *chunker.Chunker
}

// NewIndexService erstellt einen neuen Index-Service.
func NewIndexService(cfg *config.Config, db *gorm.DB, logger *zap.Logger, storage ObjectStorage, extractor ocr.Extractor, embedder Embedder, store vectorstore.EvidenceStore) *IndexService {
	return &IndexService{
		Config:    cfg,
		DB:        db,
		Logger:    logger,
		Storage:   storage,
		Extractor: extractor,
		Embedder:  embedder,
		Store:     store,
		Chunker:   chunker.New(cfg.SentencesPerChunk, cfg.OverlapSentences),
	}
}

// IndexDocument indexiert ein einzelnes Dokument. Der Aufruf ist
// idempotent: ein bereits indexiertes Dokument wird ohne Schreibzugriffe
// übersprungen, ein gerade laufender Index-Lauf liefert
// ErrAlreadyProcessing. force erzwingt eine Neu-Indexierung und räumt
// vorher alle Chunks und Evidence-Einträge des Dokuments ab.
func (s *IndexService) IndexDocument(ctx context.Context, documentID uuid.UUID, force bool) (*IndexResult, error) {
	result := &IndexResult{DocumentID: documentID}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var document models.Document
		query := tx
		// Die Zeilensperre serialisiert konkurrierende Index-Läufe desselben
		// Dokuments; NOWAIT macht den Verlierer sofort sichtbar statt ihn
		// warten zu lassen.
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
		}
		if err := query.First(&document, "id = ?", documentID).Error; err != nil {
			if isLockNotAvailable(err) {
				return ErrAlreadyProcessing
			}
			return fmt.Errorf("load document: %w", err)
		}

		if document.Indexed && !force {
			result.Status = IndexStatusAlreadyIndexed
			result.PageCount = document.PageCount
			return nil
		}

		if document.Indexed && force {
			if err := s.clearDocument(ctx, tx, &document); err != nil {
				return err
			}
		}

		chunksIndexed, pageCount, err := s.runPipeline(ctx, tx, &document)
		if err != nil {
			return err
		}

		now := time.Now()
		update := map[string]interface{}{
			"indexed":    true,
			"indexed_at": &now,
			"page_count": pageCount,
		}
		if err := tx.Model(&document).Updates(update).Error; err != nil {
			return fmt.Errorf("mark document indexed: %w", err)
		}

		result.Status = IndexStatusCompleted
		result.ChunksIndexed = chunksIndexed
		result.PageCount = pageCount
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessing) {
			result.Status = IndexStatusAlreadyProcessing
			return result, ErrAlreadyProcessing
		}
		return nil, err
	}

	s.Logger.Info("Document indexing finished",
		zap.String("document_id", documentID.String()),
		zap.String("status", result.Status),
		zap.Int("chunks_indexed", result.ChunksIndexed))
	return result, nil
}

// runPipeline führt Download, Texterkennung, Chunking, Embeddings und
// das Schreiben in den Evidence Store aus. Läuft innerhalb der
// Transaktion, die die Dokumentzeile sperrt.
func (s *IndexService) runPipeline(ctx context.Context, tx *gorm.DB, document *models.Document) (int, int, error) {
	data, err := s.Storage.DownloadFile(ctx, document.StoragePath)
	if err != nil {
		return 0, 0, fmt.Errorf("download document %s: %w", document.Filename, err)
	}

	extracted, err := s.Extractor.Extract(ctx, document.Filename, data)
	if err != nil {
		return 0, 0, fmt.Errorf("extract text from %s: %w", document.Filename, err)
	}

	sentences := s.Chunker.Sentences(extracted)
	pieces := s.Chunker.Chunks(sentences)
	if len(pieces) == 0 {
		return 0, 0, fmt.Errorf("document %s produced no chunks", document.Filename)
	}

	chunks := make([]models.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = models.Chunk{
			DocumentID: document.ID,
			ChunkIndex: piece.Ordinal,
			Content:    piece.Content,
			PageNumber: piece.PageNumber,
			StartChar:  piece.StartChar,
			EndChar:    piece.EndChar,
		}
	}
	if err := tx.Create(&chunks).Error; err != nil {
		return 0, 0, fmt.Errorf("persist chunks: %w", err)
	}

	if err := s.Store.EnsureCollection(ctx, document.ProjectID); err != nil {
		return 0, 0, fmt.Errorf("ensure collection: %w", err)
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	vectors, err := s.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, 0, fmt.Errorf("embed chunks: %w", err)
	}

	for i := range chunks {
		record := vectorstore.EvidenceRecord{
			Content:      chunks[i].Content,
			DocumentID:   document.ID.String(),
			ChunkID:      chunks[i].ID.String(),
			PageNumber:   chunks[i].PageNumber,
			StartChar:    chunks[i].StartChar,
			EndChar:      chunks[i].EndChar,
			Filename:     document.OriginalFilename,
			DocumentType: string(document.DocumentType),
		}
		evidenceID, err := s.Store.Upsert(ctx, document.ProjectID, record, vectors[i])
		if err != nil {
			return 0, 0, fmt.Errorf("upsert chunk %d: %w", chunks[i].ChunkIndex, err)
		}
		if err := tx.Model(&chunks[i]).Update("evidence_id", evidenceID).Error; err != nil {
			return 0, 0, fmt.Errorf("record evidence id: %w", err)
		}
	}

	return len(chunks), extracted.PageCount(), nil
}

// clearDocument räumt bei einer erzwungenen Neu-Indexierung die alten
// Chunks und Evidence-Einträge ab.
func (s *IndexService) clearDocument(ctx context.Context, tx *gorm.DB, document *models.Document) error {
	if err := s.Store.DeleteByDocument(ctx, document.ProjectID, document.ID); err != nil {
		return fmt.Errorf("clear evidence store: %w", err)
	}
	if err := tx.Where("document_id = ?", document.ID).Delete(&models.Chunk{}).Error; err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	return tx.Model(document).Updates(map[string]interface{}{
		"indexed":    false,
		"indexed_at": nil,
	}).Error
}

// IndexProject indexiert alle noch nicht indexierten Dokumente eines
// Projekts. Fehler einzelner Dokumente brechen den Lauf nicht ab.
func (s *IndexService) IndexProject(ctx context.Context, projectID uuid.UUID) (*ProjectIndexResult, error) {
	var documents []models.Document
	if err := s.DB.WithContext(ctx).
		Where("project_id = ? AND indexed = ?", projectID, false).
		Order("created_at").
		Find(&documents).Error; err != nil {
		return nil, fmt.Errorf("list project documents: %w", err)
	}

	summary := &ProjectIndexResult{Errors: map[string]string{}}
	for _, document := range documents {
		result, err := s.IndexDocument(ctx, document.ID, false)
		if err != nil {
			if errors.Is(err, ErrAlreadyProcessing) {
				summary.Skipped++
				summary.Results = append(summary.Results, *result)
				continue
			}
			summary.Failed++
			summary.Errors[document.ID.String()] = err.Error()
			s.Logger.Error("Document indexing failed",
				zap.String("document_id", document.ID.String()),
				zap.String("filename", document.Filename),
				zap.Error(err))
			continue
		}
		switch result.Status {
		case IndexStatusCompleted:
			summary.Indexed++
		default:
			summary.Skipped++
		}
		summary.Results = append(summary.Results, *result)
	}
	if len(summary.Errors) == 0 {
		summary.Errors = nil
	}
	return summary, nil
}

// isLockNotAvailable erkennt einen durch NOWAIT abgewiesenen Sperrversuch.
func isLockNotAvailable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "55P03") || strings.Contains(msg, "could not obtain lock")
}
