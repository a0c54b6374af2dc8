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

	"veridoc/chunker"
	"veridoc/classifier"
	"veridoc/config"
	"veridoc/models"
	"veridoc/ocr"
	"veridoc/progress"
)

// ErrJobActive zeigt an, dass für das Hauptdokument bereits ein nicht
// abgeschlossener Job existiert.
var ErrJobActive = errors.New("an active verification job already exists for this document")

// Retriever liefert Evidenz-Treffer für eine Aussage.
type Retriever interface {
	Retrieve(ctx context.Context, projectID uuid.UUID, claim string) ([]EvidenceMatch, error)
}

// VerifyService führt Verifikations-Jobs aus: Satz für Satz wird das
// Hauptdokument gegen die indexierten Belegdokumente geprüft.
type VerifyService struct {
	Config     *config.Config
	DB         *gorm.DB
	Logger     *zap.Logger
	Storage    ObjectStorage
	Extractor  ocr.Extractor
	Retrieval  Retriever
	Classifier classifier.Classifier
	Matcher    *CitationMatcher
	Progress   progress.Publisher
	Chunker    *chunker.Chunker
}

// NewVerifyService erstellt einen neuen Verifikations-Service.
func NewVerifyService(cfg *config.Config, db *gorm.DB, logger *zap.Logger, storage ObjectStorage, extractor ocr.Extractor, retrieval Retriever, cls classifier.Classifier, bus progress.Publisher) *VerifyService {
	return &VerifyService{
		Config:     cfg,
		DB:         db,
		Logger:     logger,
		Storage:    storage,
		Extractor:  extractor,
		Retrieval:  retrieval,
		Classifier: cls,
		Matcher:    NewCitationMatcher(logger),
		Progress:   bus,
		Chunker:    chunker.New(cfg.SentencesPerChunk, cfg.OverlapSentences),
	}
}

// CreateJob legt einen neuen Job im Zustand PENDING an. Pro Hauptdokument
// ist höchstens ein nicht abgeschlossener Job erlaubt.
func (s *VerifyService) CreateJob(ctx context.Context, projectID, mainDocumentID uuid.UUID) (*models.VerificationJob, error) {
	var document models.Document
	if err := s.DB.WithContext(ctx).First(&document, "id = ? AND project_id = ?", mainDocumentID, projectID).Error; err != nil {
		return nil, fmt.Errorf("load main document: %w", err)
	}
	if document.DocumentType != models.DocumentTypeMain {
		return nil, fmt.Errorf("document %s is not a main document", mainDocumentID)
	}

	var active int64
	if err := s.DB.WithContext(ctx).Model(&models.VerificationJob{}).
		Where("main_document_id = ? AND status IN ?", mainDocumentID,
			[]models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}).
		Count(&active).Error; err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, ErrJobActive
	}

	job := &models.VerificationJob{
		ProjectID:      projectID,
		MainDocumentID: mainDocumentID,
		Status:         models.JobStatusPending,
	}
	if err := s.DB.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create verification job: %w", err)
	}
	s.Logger.Info("Verification job created",
		zap.String("job_id", job.ID.String()),
		zap.String("main_document_id", mainDocumentID.String()))
	return job, nil
}

// Run führt den Job aus. Terminale Jobs sind ein No-Op, sodass doppelte
// Zustellungen aus der Queue harmlos bleiben. Ein unterbrochener Job
// setzt hinter dem letzten Checkpoint fort.
func (s *VerifyService) Run(ctx context.Context, jobID uuid.UUID, workerTaskID string) error {
	var job models.VerificationJob
	if err := s.DB.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		s.Logger.Info("Job already finished, skipping",
			zap.String("job_id", jobID.String()), zap.String("status", string(job.Status)))
		return nil
	}

	started := time.Now()
	if job.StartedAt == nil {
		job.StartedAt = &started
	}
	job.Status = models.JobStatusProcessing
	job.WorkerTaskID = workerTaskID
	if err := s.DB.WithContext(ctx).Save(&job).Error; err != nil {
		return fmt.Errorf("claim job: %w", err)
	}

	if err := s.process(ctx, &job, started); err != nil {
		s.fail(&job, err)
		return err
	}
	return nil
}

// process arbeitet die Sätze des Hauptdokuments sequentiell ab.
func (s *VerifyService) process(ctx context.Context, job *models.VerificationJob, started time.Time) error {
	var document models.Document
	if err := s.DB.WithContext(ctx).First(&document, "id = ?", job.MainDocumentID).Error; err != nil {
		return fmt.Errorf("load main document: %w", err)
	}
	var project models.Project
	if err := s.DB.WithContext(ctx).First(&project, "id = ?", job.ProjectID).Error; err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	sentences, err := s.extractSentences(ctx, &document)
	if err != nil {
		return err
	}
	job.TotalSentences = len(sentences)
	if err := s.checkpoint(ctx, job); err != nil {
		return err
	}

	commitInterval := s.Config.CommitInterval
	if commitInterval < 1 {
		commitInterval = 1
	}

	// Bereits verarbeitete Sätze eines unterbrochenen Laufs überspringen.
	startIndex := job.VerifiedSentences + job.ErrorCount
	for i := startIndex; i < len(sentences); i++ {
		if err := ctx.Err(); err != nil {
			_ = s.checkpoint(context.Background(), job)
			return fmt.Errorf("verification interrupted: %w", err)
		}
		if elapsed := time.Since(started); elapsed > s.Config.JobSoftLimit {
			_ = s.checkpoint(context.Background(), job)
			return fmt.Errorf("soft time limit exceeded after %s", elapsed.Round(time.Second))
		}

		if err := s.verifySentence(ctx, job, &project, sentences[i]); err != nil {
			return err
		}

		processed := job.VerifiedSentences + job.ErrorCount
		if processed%commitInterval == 0 {
			if err := s.checkpoint(ctx, job); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	job.Progress = 1.0
	if err := s.checkpoint(ctx, job); err != nil {
		return err
	}
	s.Logger.Info("Verification job completed",
		zap.String("job_id", job.ID.String()),
		zap.Int("total_sentences", job.TotalSentences),
		zap.Int("validated", job.ValidatedCount),
		zap.Int("uncertain", job.UncertainCount),
		zap.Int("incorrect", job.IncorrectCount),
		zap.Int("errors", job.ErrorCount))
	return nil
}

// verifySentence prüft genau einen Satz. Fehler einzelner Sätze erhöhen
// den Fehlerzähler, Infrastrukturfehler des Evidence Stores brechen den
// Job ab.
func (s *VerifyService) verifySentence(ctx context.Context, job *models.VerificationJob, project *models.Project, sentence chunker.Sentence) error {
	matches, err := s.Retrieval.Retrieve(ctx, job.ProjectID, sentence.Content)
	if err != nil {
		if isInfrastructureError(err) {
			return fmt.Errorf("evidence retrieval for sentence %d: %w", sentence.Index, err)
		}
		job.ErrorCount++
		s.Logger.Warn("Sentence verification failed",
			zap.String("job_id", job.ID.String()),
			zap.Int("sentence_index", sentence.Index),
			zap.Error(err))
		return nil
	}

	var (
		judgment  *classifier.Judgment
		citations []models.Citation
	)
	if len(matches) == 0 {
		// Ohne Evidenz gibt es nichts zu klassifizieren.
		judgment = &classifier.Judgment{
			ValidationResult: string(models.VerdictUncertain),
			ConfidenceScore:  0,
			Reasoning:        "no relevant evidence found in project documents",
		}
	} else {
		judgment, err = s.Classifier.Classify(ctx, sentence.Content, project.BackgroundContext, FormatEvidence(matches))
		if err != nil {
			job.ErrorCount++
			s.Logger.Warn("Sentence classification failed",
				zap.String("job_id", job.ID.String()),
				zap.Int("sentence_index", sentence.Index),
				zap.Error(err))
			return nil
		}
		citations = s.Matcher.Resolve(judgment.Citations, matches)

		// Ein positives Urteil ohne auflösbare Belege ist nicht belegbar.
		if judgment.ValidationResult != string(models.VerdictIncorrect) && len(citations) == 0 {
			judgment.ValidationResult = string(models.VerdictIncorrect)
			judgment.Reasoning = strings.TrimSpace(judgment.Reasoning + " (no citations could be resolved against the retrieved evidence)")
		}
	}

	row := models.VerifiedSentence{
		VerificationJobID: job.ID,
		SentenceIndex:     sentence.Index,
		Content:           sentence.Content,
		PageNumber:        sentence.PageNumber,
		StartChar:         sentence.StartChar,
		EndChar:           sentence.EndChar,
		Verdict:           models.Verdict(judgment.ValidationResult),
		ConfidenceScore:   judgment.ConfidenceScore,
		Reasoning:         judgment.Reasoning,
	}
	if err := row.SetCitations(citations); err != nil {
		return fmt.Errorf("encode citations: %w", err)
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("persist verified sentence %d: %w", sentence.Index, err)
	}

	job.VerifiedSentences++
	switch row.Verdict {
	case models.VerdictValidated:
		job.ValidatedCount++
	case models.VerdictUncertain:
		job.UncertainCount++
	case models.VerdictIncorrect:
		job.IncorrectCount++
	}
	return nil
}

// extractSentences lädt das Hauptdokument und zerlegt es in Sätze.
func (s *VerifyService) extractSentences(ctx context.Context, document *models.Document) ([]chunker.Sentence, error) {
	data, err := s.Storage.DownloadFile(ctx, document.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("download main document: %w", err)
	}
	extracted, err := s.Extractor.Extract(ctx, document.Filename, data)
	if err != nil {
		return nil, fmt.Errorf("extract main document text: %w", err)
	}
	sentences := s.Chunker.Sentences(extracted)
	if len(sentences) == 0 {
		return nil, fmt.Errorf("main document %s contains no sentences", document.Filename)
	}
	return sentences, nil
}

// checkpoint persistiert Zähler und Fortschritt des Jobs und publiziert
// ein Fortschritts-Ereignis. Publikationsfehler werden im Bus geschluckt.
func (s *VerifyService) checkpoint(ctx context.Context, job *models.VerificationJob) error {
	if !job.Status.Terminal() && job.TotalSentences > 0 {
		job.Progress = float64(job.VerifiedSentences+job.ErrorCount) / float64(job.TotalSentences)
	}
	if err := s.DB.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("checkpoint job: %w", err)
	}
	if s.Progress != nil {
		s.Progress.Publish(ctx, progress.Event{
			JobID:             job.ID.String(),
			Status:            string(job.Status),
			Progress:          job.Progress,
			VerifiedSentences: job.VerifiedSentences,
			TotalSentences:    job.TotalSentences,
			Message:           fmt.Sprintf("Verified %d of %d sentences", job.VerifiedSentences, job.TotalSentences),
		})
	}
	return nil
}

// fail markiert den Job als fehlgeschlagen und sichert den letzten Stand.
func (s *VerifyService) fail(job *models.VerificationJob, cause error) {
	now := time.Now()
	job.Status = models.JobStatusFailed
	job.CompletedAt = &now
	job.ErrorMessage = cause.Error()
	if err := s.checkpoint(context.Background(), job); err != nil {
		s.Logger.Error("Failed to persist job failure",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	s.Logger.Error("Verification job failed",
		zap.String("job_id", job.ID.String()), zap.Error(cause))
}

// isInfrastructureError unterscheidet Infrastruktur- von Einzelfehlern.
func isInfrastructureError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || isStoreUnavailable(err)
}
