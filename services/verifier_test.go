package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"veridoc/classifier"
	"veridoc/config"
	"veridoc/models"
	"veridoc/ocr"
	"veridoc/progress"
	"veridoc/vectorstore"
)

type stubRetriever struct {
	fn func(sentence string) ([]EvidenceMatch, error)
}

func (s *stubRetriever) Retrieve(ctx context.Context, projectID uuid.UUID, claim string) ([]EvidenceMatch, error) {
	return s.fn(claim)
}

type stubClassifier struct {
	fn    func(claim string) (*classifier.Judgment, error)
	calls int
}

func (s *stubClassifier) Classify(ctx context.Context, claim, background, evidence string) (*classifier.Judgment, error) {
	s.calls++
	return s.fn(claim)
}

type eventRecorder struct {
	events []progress.Event
}

func (r *eventRecorder) Publish(ctx context.Context, event progress.Event) {
	r.events = append(r.events, event)
}

func verifierConfig() *config.Config {
	cfg := indexerConfig()
	cfg.JobSoftLimit = 30 * time.Minute
	return cfg
}

func tenSentencesPage() []ocr.Page {
	text := ""
	for i := 0; i < 10; i++ {
		text += fmt.Sprintf("Claim number %d is stated here. ", i)
	}
	return []ocr.Page{{Number: 1, Text: text}}
}

func defaultMatches() []EvidenceMatch {
	return []EvidenceMatch{evidenceMatch("source.pdf", 2, 0.9)}
}

func validatedJudgment() *classifier.Judgment {
	return &classifier.Judgment{
		ValidationResult: "VALIDATED",
		ConfidenceScore:  0.9,
		Reasoning:        "evidence supports the claim",
		Citations: []classifier.CitedSource{
			{Document: "source.pdf", Page: 2, Quote: "quote"},
		},
	}
}

func newTestVerifier(db *gorm.DB, retriever Retriever, cls classifier.Classifier, recorder *eventRecorder) *VerifyService {
	storage := &memStorage{files: map[string][]byte{"key/paper.pdf": []byte("pdf bytes")}}
	extractor := &stubExtractor{pages: tenSentencesPage()}
	return NewVerifyService(verifierConfig(), db, zap.NewNop(), storage, extractor, retriever, cls, recorder)
}

func seedJob(t *testing.T, db *gorm.DB) (*VerifyService, *models.VerificationJob, *stubClassifier, *eventRecorder) {
	t.Helper()
	document := seedDocument(t, db, models.DocumentTypeMain)
	retriever := &stubRetriever{fn: func(string) ([]EvidenceMatch, error) { return defaultMatches(), nil }}
	cls := &stubClassifier{fn: func(string) (*classifier.Judgment, error) { return validatedJudgment(), nil }}
	recorder := &eventRecorder{}
	svc := newTestVerifier(db, retriever, cls, recorder)

	job, err := svc.CreateJob(context.Background(), document.ProjectID, document.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, job.Status)
	return svc, job, cls, recorder
}

func TestRunCompletesAndCountsVerdicts(t *testing.T) {
	db := openTestDB(t)
	svc, job, _, recorder := seedJob(t, db)

	require.NoError(t, svc.Run(context.Background(), job.ID, "task-1"))

	var updated models.VerificationJob
	require.NoError(t, db.First(&updated, "id = ?", job.ID).Error)
	assert.Equal(t, models.JobStatusCompleted, updated.Status)
	assert.Equal(t, 10, updated.TotalSentences)
	assert.Equal(t, 10, updated.VerifiedSentences)
	assert.Equal(t, 10, updated.ValidatedCount)
	assert.Equal(t, 1.0, updated.Progress)
	assert.Equal(t, "task-1", updated.WorkerTaskID)
	require.NotNil(t, updated.CompletedAt)

	var rows []models.VerifiedSentence
	require.NoError(t, db.Where("verification_job_id = ?", job.ID).Order("sentence_index").Find(&rows).Error)
	require.Len(t, rows, 10)
	citations, err := rows[0].Citations()
	require.NoError(t, err)
	require.Len(t, citations, 1)
	assert.True(t, citations[0].Matched)

	// Fortschritt wächst monoton.
	last := -1.0
	for _, event := range recorder.events {
		assert.GreaterOrEqual(t, event.Progress, last)
		last = event.Progress
	}
	require.NotEmpty(t, recorder.events)
	final := recorder.events[len(recorder.events)-1]
	assert.Equal(t, string(models.JobStatusCompleted), final.Status)
	assert.Equal(t, 1.0, final.Progress)
	assert.Equal(t, "Verified 10 of 10 sentences", final.Message)
}

func TestRunCompletesWithZeroCommitInterval(t *testing.T) {
	db := openTestDB(t)
	document := seedDocument(t, db, models.DocumentTypeMain)
	retriever := &stubRetriever{fn: func(string) ([]EvidenceMatch, error) { return defaultMatches(), nil }}
	cls := &stubClassifier{fn: func(string) (*classifier.Judgment, error) { return validatedJudgment(), nil }}
	cfg := verifierConfig()
	cfg.CommitInterval = 0
	storage := &memStorage{files: map[string][]byte{"key/paper.pdf": []byte("pdf bytes")}}
	extractor := &stubExtractor{pages: tenSentencesPage()}
	svc := NewVerifyService(cfg, db, zap.NewNop(), storage, extractor, retriever, cls, &eventRecorder{})

	job, err := svc.CreateJob(context.Background(), document.ProjectID, document.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background(), job.ID, "task-1"))

	var updated models.VerificationJob
	require.NoError(t, db.First(&updated, "id = ?", job.ID).Error)
	assert.Equal(t, models.JobStatusCompleted, updated.Status)
	assert.Equal(t, 10, updated.VerifiedSentences)
}

func TestRunIsolatesSingleSentenceFailures(t *testing.T) {
	db := openTestDB(t)
	document := seedDocument(t, db, models.DocumentTypeMain)
	retriever := &stubRetriever{fn: func(string) ([]EvidenceMatch, error) { return defaultMatches(), nil }}
	cls := &stubClassifier{fn: func(claim string) (*classifier.Judgment, error) {
		if claim == "Claim number 4 is stated here." {
			return nil, errors.New("model call failed")
		}
		return validatedJudgment(), nil
	}}
	svc := newTestVerifier(db, retriever, cls, &eventRecorder{})

	job, err := svc.CreateJob(context.Background(), document.ProjectID, document.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background(), job.ID, "task-1"))

	var updated models.VerificationJob
	require.NoError(t, db.First(&updated, "id = ?", job.ID).Error)
	assert.Equal(t, models.JobStatusCompleted, updated.Status)
	assert.Equal(t, 9, updated.VerifiedSentences)
	assert.Equal(t, 1, updated.ErrorCount)
	// Zähler-Erhaltung über alle Ausgänge.
	sum := updated.ValidatedCount + updated.UncertainCount + updated.IncorrectCount + updated.ErrorCount
	assert.Equal(t, updated.TotalSentences, sum)

	var count int64
	require.NoError(t, db.Model(&models.VerifiedSentence{}).Where("verification_job_id = ?", job.ID).Count(&count).Error)
	assert.EqualValues(t, 9, count)
}

func TestRunShortCircuitsWithoutEvidence(t *testing.T) {
	db := openTestDB(t)
	document := seedDocument(t, db, models.DocumentTypeMain)
	retriever := &stubRetriever{fn: func(string) ([]EvidenceMatch, error) { return nil, nil }}
	cls := &stubClassifier{fn: func(string) (*classifier.Judgment, error) { return validatedJudgment(), nil }}
	svc := newTestVerifier(db, retriever, cls, &eventRecorder{})

	job, err := svc.CreateJob(context.Background(), document.ProjectID, document.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background(), job.ID, "task-1"))

	assert.Zero(t, cls.calls)

	var updated models.VerificationJob
	require.NoError(t, db.First(&updated, "id = ?", job.ID).Error)
	assert.Equal(t, 10, updated.UncertainCount)

	var row models.VerifiedSentence
	require.NoError(t, db.Where("verification_job_id = ?", job.ID).First(&row).Error)
	assert.Equal(t, models.VerdictUncertain, row.Verdict)
	assert.Zero(t, row.ConfidenceScore)
}

func TestRunDowngradesUnsupportedVerdict(t *testing.T) {
	db := openTestDB(t)
	document := seedDocument(t, db, models.DocumentTypeMain)
	retriever := &stubRetriever{fn: func(string) ([]EvidenceMatch, error) { return defaultMatches(), nil }}
	cls := &stubClassifier{fn: func(string) (*classifier.Judgment, error) {
		return &classifier.Judgment{
			ValidationResult: "VALIDATED",
			ConfidenceScore:  0.8,
			Reasoning:        "sounds plausible",
		}, nil
	}}
	svc := newTestVerifier(db, retriever, cls, &eventRecorder{})

	job, err := svc.CreateJob(context.Background(), document.ProjectID, document.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background(), job.ID, "task-1"))

	var updated models.VerificationJob
	require.NoError(t, db.First(&updated, "id = ?", job.ID).Error)
	assert.Equal(t, 10, updated.IncorrectCount)
	assert.Zero(t, updated.ValidatedCount)

	var row models.VerifiedSentence
	require.NoError(t, db.Where("verification_job_id = ?", job.ID).First(&row).Error)
	assert.Equal(t, models.VerdictIncorrect, row.Verdict)
}

func TestRunFailsJobWhenStoreUnavailable(t *testing.T) {
	db := openTestDB(t)
	document := seedDocument(t, db, models.DocumentTypeMain)
	retriever := &stubRetriever{fn: func(string) ([]EvidenceMatch, error) {
		return nil, fmt.Errorf("semantic query: %w", vectorstore.ErrUnavailable)
	}}
	cls := &stubClassifier{fn: func(string) (*classifier.Judgment, error) { return validatedJudgment(), nil }}
	svc := newTestVerifier(db, retriever, cls, &eventRecorder{})

	job, err := svc.CreateJob(context.Background(), document.ProjectID, document.ID)
	require.NoError(t, err)
	require.Error(t, svc.Run(context.Background(), job.ID, "task-1"))

	var updated models.VerificationJob
	require.NoError(t, db.First(&updated, "id = ?", job.ID).Error)
	assert.Equal(t, models.JobStatusFailed, updated.Status)
	assert.NotEmpty(t, updated.ErrorMessage)
	require.NotNil(t, updated.CompletedAt)
}

func TestRunIsNoopForTerminalJobs(t *testing.T) {
	db := openTestDB(t)
	svc, job, cls, _ := seedJob(t, db)

	require.NoError(t, db.Model(&models.VerificationJob{}).
		Where("id = ?", job.ID).
		Update("status", models.JobStatusCompleted).Error)

	require.NoError(t, svc.Run(context.Background(), job.ID, "task-2"))
	assert.Zero(t, cls.calls)

	var updated models.VerificationJob
	require.NoError(t, db.First(&updated, "id = ?", job.ID).Error)
	assert.Empty(t, updated.WorkerTaskID)
}

func TestCreateJobRejectsConcurrentJobs(t *testing.T) {
	db := openTestDB(t)
	svc, job, _, _ := seedJob(t, db)

	_, err := svc.CreateJob(context.Background(), job.ProjectID, job.MainDocumentID)
	assert.ErrorIs(t, err, ErrJobActive)
}

func TestCreateJobRequiresMainDocument(t *testing.T) {
	db := openTestDB(t)
	document := seedDocument(t, db, models.DocumentTypeSupporting)
	svc := newTestVerifier(db, &stubRetriever{fn: func(string) ([]EvidenceMatch, error) { return nil, nil }}, &stubClassifier{fn: func(string) (*classifier.Judgment, error) { return validatedJudgment(), nil }}, &eventRecorder{})

	_, err := svc.CreateJob(context.Background(), document.ProjectID, document.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a main document")
}
