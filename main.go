package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"veridoc/classifier"
	"veridoc/config"
	"veridoc/embedding"
	"veridoc/jobs"
	"veridoc/models"
	"veridoc/ocr"
	"veridoc/progress"
	"veridoc/rerank"
	"veridoc/services"
	"veridoc/storage"
	"veridoc/vectorstore"
	"veridoc/vectorstore/weaviate"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	indexRequestsCounter prometheus.Counter
	jobsStartedCounter   prometheus.Counter
)

func init() {
	indexRequestsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "index_requests_total",
			Help: "Total number of indexing tasks enqueued.",
		},
	)
	jobsStartedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verification_jobs_started_total",
			Help: "Total number of verification jobs enqueued.",
		},
	)
	prometheus.MustRegister(indexRequestsCounter, jobsStartedCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	logging.Info("Running database auto-migration...")
	db.AutoMigrate(&models.Project{}, &models.Document{}, &models.Chunk{},
		&models.VerificationJob{}, &models.VerifiedSentence{})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logging.Fatal("Failed to connect to redis", zap.Error(err))
	}

	s3Client, err := storage.NewClient(cfg)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}

	// Setup Services
	evidenceStore := weaviate.NewClient(cfg, logging)
	embedder := embedding.NewClient(cfg, logging)
	extractor := ocr.NewClient(cfg, logging)
	var reranker rerank.Reranker
	if cfg.CohereAPIKey != "" {
		reranker = rerank.NewClient(cfg, logging)
	} else {
		logging.Warn("No rerank API key configured, results are ordered by vector similarity only")
	}
	gemini := classifier.NewClient(cfg, logging)
	bus := progress.NewBus(redisClient, logging)

	retrieval := services.NewRetrievalService(cfg, evidenceStore, embedder, reranker, logging)
	indexer := services.NewIndexService(cfg, db, logging, s3Client, extractor, embedder, evidenceStore)
	verifier := services.NewVerifyService(cfg, db, logging, s3Client, extractor, retrieval, gemini, bus)

	queue := jobs.NewQueue(redisClient)
	pool := jobs.NewPool(cfg, queue, indexer, verifier, logging)
	workerCtx, stopWorkers := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopWorkers()
	pool.Start(workerCtx)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	setupProjectRoutes(router, db, s3Client, evidenceStore, logging)
	setupDocumentRoutes(router, db, s3Client, queue, logging)
	setupVerificationRoutes(router, db, verifier, queue, bus, logging)

	// Setup Cron: noch nicht indexierte Dokumente regelmäßig nachziehen.
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		var documents []models.Document
		if err := db.Where("indexed = ?", false).Find(&documents).Error; err != nil {
			logging.Error("Cron sweep failed", zap.Error(err))
			return
		}
		for _, document := range documents {
			task := jobs.Task{Type: jobs.TaskIndexDocument, DocumentID: document.ID}
			if err := queue.Enqueue(context.Background(), task); err != nil {
				logging.Error("Cron enqueue failed",
					zap.String("document_id", document.ID.String()), zap.Error(err))
			}
		}
		if len(documents) > 0 {
			logging.Info("Cron sweep enqueued unindexed documents", zap.Int("count", len(documents)))
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	if err := router.Run(":" + cfg.HTTPPort); err != nil {
		logging.Fatal("Server failed", zap.Error(err))
	}
}

// --- Projekt-Routen ---

func setupProjectRoutes(router *gin.Engine, db *gorm.DB, s3Client *storage.Client, evidenceStore vectorstore.EvidenceStore, logging *zap.Logger) {
	projects := router.Group("/projects")

	projects.POST("", func(c *gin.Context) {
		var input struct {
			Name              string `json:"name" binding:"required"`
			BackgroundContext string `json:"background_context"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		project := models.Project{Name: input.Name, BackgroundContext: input.BackgroundContext}
		if err := db.Create(&project).Error; err != nil {
			logging.Error("Project creation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create project"})
			return
		}
		c.JSON(http.StatusCreated, project)
	})

	projects.GET("", func(c *gin.Context) {
		var all []models.Project
		if err := db.Order("created_at desc").Find(&all).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list projects"})
			return
		}
		c.JSON(http.StatusOK, all)
	})

	projects.GET("/:id", func(c *gin.Context) {
		projectID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		var project models.Project
		if err := db.First(&project, "id = ?", projectID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusOK, project)
	})

	projects.DELETE("/:id", func(c *gin.Context) {
		projectID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		var project models.Project
		if err := db.First(&project, "id = ?", projectID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}

		var documents []models.Document
		if err := db.Where("project_id = ?", projectID).Find(&documents).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list documents"})
			return
		}
		// Externe Ressourcen best-effort aufräumen, die DB-Zeilen sind maßgeblich.
		for _, document := range documents {
			if err := s3Client.DeleteFile(c.Request.Context(), document.StoragePath); err != nil {
				logging.Warn("File deletion failed",
					zap.String("storage_path", document.StoragePath), zap.Error(err))
			}
		}
		if err := evidenceStore.DeleteCollection(c.Request.Context(), projectID); err != nil {
			logging.Warn("Collection deletion failed",
				zap.String("project_id", projectID.String()), zap.Error(err))
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			documentIDs := make([]uuid.UUID, 0, len(documents))
			for _, document := range documents {
				documentIDs = append(documentIDs, document.ID)
			}
			if len(documentIDs) > 0 {
				if err := tx.Where("document_id IN ?", documentIDs).Delete(&models.Chunk{}).Error; err != nil {
					return err
				}
			}
			var jobIDs []uuid.UUID
			if err := tx.Model(&models.VerificationJob{}).
				Where("project_id = ?", projectID).Pluck("id", &jobIDs).Error; err != nil {
				return err
			}
			if len(jobIDs) > 0 {
				if err := tx.Where("verification_job_id IN ?", jobIDs).Delete(&models.VerifiedSentence{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("project_id = ?", projectID).Delete(&models.VerificationJob{}).Error; err != nil {
				return err
			}
			if err := tx.Where("project_id = ?", projectID).Delete(&models.Document{}).Error; err != nil {
				return err
			}
			return tx.Delete(&project).Error
		})
		if err != nil {
			logging.Error("Project deletion failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete project"})
			return
		}
		c.Status(http.StatusNoContent)
	})
}

// --- Dokument-Routen ---

func setupDocumentRoutes(router *gin.Engine, db *gorm.DB, s3Client *storage.Client, queue *jobs.Queue, logging *zap.Logger) {
	documents := router.Group("/projects/:id/documents")

	documents.POST("", func(c *gin.Context) {
		projectID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		var project models.Project
		if err := db.First(&project, "id = ?", projectID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		documentType := models.DocumentType(c.PostForm("document_type"))
		if documentType != models.DocumentTypeMain {
			documentType = models.DocumentTypeSupporting
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}

		documentID := uuid.New()
		storageKey := fmt.Sprintf("%s/%s%s", projectID, documentID, filepath.Ext(fileHeader.Filename))
		if _, err := s3Client.UploadFile(c.Request.Context(), storageKey, data); err != nil {
			logging.Error("Document upload failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store file"})
			return
		}

		document := models.Document{
			ID:               documentID,
			ProjectID:        projectID,
			Filename:         fileHeader.Filename,
			OriginalFilename: fileHeader.Filename,
			StoragePath:      storageKey,
			FileSize:         fileHeader.Size,
			MimeType:         fileHeader.Header.Get("Content-Type"),
			DocumentType:     documentType,
		}
		if err := db.Create(&document).Error; err != nil {
			logging.Error("Document creation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create document"})
			return
		}
		c.JSON(http.StatusCreated, document)
	})

	documents.GET("", func(c *gin.Context) {
		projectID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		var all []models.Document
		if err := db.Where("project_id = ?", projectID).Order("created_at").Find(&all).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list documents"})
			return
		}
		c.JSON(http.StatusOK, all)
	})

	documents.POST("/index", func(c *gin.Context) {
		projectID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		task := jobs.Task{Type: jobs.TaskIndexProject, ProjectID: projectID}
		if err := queue.Enqueue(c.Request.Context(), task); err != nil {
			logging.Error("Index enqueue failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not enqueue indexing"})
			return
		}
		indexRequestsCounter.Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "indexing enqueued"})
	})

	router.POST("/documents/:id/index", func(c *gin.Context) {
		documentID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			return
		}
		var document models.Document
		if err := db.First(&document, "id = ?", documentID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		task := jobs.Task{
			Type:       jobs.TaskIndexDocument,
			DocumentID: documentID,
			Force:      c.Query("force") == "true",
		}
		if err := queue.Enqueue(c.Request.Context(), task); err != nil {
			logging.Error("Index enqueue failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not enqueue indexing"})
			return
		}
		indexRequestsCounter.Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "indexing enqueued", "document_id": documentID})
	})
}

// --- Verifikations-Routen ---

func setupVerificationRoutes(router *gin.Engine, db *gorm.DB, verifier *services.VerifyService, queue *jobs.Queue, bus *progress.Bus, logging *zap.Logger) {
	router.POST("/projects/:id/verify", func(c *gin.Context) {
		projectID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		var input struct {
			MainDocumentID uuid.UUID `json:"main_document_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		job, err := verifier.CreateJob(c.Request.Context(), projectID, input.MainDocumentID)
		if err != nil {
			if errors.Is(err, services.ErrJobActive) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			logging.Error("Job creation failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		task := jobs.Task{Type: jobs.TaskVerify, JobID: job.ID}
		if err := queue.Enqueue(c.Request.Context(), task); err != nil {
			logging.Error("Verify enqueue failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not enqueue verification"})
			return
		}
		jobsStartedCounter.Inc()
		c.JSON(http.StatusAccepted, job)
	})

	router.GET("/jobs/:id", func(c *gin.Context) {
		jobID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		var job models.VerificationJob
		if err := db.First(&job, "id = ?", jobID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, job)
	})

	router.GET("/jobs/:id/sentences", func(c *gin.Context) {
		jobID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		query := db.Where("verification_job_id = ?", jobID)
		if verdict := c.Query("verdict"); verdict != "" {
			query = query.Where("verdict = ?", verdict)
		}
		var sentences []models.VerifiedSentence
		if err := query.Order("sentence_index").Find(&sentences).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list sentences"})
			return
		}

		type sentenceResponse struct {
			models.VerifiedSentence
			Citations []models.Citation `json:"citations"`
		}
		response := make([]sentenceResponse, 0, len(sentences))
		for _, sentence := range sentences {
			citations, err := sentence.Citations()
			if err != nil {
				logging.Warn("Citation decode failed",
					zap.String("sentence_id", sentence.ID.String()), zap.Error(err))
			}
			if citations == nil {
				citations = []models.Citation{}
			}
			response = append(response, sentenceResponse{VerifiedSentence: sentence, Citations: citations})
		}
		c.JSON(http.StatusOK, response)
	})

	// Server-Sent Events mit den Fortschrittsmeldungen eines Jobs.
	router.GET("/jobs/:id/progress", func(c *gin.Context) {
		jobID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		var job models.VerificationJob
		if err := db.First(&job, "id = ?", jobID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if job.Status.Terminal() {
			c.JSON(http.StatusOK, job)
			return
		}

		sub := bus.Subscribe(c.Request.Context(), jobID)
		defer sub.Close()
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")

		events := sub.Channel()
		timeout := time.After(5 * time.Minute)
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case <-timeout:
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				fmt.Fprintf(c.Writer, "data: %s\n\n", msg.Payload)
				c.Writer.Flush()
			}
		}
	})
}
