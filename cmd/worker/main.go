package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"veridoc/classifier"
	"veridoc/config"
	"veridoc/embedding"
	"veridoc/jobs"
	"veridoc/ocr"
	"veridoc/progress"
	"veridoc/rerank"
	"veridoc/services"
	"veridoc/storage"
	"veridoc/vectorstore/weaviate"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Eigenständiger Worker-Prozess. Verarbeitet Index- und
// Verifikations-Tasks aus der Queue, ohne die HTTP-API zu bedienen.
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

	evidenceStore := weaviate.NewClient(cfg, logging)
	embedder := embedding.NewClient(cfg, logging)
	extractor := ocr.NewClient(cfg, logging)
	var reranker rerank.Reranker
	if cfg.CohereAPIKey != "" {
		reranker = rerank.NewClient(cfg, logging)
	}
	gemini := classifier.NewClient(cfg, logging)
	bus := progress.NewBus(redisClient, logging)

	retrieval := services.NewRetrievalService(cfg, evidenceStore, embedder, reranker, logging)
	indexer := services.NewIndexService(cfg, db, logging, s3Client, extractor, embedder, evidenceStore)
	verifier := services.NewVerifyService(cfg, db, logging, s3Client, extractor, retrieval, gemini, bus)

	queue := jobs.NewQueue(redisClient)
	pool := jobs.NewPool(cfg, queue, indexer, verifier, logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("Worker pool starting", zap.Int("workers", cfg.WorkerCount))
	pool.Start(ctx)
	pool.Wait()
	logging.Info("Worker pool stopped")
}
