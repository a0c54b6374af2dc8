package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"8080"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Weaviate Evidence Store
	WeaviateURL    string `envconfig:"WEAVIATE_URL" default:"http://localhost:8090"`
	WeaviateAPIKey string `envconfig:"WEAVIATE_API_KEY"`

	// Redis für Progress-Events und Job-Queue
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// OpenAI Embeddings
	OpenAIBaseURL        string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIAPIKey         string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIEmbeddingModel string `envconfig:"OPENAI_EMBEDDING_MODEL" default:"text-embedding-3-large"`
	EmbeddingDimension   int    `envconfig:"OPENAI_EMBEDDING_DIMENSION" default:"3072"`

	// Gemini Klassifikator
	GeminiBaseURL     string  `envconfig:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta"`
	GeminiAPIKey      string  `envconfig:"GEMINI_API_KEY" required:"true"`
	GeminiModel       string  `envconfig:"GEMINI_MODEL" default:"gemini-2.5-pro"`
	GeminiTemperature float64 `envconfig:"GEMINI_TEMPERATURE" default:"0.1"`
	GeminiMaxTokens   int     `envconfig:"GEMINI_MAX_TOKENS" default:"4096"`

	// Cohere Reranking (optional; leer = Cosine-Fallback)
	CohereAPIKey      string `envconfig:"COHERE_API_KEY"`
	CohereBaseURL     string `envconfig:"COHERE_BASE_URL" default:"https://api.cohere.com/v2"`
	CohereRerankModel string `envconfig:"COHERE_RERANK_MODEL" default:"rerank-v3.5"`

	// Mistral OCR für Text-Extraktion
	MistralOCREndpoint string `envconfig:"MISTRAL_OCR_ENDPOINT" default:"https://api.mistral.ai/v1/ocr"`
	MistralAPIKey      string `envconfig:"MISTRAL_API_KEY" required:"true"`

	// Retrieval-Parameter
	SemanticTopK           int     `envconfig:"SEMANTIC_TOP_K" default:"20"`
	KeywordTopK            int     `envconfig:"KEYWORD_TOP_K" default:"10"`
	RerankCandidates       int     `envconfig:"RERANK_CANDIDATES" default:"30"`
	RerankTopK             int     `envconfig:"RERANK_TOP_K" default:"8"`
	MinSimilarityThreshold float64 `envconfig:"MIN_SIMILARITY_THRESHOLD" default:"0.6"`
	HybridAlpha            float64 `envconfig:"HYBRID_ALPHA" default:"0.5"`

	// Chunking
	SentencesPerChunk int `envconfig:"SENTENCES_PER_CHUNK" default:"5"`
	OverlapSentences  int `envconfig:"OVERLAP_SENTENCES" default:"1"`

	// Verifikation
	CommitInterval int `envconfig:"VERIFICATION_COMMIT_INTERVAL" default:"5"`

	// Worker-Pool und Job-Limits
	WorkerCount   int           `envconfig:"WORKER_COUNT" default:"4"`
	JobSoftLimit  time.Duration `envconfig:"JOB_SOFT_LIMIT" default:"30m"`
	JobHardLimit  time.Duration `envconfig:"JOB_HARD_LIMIT" default:"35m"`
	MaxRetries    int           `envconfig:"JOB_MAX_RETRIES" default:"5"`
	RetryBaseWait time.Duration `envconfig:"JOB_RETRY_BASE_WAIT" default:"1s"`
	RetryMaxWait  time.Duration `envconfig:"JOB_RETRY_MAX_WAIT" default:"60s"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"*/10 * * * *"`

	// S3-kompatibler Dokument-Speicher
	S3Endpoint  string `envconfig:"S3_ENDPOINT" required:"true"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID" required:"true"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY" required:"true"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"verification-documents"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
