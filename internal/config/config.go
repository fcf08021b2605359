// Package config loads process configuration from the environment (and an
// optional .env file) into a flat, validated struct. Both cmd/server and
// cmd/worker call Load once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in the external interface contract plus
// the connection settings needed to reach the two backing stores.
type Config struct {
	// Stores
	PostgresDSN string
	QdrantDSN   string

	// Embedding
	EmbeddingEndpoint     string
	EmbeddingAPIKey       string
	EmbeddingModel        string
	EmbeddingDim          int
	EmbeddingBatchSize    int
	EmbeddingMaxRetries   int
	EmbeddingTimeoutS     int
	EmbeddingDistanceName string

	// Chunking
	SinglePieceMaxTokens int
	ChunkTargetTokens    int
	ChunkOverlapTokens   int

	// Retrieval
	RRFK int

	// Job queue / worker
	PollIntervalMS   int
	MaxAttempts      int
	WorkerID         string
	StaleAfterS      int
	StaleSweepEveryS int
	OrphanSweepEverS int

	// Extraction LLM
	AnthropicAPIKey string
	ExtractionModel string

	// Pool sizing
	PoolSize int

	// Validation
	MaxContentBytes int

	// Ambient
	LogLevel   string
	LogPath    string
	OTLPTarget string
	Env        string
}

// Load reads .env (if present) then the process environment, applying the
// documented defaults for anything unset.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		PostgresDSN:           firstNonEmpty(os.Getenv("MEMORY_POSTGRES_DSN"), "postgres://localhost:5432/agentmemory"),
		QdrantDSN:             firstNonEmpty(os.Getenv("MEMORY_QDRANT_DSN"), "http://localhost:6334"),
		EmbeddingEndpoint:     os.Getenv("MEMORY_EMBEDDING_ENDPOINT"),
		EmbeddingAPIKey:       os.Getenv("MEMORY_EMBEDDING_API_KEY"),
		EmbeddingModel:        firstNonEmpty(os.Getenv("MEMORY_EMBEDDING_MODEL"), "text-embedding-3-large"),
		EmbeddingDim:          intFromEnv("MEMORY_EMBEDDING_DIM", 3072),
		EmbeddingBatchSize:    intFromEnv("MEMORY_EMBEDDING_BATCH_SIZE", 100),
		EmbeddingMaxRetries:   intFromEnv("MEMORY_EMBEDDING_MAX_RETRIES", 3),
		EmbeddingTimeoutS:     intFromEnv("MEMORY_EMBEDDING_TIMEOUT_S", 30),
		EmbeddingDistanceName: firstNonEmpty(os.Getenv("MEMORY_VECTOR_METRIC"), "cosine"),
		SinglePieceMaxTokens:  intFromEnv("MEMORY_SINGLE_PIECE_MAX_TOKENS", 1200),
		ChunkTargetTokens:     intFromEnv("MEMORY_CHUNK_TARGET_TOKENS", 900),
		ChunkOverlapTokens:    intFromEnv("MEMORY_CHUNK_OVERLAP_TOKENS", 100),
		RRFK:                  intFromEnv("MEMORY_RRF_K", 60),
		PollIntervalMS:        intFromEnv("MEMORY_POLL_INTERVAL_MS", 1000),
		MaxAttempts:           intFromEnv("MEMORY_MAX_ATTEMPTS", 5),
		WorkerID:              firstNonEmpty(os.Getenv("MEMORY_WORKER_ID"), hostnameOrDefault()),
		StaleAfterS:           intFromEnv("MEMORY_STALE_AFTER_S", 900),
		StaleSweepEveryS:      intFromEnv("MEMORY_STALE_SWEEP_EVERY_S", 300),
		OrphanSweepEverS:      intFromEnv("MEMORY_ORPHAN_SWEEP_EVERY_S", 1800),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		ExtractionModel:       firstNonEmpty(os.Getenv("MEMORY_EXTRACTION_MODEL"), "claude-sonnet-4-5"),
		PoolSize:              intFromEnv("MEMORY_POOL_SIZE", 10),
		MaxContentBytes:       intFromEnv("MEMORY_MAX_CONTENT_BYTES", 20*1024*1024),
		LogLevel:              firstNonEmpty(os.Getenv("MEMORY_LOG_LEVEL"), "info"),
		LogPath:               os.Getenv("MEMORY_LOG_PATH"),
		OTLPTarget:            os.Getenv("MEMORY_OTLP_ENDPOINT"),
		Env:                   firstNonEmpty(os.Getenv("MEMORY_ENV"), "development"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.EmbeddingBatchSize <= 0 || c.EmbeddingBatchSize > 2048 {
		return fmt.Errorf("config: embedding batch size %d out of range (1..2048)", c.EmbeddingBatchSize)
	}
	if c.ChunkOverlapTokens >= c.ChunkTargetTokens {
		return fmt.Errorf("config: chunk overlap (%d) must be smaller than chunk target (%d)", c.ChunkOverlapTokens, c.ChunkTargetTokens)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: max attempts must be positive")
	}
	return nil
}

func hostnameOrDefault() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker-unknown"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
