// Command worker runs the extraction worker loop: it claims jobs off the
// durable queue, reassembles the chunk set the ingest coordinator wrote,
// and runs the two-phase extraction pipeline against each one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"agentmemory/internal/config"
	"agentmemory/internal/extract"
	"agentmemory/internal/jobqueue"
	"agentmemory/internal/observability"
	"agentmemory/internal/relstore"
	"agentmemory/internal/telemetry"
	"agentmemory/internal/vectorstore"
	"agentmemory/internal/workerloop"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.OTLPTarget != "",
		Endpoint:    cfg.OTLPTarget,
		ServiceName: "agentmemory-worker",
	})
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	if err := relstore.Migrate(cfg.PostgresDSN); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	rel, err := relstore.Open(ctx, cfg.PostgresDSN, cfg.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open relational store")
	}
	defer rel.Close()

	vectors, err := vectorstore.New(ctx, cfg.QdrantDSN, cfg.EmbeddingDim, cfg.EmbeddingDistanceName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open vector store")
	}
	defer vectors.Close()

	jobs := jobqueue.New(rel.Pool())

	httpClient := observability.NewHTTPClient(nil)
	llm := extract.NewLLMClient(extract.LLMConfig{
		APIKey: cfg.AnthropicAPIKey,
		Model:  cfg.ExtractionModel,
	}, httpClient, log.Logger)
	extractor := extract.NewExtractor(llm, rel, log.Logger)

	w := workerloop.New(jobs, rel, vectors, extractor, workerloop.Config{
		WorkerID:        cfg.WorkerID,
		PollInterval:    time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		StaleAfter:      time.Duration(cfg.StaleAfterS) * time.Second,
		StaleSweepEvery: time.Duration(cfg.StaleSweepEveryS) * time.Second,
		VectorGCEvery:   time.Duration(cfg.OrphanSweepEverS) * time.Second,
	}, log.Logger)

	log.Info().Str("worker_id", cfg.WorkerID).Msg("extraction worker starting")
	if err := w.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker loop exited with an error")
	}
	log.Info().Msg("extraction worker stopped")
}
