// Command server exposes the core's seven operations as MCP tools over
// stdio: artifact_ingest, event_search, event_get, event_list_for_revision,
// event_reextract, job_status, and hybrid_search.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	mcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"agentmemory/internal/chunker"
	"agentmemory/internal/config"
	"agentmemory/internal/embedclient"
	"agentmemory/internal/ingest"
	"agentmemory/internal/jobqueue"
	"agentmemory/internal/memory"
	"agentmemory/internal/observability"
	"agentmemory/internal/relstore"
	"agentmemory/internal/retrieve"
	"agentmemory/internal/telemetry"
	"agentmemory/internal/tokenizer"
	"agentmemory/internal/vectorstore"
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
		ServiceName: "agentmemory-server",
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

	tok, err := tokenizer.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load tokenizer")
	}
	ch := chunker.New(tok)

	httpClient := observability.NewHTTPClient(nil)
	embeddings := embedclient.New(embedclient.Config{
		Endpoint:   cfg.EmbeddingEndpoint,
		APIKey:     cfg.EmbeddingAPIKey,
		Model:      cfg.EmbeddingModel,
		Dimension:  cfg.EmbeddingDim,
		BatchSize:  cfg.EmbeddingBatchSize,
		MaxRetries: cfg.EmbeddingMaxRetries,
	}, httpClient, log.Logger)

	jobs := jobqueue.New(rel.Pool())

	coordinator := ingest.New(tok, ch, embeddings, vectors, rel, jobs, ingest.Config{
		MaxContentBytes: cfg.MaxContentBytes,
		MaxAttempts:     cfg.MaxAttempts,
	}, log.Logger)

	retrieval := retrieve.New(embeddings, vectors, retrieve.NoopPrivacyFilter, log.Logger)
	graph := retrieve.NewGraphExpander(rel)

	svc := memory.New(coordinator, rel, jobs, retrieval, graph, cfg.MaxAttempts, log.Logger)

	server := mcp.NewServer(&mcp.Implementation{Name: "agentmemory", Version: "0.1.0"}, nil)
	registerTools(server, svc, healthDeps{rel: rel, embeddings: embeddings})

	log.Info().Msg("agentmemory MCP server starting on stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatal().Err(err).Msg("mcp server exited with an error")
	}
	log.Info().Msg("agentmemory MCP server stopped")
}
