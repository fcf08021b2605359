package main

import (
	"context"
	"time"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"agentmemory/internal/embedclient"
	"agentmemory/internal/errs"
	"agentmemory/internal/memory"
	"agentmemory/internal/relstore"
)

// healthDeps carries the dependencies health_check pings directly, bypassing
// internal/memory since neither the relational pool nor the embedding
// client's liveness is part of the seven documented operations.
type healthDeps struct {
	rel        *relstore.Store
	embeddings *embedclient.Client
}

// envelope is embedded in every tool's output struct so a failure surfaces
// as documented data instead of a transport-level tool error: {error,
// error_code, details?}.
type envelope struct {
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func errEnvelope(err error) envelope {
	if e, ok := errs.As(err); ok {
		return envelope{Error: e.Message, ErrorCode: string(e.Code)}
	}
	return envelope{Error: err.Error(), ErrorCode: string(errs.CodeInternalError)}
}

func registerTools(server *mcp.Server, svc *memory.Service, health healthDeps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "health_check",
		Description: "Report liveness of the relational store and the embedding upstream.",
	}, healthCheckHandler(health))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "artifact_ingest",
		Description: "Ingest one artifact revision: chunk, embed, commit, and enqueue extraction.",
	}, artifactIngestHandler(svc))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "event_search",
		Description: "Search recorded semantic events by query text, category, time range, or artifact.",
	}, eventSearchHandler(svc))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "event_get",
		Description: "Fetch one event with its evidence spans.",
	}, eventGetHandler(svc))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "event_list_for_revision",
		Description: "List every event extracted for one artifact revision (latest by default).",
	}, eventListForRevisionHandler(svc))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "event_reextract",
		Description: "Queue a revision for re-extraction.",
	}, eventReextractHandler(svc))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_status",
		Description: "Report an extraction job's current state for an artifact revision.",
	}, jobStatusHandler(svc))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "hybrid_search",
		Description: "Run vector search fused across collections, optionally expanded through the entity graph.",
	}, hybridSearchHandler(svc))
}

// ArtifactIngestArgs mirrors artifact_ingest's documented input.
type ArtifactIngestArgs struct {
	Kind            string   `json:"kind" jsonschema:"required,enum=email,enum=doc,enum=chat,enum=transcript,enum=note,description=artifact kind"`
	SourceSystem    string   `json:"source_system" jsonschema:"required"`
	SourceID        string   `json:"source_id"`
	Content         string   `json:"content" jsonschema:"required"`
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	Participants    []string `json:"participants"`
	OccurredAt      string   `json:"occurred_at" jsonschema:"description=RFC3339 timestamp"`
	Sensitivity     string   `json:"sensitivity"`
	VisibilityScope string   `json:"visibility_scope"`
	RetentionPolicy string   `json:"retention_policy"`
}

type ArtifactIngestOutput struct {
	envelope
	ArtifactID  string `json:"artifact_id,omitempty"`
	ArtifactUID string `json:"artifact_uid,omitempty"`
	RevisionID  string `json:"revision_id,omitempty"`
	Chunked     bool   `json:"chunked,omitempty"`
	NumChunks   int    `json:"num_chunks,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	JobStatus   string `json:"job_status,omitempty"`
	Status      string `json:"status,omitempty"`
}

func artifactIngestHandler(svc *memory.Service) func(context.Context, *mcp.CallToolRequest, ArtifactIngestArgs) (*mcp.CallToolResult, ArtifactIngestOutput, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args ArtifactIngestArgs) (*mcp.CallToolResult, ArtifactIngestOutput, error) {
		var occurredAt *time.Time
		if args.OccurredAt != "" {
			if t, err := time.Parse(time.RFC3339, args.OccurredAt); err == nil {
				occurredAt = &t
			} else {
				return nil, ArtifactIngestOutput{envelope: errEnvelope(errs.Validation("occurred_at must be RFC3339"))}, nil
			}
		}

		res, err := svc.ArtifactIngest(ctx, memory.ArtifactIngestRequest{
			Kind: args.Kind, SourceSystem: args.SourceSystem, SourceID: args.SourceID, Content: args.Content,
			Title: args.Title, Author: args.Author, Participants: args.Participants, OccurredAt: occurredAt,
			Sensitivity: args.Sensitivity, VisibilityScope: args.VisibilityScope, RetentionPolicy: args.RetentionPolicy,
		})
		if err != nil {
			return nil, ArtifactIngestOutput{envelope: errEnvelope(err)}, nil
		}
		return nil, ArtifactIngestOutput{
			ArtifactID: res.ArtifactID, ArtifactUID: res.ArtifactUID, RevisionID: res.RevisionID,
			Chunked: res.Chunked, NumChunks: res.NumChunks, JobID: res.JobID, JobStatus: res.JobStatus, Status: res.Status,
		}, nil
	}
}

// EventSearchArgs mirrors event_search's documented input.
type EventSearchArgs struct {
	Query           string `json:"query"`
	Category        string `json:"category"`
	ArtifactUID     string `json:"artifact_uid"`
	Since           string `json:"since" jsonschema:"description=RFC3339 timestamp"`
	Until           string `json:"until" jsonschema:"description=RFC3339 timestamp"`
	Limit           int    `json:"limit" jsonschema:"minimum=1,maximum=100"`
	IncludeEvidence bool   `json:"include_evidence"`
}

type EventSearchOutput struct {
	envelope
	Events         []memory.EventView `json:"events,omitempty"`
	Total          int                `json:"total,omitempty"`
	FiltersApplied map[string]any     `json:"filters_applied,omitempty"`
}

func eventSearchHandler(svc *memory.Service) func(context.Context, *mcp.CallToolRequest, EventSearchArgs) (*mcp.CallToolResult, EventSearchOutput, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args EventSearchArgs) (*mcp.CallToolResult, EventSearchOutput, error) {
		since, until, perr := parseOptionalRange(args.Since, args.Until)
		if perr != nil {
			return nil, EventSearchOutput{envelope: errEnvelope(perr)}, nil
		}

		res, err := svc.EventSearch(ctx, memory.EventSearchRequest{
			Query: args.Query, Category: args.Category, ArtifactUID: args.ArtifactUID,
			Since: since, Until: until, Limit: args.Limit, IncludeEvidence: args.IncludeEvidence,
		})
		if err != nil {
			return nil, EventSearchOutput{envelope: errEnvelope(err)}, nil
		}
		return nil, EventSearchOutput{Events: res.Events, Total: res.Total, FiltersApplied: res.FiltersApplied}, nil
	}
}

type EventGetArgs struct {
	EventID string `json:"event_id" jsonschema:"required"`
}

type EventGetOutput struct {
	envelope
	memory.EventView
}

func eventGetHandler(svc *memory.Service) func(context.Context, *mcp.CallToolRequest, EventGetArgs) (*mcp.CallToolResult, EventGetOutput, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args EventGetArgs) (*mcp.CallToolResult, EventGetOutput, error) {
		ev, err := svc.EventGet(ctx, args.EventID)
		if err != nil {
			return nil, EventGetOutput{envelope: errEnvelope(err)}, nil
		}
		return nil, EventGetOutput{EventView: ev}, nil
	}
}

type EventListForRevisionArgs struct {
	ArtifactUID     string `json:"artifact_uid" jsonschema:"required"`
	RevisionID      string `json:"revision_id"`
	IncludeEvidence bool   `json:"include_evidence"`
}

type EventListForRevisionOutput struct {
	envelope
	ArtifactUID string              `json:"artifact_uid,omitempty"`
	RevisionID  string              `json:"revision_id,omitempty"`
	IsLatest    bool                `json:"is_latest,omitempty"`
	Events      []memory.EventView  `json:"events,omitempty"`
	Total       int                 `json:"total,omitempty"`
}

func eventListForRevisionHandler(svc *memory.Service) func(context.Context, *mcp.CallToolRequest, EventListForRevisionArgs) (*mcp.CallToolResult, EventListForRevisionOutput, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args EventListForRevisionArgs) (*mcp.CallToolResult, EventListForRevisionOutput, error) {
		res, err := svc.EventListForRevision(ctx, memory.EventListForRevisionRequest{
			ArtifactUID: args.ArtifactUID, RevisionID: args.RevisionID, IncludeEvidence: args.IncludeEvidence,
		})
		if err != nil {
			return nil, EventListForRevisionOutput{envelope: errEnvelope(err)}, nil
		}
		return nil, EventListForRevisionOutput{
			ArtifactUID: res.ArtifactUID, RevisionID: res.RevisionID, IsLatest: res.IsLatest,
			Events: res.Events, Total: res.Total,
		}, nil
	}
}

type EventReextractArgs struct {
	ArtifactUID string `json:"artifact_uid" jsonschema:"required"`
	RevisionID  string `json:"revision_id"`
	Force       bool   `json:"force"`
}

type EventReextractOutput struct {
	envelope
	JobID   string `json:"job_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func eventReextractHandler(svc *memory.Service) func(context.Context, *mcp.CallToolRequest, EventReextractArgs) (*mcp.CallToolResult, EventReextractOutput, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args EventReextractArgs) (*mcp.CallToolResult, EventReextractOutput, error) {
		res, err := svc.EventReextract(ctx, memory.EventReextractRequest{
			ArtifactUID: args.ArtifactUID, RevisionID: args.RevisionID, Force: args.Force,
		})
		if err != nil {
			return nil, EventReextractOutput{envelope: errEnvelope(err)}, nil
		}
		return nil, EventReextractOutput{JobID: res.JobID, Status: res.Status, Message: res.Message}, nil
	}
}

type JobStatusArgs struct {
	ArtifactUID string `json:"artifact_uid" jsonschema:"required"`
	RevisionID  string `json:"revision_id"`
}

type JobStatusOutput struct {
	envelope
	JobID            string `json:"job_id,omitempty"`
	Type             string `json:"type,omitempty"`
	Status           string `json:"status,omitempty"`
	Attempts         int    `json:"attempts,omitempty"`
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	LastErrorCode    string `json:"last_error_code,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

func jobStatusHandler(svc *memory.Service) func(context.Context, *mcp.CallToolRequest, JobStatusArgs) (*mcp.CallToolResult, JobStatusOutput, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args JobStatusArgs) (*mcp.CallToolResult, JobStatusOutput, error) {
		job, err := svc.JobStatus(ctx, memory.JobStatusRequest{ArtifactUID: args.ArtifactUID, RevisionID: args.RevisionID})
		if err != nil {
			return nil, JobStatusOutput{envelope: errEnvelope(err)}, nil
		}
		return nil, JobStatusOutput{
			JobID: job.ID, Type: job.Type, Status: string(job.Status), Attempts: job.Attempts,
			MaxAttempts: job.MaxAttempts, LastErrorCode: job.LastErrorCode, LastErrorMessage: job.LastErrorMessage,
		}, nil
	}
}

type HybridSearchArgs struct {
	Query           string   `json:"query" jsonschema:"required"`
	Limit           int      `json:"limit" jsonschema:"minimum=1,maximum=100"`
	Collections     []string `json:"collections"`
	ExpandNeighbors bool     `json:"expand_neighbors"`
	WithGraph       bool     `json:"with_graph"`
	GraphBudget     int      `json:"graph_budget" jsonschema:"minimum=1,maximum=100"`
	GraphSeedLimit  int      `json:"graph_seed_limit" jsonschema:"minimum=1,maximum=20"`
	GraphCategories []string `json:"graph_categories"`
}

type HybridSearchOutput struct {
	envelope
	Results  []retrieveResultView `json:"results,omitempty"`
	Related  []relatedResultView  `json:"related,omitempty"`
	Degraded bool                 `json:"degraded,omitempty"`
}

type retrieveResultView struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	Score       float64           `json:"score"`
	Collections []string          `json:"collections"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type relatedResultView struct {
	Event        memory.EventView `json:"event"`
	ReasonEntity string           `json:"reason_entity"`
}

func hybridSearchHandler(svc *memory.Service) func(context.Context, *mcp.CallToolRequest, HybridSearchArgs) (*mcp.CallToolResult, HybridSearchOutput, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args HybridSearchArgs) (*mcp.CallToolResult, HybridSearchOutput, error) {
		res, err := svc.HybridSearch(ctx, memory.HybridSearchRequest{
			Query: args.Query, Limit: args.Limit, Collections: args.Collections, ExpandNeighbors: args.ExpandNeighbors,
			WithGraph: args.WithGraph, GraphBudget: args.GraphBudget, GraphSeedLimit: args.GraphSeedLimit,
			GraphCategories: args.GraphCategories,
		})
		if err != nil {
			return nil, HybridSearchOutput{envelope: errEnvelope(err)}, nil
		}

		results := make([]retrieveResultView, len(res.Results))
		for i, r := range res.Results {
			results[i] = retrieveResultView{ID: r.ID, Text: r.Text, Score: r.Score, Collections: r.Collections, Metadata: r.Metadata}
		}
		related := make([]relatedResultView, len(res.Related))
		for i, r := range res.Related {
			related[i] = relatedResultView{Event: eventViewFromRelstore(r.Event), ReasonEntity: r.ReasonEntity}
		}
		return nil, HybridSearchOutput{Results: results, Related: related, Degraded: res.Degraded}, nil
	}
}

func eventViewFromRelstore(ev relstore.Event) memory.EventView {
	return memory.EventView{
		ID: ev.ID, ArtifactUID: ev.ArtifactUID, RevisionID: ev.RevisionID, Category: ev.Category,
		EventTime: ev.EventTime, Narrative: ev.Narrative, SubjectType: ev.SubjectType, SubjectRef: ev.SubjectRef,
		Confidence: ev.Confidence, ExtractionRunID: ev.ExtractionRunID, Evidence: ev.Evidence,
	}
}

type HealthCheckArgs struct{}

type HealthCheckOutput struct {
	envelope
	OK                bool   `json:"ok"`
	PostgresOK        bool   `json:"postgres_ok"`
	PostgresError     string `json:"postgres_error,omitempty"`
	EmbeddingOK       bool   `json:"embedding_ok"`
	EmbeddingError    string `json:"embedding_error,omitempty"`
	EmbeddingLatencyMS int64 `json:"embedding_latency_ms,omitempty"`
}

func healthCheckHandler(deps healthDeps) func(context.Context, *mcp.CallToolRequest, HealthCheckArgs) (*mcp.CallToolResult, HealthCheckOutput, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ HealthCheckArgs) (*mcp.CallToolResult, HealthCheckOutput, error) {
		out := HealthCheckOutput{PostgresOK: true, EmbeddingOK: true}

		if err := deps.rel.Ping(ctx); err != nil {
			out.PostgresOK = false
			out.PostgresError = err.Error()
		}

		ok, latencyMS, err := deps.embeddings.HealthCheck(ctx)
		out.EmbeddingLatencyMS = latencyMS
		if err != nil || !ok {
			out.EmbeddingOK = false
			if err != nil {
				out.EmbeddingError = err.Error()
			}
		}

		out.OK = out.PostgresOK && out.EmbeddingOK
		return nil, out, nil
	}
}

func parseOptionalRange(since, until string) (*time.Time, *time.Time, error) {
	var s, u *time.Time
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, nil, errs.Validation("since must be RFC3339")
		}
		s = &t
	}
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return nil, nil, errs.Validation("until must be RFC3339")
		}
		u = &t
	}
	return s, u, nil
}
