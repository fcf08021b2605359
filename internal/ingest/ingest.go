// Package ingest implements the ingest coordinator: the synchronous
// hash -> chunk -> embed -> two-phase write -> enqueue pipeline that turns
// raw artifact content into a stored, queryable revision.
package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"agentmemory/internal/chunker"
	"agentmemory/internal/embedclient"
	"agentmemory/internal/errs"
	"agentmemory/internal/idgen"
	"agentmemory/internal/jobqueue"
	"agentmemory/internal/relstore"
	"agentmemory/internal/tokenizer"
	"agentmemory/internal/vectorstore"
)

// validKinds is the closed set of artifact kinds the relational schema
// accepts.
var validKinds = map[string]bool{
	"email":      true,
	"doc":        true,
	"chat":       true,
	"transcript": true,
	"note":       true,
}

// Params is the artifact_ingest entry point's input.
type Params struct {
	Kind            string
	SourceSystem    string
	SourceID        string
	Content         string
	Title           string
	Author          string
	Participants    []string
	OccurredAt      *time.Time
	Sensitivity     string
	VisibilityScope string
	RetentionPolicy string
}

// Result is the artifact_ingest entry point's output.
type Result struct {
	ArtifactID  string
	ArtifactUID string
	RevisionID  string
	Chunked     bool
	NumChunks   int
	JobID       string
	JobStatus   jobqueue.Status
	Status      string // "created" or "unchanged"
}

// embedder is the narrow slice of embedclient.Client the coordinator
// needs, kept as an interface so tests can substitute a fake instead of an
// HTTP-backed client.
type embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// relationalStore is the narrow slice of relstore.Store the coordinator
// needs.
type relationalStore interface {
	FindRevision(ctx context.Context, artifactUID, revisionID string) (relstore.Revision, bool, error)
	CommitIngest(ctx context.Context, p relstore.CommitIngestParams) error
}

// jobStore is the narrow slice of jobqueue.Queue the coordinator needs.
type jobStore interface {
	GetByArtifactRevision(ctx context.Context, artifactUID, revisionID, jobType string) (*jobqueue.Job, bool, error)
}

// Coordinator is the component's public surface.
type Coordinator struct {
	tok         tokenizer.Tokenizer
	chunker     chunker.Chunker
	embeddings  embedder
	vectors     vectorstore.Store
	relational  relationalStore
	jobs        jobStore
	maxContent  int
	maxAttempts int
	log         zerolog.Logger
}

type Config struct {
	MaxContentBytes int
	MaxAttempts     int
}

func New(tok tokenizer.Tokenizer, ch chunker.Chunker, embeddings *embedclient.Client, vectors vectorstore.Store, relational *relstore.Store, jobs *jobqueue.Queue, cfg Config, log zerolog.Logger) *Coordinator {
	maxContent := cfg.MaxContentBytes
	if maxContent <= 0 {
		maxContent = 5_000_000
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Coordinator{
		tok: tok, chunker: ch, embeddings: embeddings, vectors: vectors, relational: relational, jobs: jobs,
		maxContent: maxContent, maxAttempts: maxAttempts,
		log: log.With().Str("component", "ingest.coordinator").Logger(),
	}
}

// Ingest runs the seven-step algorithm described in the component
// contract. It returns before extraction begins; extraction is the
// worker's job.
func (c *Coordinator) Ingest(ctx context.Context, p Params) (Result, error) {
	if err := c.validate(p); err != nil {
		return Result{}, err
	}

	artifactUID := idgen.ArtifactUID(p.SourceSystem, p.SourceID, p.Content)
	revisionID := idgen.RevisionID(p.Content)
	artifactID := idgen.ArtifactID(artifactUID)

	if existing, found, err := c.relational.FindRevision(ctx, artifactUID, revisionID); err != nil {
		return Result{}, err
	} else if found {
		var status jobqueue.Status
		if job, found, err := c.jobs.GetByArtifactRevision(ctx, artifactUID, revisionID, "extract_events"); err == nil && found {
			status = job.Status
		}
		return Result{
			ArtifactID: artifactID, ArtifactUID: artifactUID, RevisionID: revisionID,
			Chunked: existing.ChunkCount > 0, NumChunks: existing.ChunkCount,
			JobStatus: status, Status: "unchanged",
		}, nil
	}

	tokenCount := c.tok.Count(p.Content)
	chunks := c.chunker.Chunk(p.Content, artifactUID, chunker.Options{})
	contentHash := idgen.ContentHash(p.Content)

	if err := c.embedAndWrite(ctx, artifactID, artifactUID, revisionID, contentHash, p.Content, chunks, p); err != nil {
		return Result{}, err
	}

	jobID := "job_" + idgen.ContentHash(artifactUID+revisionID)[:16]
	rev := relstore.Revision{
		ArtifactUID: artifactUID, RevisionID: revisionID, ArtifactID: artifactID,
		Kind: p.Kind, SourceSystem: p.SourceSystem, SourceID: p.SourceID,
		Title: p.Title, Author: p.Author, Participants: p.Participants, OccurredAt: p.OccurredAt,
		Sensitivity: p.Sensitivity, VisibilityScope: p.VisibilityScope, RetentionPolicy: p.RetentionPolicy,
		ContentHash: contentHash, TokenCount: tokenCount, ChunkCount: len(chunks),
		ChunkTargetTokens: 900, ChunkOverlapTokens: 100,
	}
	if err := c.relational.CommitIngest(ctx, relstore.CommitIngestParams{
		Revision: rev, JobID: jobID, JobType: "extract_events", MaxAttempts: c.maxAttempts,
	}); err != nil {
		return Result{}, err
	}

	return Result{
		ArtifactID: artifactID, ArtifactUID: artifactUID, RevisionID: revisionID,
		Chunked: len(chunks) > 0, NumChunks: len(chunks),
		JobID: jobID, JobStatus: jobqueue.StatusPending, Status: "created",
	}, nil
}

func (c *Coordinator) validate(p Params) error {
	if !validKinds[p.Kind] {
		return errs.InvalidArtifactKind(p.Kind)
	}
	if p.Content == "" {
		return errs.MissingParameter("content")
	}
	if len(p.Content) > c.maxContent {
		return errs.Validation("content length %d exceeds maximum %d bytes", len(p.Content), c.maxContent)
	}
	if p.SourceSystem == "" {
		return errs.MissingParameter("source_system")
	}
	return nil
}

// embedAndWrite is phase 1 (embed, must fully succeed before any write) and
// phase 2 (vector upsert, then — by the caller — the relational
// transaction) of the ingest algorithm. It never touches the relational
// store; CommitIngest is always the caller's very next step so the window
// between phases is as small as possible. Every point it writes carries the
// privacy fields and content hash alongside the embedding, so a privacy
// filter wired into retrieval can read them straight off the hit without a
// second lookup against the relational store.
func (c *Coordinator) embedAndWrite(ctx context.Context, artifactID, artifactUID, revisionID, contentHash, content string, chunks []chunker.Chunk, p Params) error {
	baseMetadata := map[string]string{
		"artifact_uid":     artifactUID,
		"revision_id":      revisionID,
		"sensitivity":      p.Sensitivity,
		"visibility_scope": p.VisibilityScope,
		"retention_policy": p.RetentionPolicy,
		"content_hash":     contentHash,
	}

	if len(chunks) == 0 {
		vec, err := c.embeddings.EmbedOne(ctx, content)
		if err != nil {
			return err
		}
		return c.vectors.Upsert(ctx, vectorstore.CollectionContent, []vectorstore.Point{
			{ID: artifactID, Text: content, Vector: vec, Metadata: baseMetadata},
		})
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vecs, err := c.embeddings.EmbedMany(ctx, texts)
	if err != nil {
		return err
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, ch := range chunks {
		metadata := map[string]string{
			"chunk_index": strconv.Itoa(ch.Index),
			"start_char":  strconv.Itoa(ch.StartChar),
			"end_char":    strconv.Itoa(ch.EndChar),
		}
		for k, v := range baseMetadata {
			metadata[k] = v
		}
		points[i] = vectorstore.Point{ID: ch.ID, Text: ch.Content, Vector: vecs[i], Metadata: metadata}
	}
	return c.vectors.Upsert(ctx, vectorstore.CollectionChunks, points)
}
