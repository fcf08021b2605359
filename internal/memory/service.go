// Package memory is the core's RPC-adjacent surface: the seven entry points
// an external transport (out of scope for this module) would expose as
// tools. Every method here takes a plain request struct and returns a plain
// response struct or an *errs.Error; nothing here knows about JSON-RPC, MCP,
// or any other wire format.
package memory

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"agentmemory/internal/errs"
	"agentmemory/internal/extract"
	"agentmemory/internal/ingest"
	"agentmemory/internal/jobqueue"
	"agentmemory/internal/relstore"
	"agentmemory/internal/retrieve"
)

const (
	defaultLimit       = 20
	maxLimit           = 100
	defaultGraphBudget = 10
	minGraphBudget     = 1
	maxGraphBudget     = 100
	defaultSeedLimit   = 20
	minSeedLimit       = 1
	maxSeedLimit       = 20
	extractJobType     = "extract_events"
)

// artifactIngester is the narrow slice of ingest.Coordinator this package
// needs, kept as an interface so tests can substitute a fake.
type artifactIngester interface {
	Ingest(ctx context.Context, p ingest.Params) (ingest.Result, error)
}

// eventStore is the narrow slice of relstore.Store this package needs.
type eventStore interface {
	SearchEvents(ctx context.Context, f relstore.EventSearchFilter, includeEvidence bool) ([]relstore.Event, int, error)
	GetEvent(ctx context.Context, eventID string) (relstore.Event, bool, error)
	ListEventsForRevision(ctx context.Context, artifactUID, revisionID string, includeEvidence bool) ([]relstore.Event, error)
	FindRevision(ctx context.Context, artifactUID, revisionID string) (relstore.Revision, bool, error)
	LatestRevision(ctx context.Context, artifactUID string) (relstore.Revision, bool, error)
}

// jobStore is the narrow slice of jobqueue.Queue this package needs.
type jobStore interface {
	EnqueueReextract(ctx context.Context, artifactUID, revisionID, jobType string, force bool, maxAttempts int) (*jobqueue.Job, error)
	GetByArtifactRevision(ctx context.Context, artifactUID, revisionID, jobType string) (*jobqueue.Job, bool, error)
}

// Service wires the ingest coordinator, the relational/job stores, and the
// retrieval engine into the seven operations the external interface
// contract names.
type Service struct {
	ingest      artifactIngester
	relstore    eventStore
	jobs        jobStore
	retrieval   *retrieve.Engine
	graph       *retrieve.GraphExpander
	maxAttempts int
	log         zerolog.Logger
}

func New(ing *ingest.Coordinator, rel *relstore.Store, jobs *jobqueue.Queue, retrieval *retrieve.Engine, graph *retrieve.GraphExpander, maxAttempts int, log zerolog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		ingest:      ing,
		relstore:    rel,
		jobs:        jobs,
		retrieval:   retrieval,
		graph:       graph,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "memory.service").Logger(),
	}
}

// ArtifactIngestRequest mirrors artifact_ingest's documented input.
type ArtifactIngestRequest struct {
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

// ArtifactIngestResponse mirrors artifact_ingest's documented output.
type ArtifactIngestResponse struct {
	ArtifactID  string
	ArtifactUID string
	RevisionID  string
	Chunked     bool
	NumChunks   int
	JobID       string
	JobStatus   string
	Status      string
}

func (s *Service) ArtifactIngest(ctx context.Context, req ArtifactIngestRequest) (ArtifactIngestResponse, error) {
	res, err := s.ingest.Ingest(ctx, ingest.Params{
		Kind: req.Kind, SourceSystem: req.SourceSystem, SourceID: req.SourceID, Content: req.Content,
		Title: req.Title, Author: req.Author, Participants: req.Participants, OccurredAt: req.OccurredAt,
		Sensitivity: req.Sensitivity, VisibilityScope: req.VisibilityScope, RetentionPolicy: req.RetentionPolicy,
	})
	if err != nil {
		return ArtifactIngestResponse{}, err
	}
	return ArtifactIngestResponse{
		ArtifactID: res.ArtifactID, ArtifactUID: res.ArtifactUID, RevisionID: res.RevisionID,
		Chunked: res.Chunked, NumChunks: res.NumChunks, JobID: res.JobID,
		JobStatus: string(res.JobStatus), Status: res.Status,
	}, nil
}

// EventView is the RPC-facing rendering of a relstore.Event.
type EventView struct {
	ID              string
	ArtifactUID     string
	RevisionID      string
	Category        string
	EventTime       *time.Time
	Narrative       string
	SubjectType     string
	SubjectRef      string
	Confidence      float64
	ExtractionRunID string
	Evidence        []relstore.EvidenceSpan
}

func toEventView(ev relstore.Event) EventView {
	return EventView{
		ID: ev.ID, ArtifactUID: ev.ArtifactUID, RevisionID: ev.RevisionID, Category: ev.Category,
		EventTime: ev.EventTime, Narrative: ev.Narrative, SubjectType: ev.SubjectType, SubjectRef: ev.SubjectRef,
		Confidence: ev.Confidence, ExtractionRunID: ev.ExtractionRunID, Evidence: ev.Evidence,
	}
}

// EventSearchRequest mirrors event_search's documented input.
type EventSearchRequest struct {
	Query           string
	Category        string
	ArtifactUID     string
	Since           *time.Time
	Until           *time.Time
	Limit           int
	IncludeEvidence bool
}

// EventSearchResponse mirrors event_search's documented output.
type EventSearchResponse struct {
	Events        []EventView
	Total         int
	FiltersApplied map[string]any
}

func (s *Service) EventSearch(ctx context.Context, req EventSearchRequest) (EventSearchResponse, error) {
	if req.Limit > maxLimit {
		return EventSearchResponse{}, errs.Validation("limit %d exceeds maximum %d", req.Limit, maxLimit)
	}
	if req.Category != "" && !extract.Categories[req.Category] {
		return EventSearchResponse{}, errs.InvalidCategory(req.Category)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	events, total, err := s.relstore.SearchEvents(ctx, relstore.EventSearchFilter{
		Query: req.Query, Category: req.Category, ArtifactUID: req.ArtifactUID,
		Since: req.Since, Until: req.Until, Limit: limit,
	}, req.IncludeEvidence)
	if err != nil {
		return EventSearchResponse{}, err
	}

	views := make([]EventView, len(events))
	for i, ev := range events {
		views[i] = toEventView(ev)
	}

	filters := map[string]any{"limit": limit}
	if req.Query != "" {
		filters["query"] = req.Query
	}
	if req.Category != "" {
		filters["category"] = req.Category
	}
	if req.ArtifactUID != "" {
		filters["artifact_uid"] = req.ArtifactUID
	}
	if req.Since != nil {
		filters["since"] = *req.Since
	}
	if req.Until != nil {
		filters["until"] = *req.Until
	}

	return EventSearchResponse{Events: views, Total: total, FiltersApplied: filters}, nil
}

func (s *Service) EventGet(ctx context.Context, eventID string) (EventView, error) {
	if eventID == "" {
		return EventView{}, errs.MissingParameter("event_id")
	}
	ev, found, err := s.relstore.GetEvent(ctx, eventID)
	if err != nil {
		return EventView{}, err
	}
	if !found {
		return EventView{}, errs.NotFound("event %s not found", eventID)
	}
	return toEventView(ev), nil
}

// EventListForRevisionRequest mirrors event_list_for_revision's documented
// input; RevisionID empty means "use the artifact's latest revision".
type EventListForRevisionRequest struct {
	ArtifactUID     string
	RevisionID      string
	IncludeEvidence bool
}

type EventListForRevisionResponse struct {
	ArtifactUID string
	RevisionID  string
	IsLatest    bool
	Events      []EventView
	Total       int
}

func (s *Service) EventListForRevision(ctx context.Context, req EventListForRevisionRequest) (EventListForRevisionResponse, error) {
	if req.ArtifactUID == "" {
		return EventListForRevisionResponse{}, errs.MissingParameter("artifact_uid")
	}

	rev, found, err := s.resolveRevision(ctx, req.ArtifactUID, req.RevisionID)
	if err != nil {
		return EventListForRevisionResponse{}, err
	}
	if !found {
		return EventListForRevisionResponse{}, errs.NotFound("artifact %s has no such revision", req.ArtifactUID)
	}

	events, err := s.relstore.ListEventsForRevision(ctx, rev.ArtifactUID, rev.RevisionID, req.IncludeEvidence)
	if err != nil {
		return EventListForRevisionResponse{}, err
	}

	views := make([]EventView, len(events))
	for i, ev := range events {
		views[i] = toEventView(ev)
	}

	return EventListForRevisionResponse{
		ArtifactUID: rev.ArtifactUID, RevisionID: rev.RevisionID, IsLatest: rev.IsLatest,
		Events: views, Total: len(views),
	}, nil
}

// resolveRevision loads a specific revision, or the artifact's latest one
// when revisionID is empty.
func (s *Service) resolveRevision(ctx context.Context, artifactUID, revisionID string) (relstore.Revision, bool, error) {
	if revisionID != "" {
		return s.relstore.FindRevision(ctx, artifactUID, revisionID)
	}
	return s.relstore.LatestRevision(ctx, artifactUID)
}

// EventReextractRequest mirrors event_reextract's documented input.
type EventReextractRequest struct {
	ArtifactUID string
	RevisionID  string
	Force       bool
}

type EventReextractResponse struct {
	JobID   string
	Status  string
	Message string
}

func (s *Service) EventReextract(ctx context.Context, req EventReextractRequest) (EventReextractResponse, error) {
	if req.ArtifactUID == "" {
		return EventReextractResponse{}, errs.MissingParameter("artifact_uid")
	}
	rev, found, err := s.resolveRevision(ctx, req.ArtifactUID, req.RevisionID)
	if err != nil {
		return EventReextractResponse{}, err
	}
	if !found {
		return EventReextractResponse{}, errs.NotFound("artifact %s has no such revision", req.ArtifactUID)
	}

	job, err := s.jobs.EnqueueReextract(ctx, rev.ArtifactUID, rev.RevisionID, extractJobType, req.Force, s.maxAttempts)
	if err != nil {
		return EventReextractResponse{}, err
	}

	message := "reextraction queued"
	if job.Status != jobqueue.StatusPending {
		message = "job left unchanged: " + string(job.Status)
	}
	return EventReextractResponse{JobID: job.ID, Status: string(job.Status), Message: message}, nil
}

// JobStatusRequest mirrors job_status's documented input.
type JobStatusRequest struct {
	ArtifactUID string
	RevisionID  string
}

func (s *Service) JobStatus(ctx context.Context, req JobStatusRequest) (*jobqueue.Job, error) {
	if req.ArtifactUID == "" {
		return nil, errs.MissingParameter("artifact_uid")
	}
	rev, found, err := s.resolveRevision(ctx, req.ArtifactUID, req.RevisionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("artifact %s has no such revision", req.ArtifactUID)
	}
	job, found, err := s.jobs.GetByArtifactRevision(ctx, rev.ArtifactUID, rev.RevisionID, extractJobType)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("no extraction job for %s/%s", rev.ArtifactUID, rev.RevisionID)
	}
	return job, nil
}

// HybridSearchRequest mirrors hybrid_search's documented input, including
// the graph-expansion flags from Hybrid Search v2.
type HybridSearchRequest struct {
	Query           string
	Limit           int
	Collections     []string
	ExpandNeighbors bool
	WithGraph       bool
	GraphBudget     int
	GraphSeedLimit  int
	GraphCategories []string
}

type HybridSearchResponse struct {
	Results  []retrieve.Result
	Related  []retrieve.ExpandedResult
	Degraded bool
}

func (s *Service) HybridSearch(ctx context.Context, req HybridSearchRequest) (HybridSearchResponse, error) {
	opt := retrieve.Options{Limit: req.Limit, Collections: req.Collections, ExpandNeighbors: req.ExpandNeighbors}

	if !req.WithGraph {
		results, err := s.retrieval.HybridSearch(ctx, req.Query, opt)
		if err != nil {
			return HybridSearchResponse{}, err
		}
		return HybridSearchResponse{Results: results}, nil
	}

	res, err := s.retrieval.HybridSearchV2(ctx, req.Query, s.relstore, s.graph, retrieve.HybridSearchV2Options{
		Options:     opt,
		SeedLimit:   clamp(req.GraphSeedLimit, minSeedLimit, maxSeedLimit, defaultSeedLimit),
		GraphBudget: clamp(req.GraphBudget, minGraphBudget, maxGraphBudget, defaultGraphBudget),
		Categories:  req.GraphCategories,
	})
	if err != nil {
		return HybridSearchResponse{}, err
	}
	return HybridSearchResponse{Results: res.Primary, Related: res.Related, Degraded: res.Degraded}, nil
}

func clamp(v, min, max, def int) int {
	if v == 0 {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
