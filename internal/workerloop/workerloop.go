// Package workerloop implements the extraction worker: a single-threaded
// cooperative loop that claims jobs from the durable queue, reassembles the
// chunk set the ingest coordinator wrote, runs the extraction pipeline, and
// reports success or failure back to the queue.
package workerloop

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"agentmemory/internal/chunker"
	"agentmemory/internal/errs"
	"agentmemory/internal/extract"
	"agentmemory/internal/jobqueue"
	"agentmemory/internal/relstore"
	"agentmemory/internal/vectorstore"
)

// revisionLoader is the narrow slice of relstore.Store the worker needs to
// reload a job's artifact text.
type revisionLoader interface {
	FindRevision(ctx context.Context, artifactUID, revisionID string) (relstore.Revision, bool, error)
	// ListLiveRevisions returns the current revision_id per artifact_uid,
	// used by the orphan vector sweep to recognize points a superseded
	// revision left behind.
	ListLiveRevisions(ctx context.Context) (map[string]string, error)
}

// jobClaimer is the narrow slice of jobqueue.Queue the worker needs.
type jobClaimer interface {
	Claim(ctx context.Context, workerID string) (*jobqueue.Job, bool, error)
	Complete(ctx context.Context, jobID string) error
	FailTransient(ctx context.Context, jobID, code, message string) error
	FailTerminal(ctx context.Context, jobID, code, message string) error
	RecoverStale(ctx context.Context, deadline time.Time) (int, error)
}

// extractor is the narrow slice of extract.Extractor the worker needs.
type extractor interface {
	Run(ctx context.Context, artifactUID, revisionID string, chunks []chunker.Chunk) error
}

// Config controls the loop's cadence. Zero values fall back to the
// documented defaults.
type Config struct {
	WorkerID        string
	PollInterval    time.Duration // default 1s
	StaleAfter      time.Duration // default 15m
	StaleSweepEvery time.Duration // default 5m
	VectorGCEvery   time.Duration // default 30m
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-unknown"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.StaleSweepEvery <= 0 {
		c.StaleSweepEvery = 5 * time.Minute
	}
	if c.VectorGCEvery <= 0 {
		c.VectorGCEvery = 30 * time.Minute
	}
	return c
}

// Worker is the component's public surface.
type Worker struct {
	jobs       jobClaimer
	revisions  revisionLoader
	vectors    vectorstore.Store
	extractor  extractor
	cfg        Config
	log        zerolog.Logger
}

func New(jobs *jobqueue.Queue, revisions *relstore.Store, vectors vectorstore.Store, ex *extract.Extractor, cfg Config, log zerolog.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		jobs:      jobs,
		revisions: revisions,
		vectors:   vectors,
		extractor: ex,
		cfg:       cfg,
		log:       log.With().Str("component", "workerloop").Str("worker_id", cfg.WorkerID).Logger(),
	}
}

// Run drives the loop until ctx is canceled. A claim returning no job sleeps
// for PollInterval; an in-flight job always runs to completion before ctx
// cancellation is honored, so a shutdown signal never interrupts a partial
// extraction write.
func (w *Worker) Run(ctx context.Context) error {
	sweepTicker := time.NewTicker(w.cfg.StaleSweepEvery)
	defer sweepTicker.Stop()
	gcTicker := time.NewTicker(w.cfg.VectorGCEvery)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker loop shutting down")
			return nil
		case <-sweepTicker.C:
			w.sweepStale(ctx)
		case <-gcTicker.C:
			w.sweepOrphanVectors(ctx)
		default:
		}

		job, found, err := w.jobs.Claim(ctx, w.cfg.WorkerID)
		if err != nil {
			w.log.Error().Err(err).Msg("claim failed")
			if !sleepOrDone(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}
		if !found {
			if !sleepOrDone(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		w.processJob(context.WithoutCancel(ctx), job)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) sweepStale(ctx context.Context) {
	n, err := w.jobs.RecoverStale(ctx, time.Now().Add(-w.cfg.StaleAfter))
	if err != nil {
		w.log.Error().Err(err).Msg("stale job recovery sweep failed")
		return
	}
	if n > 0 {
		w.log.Warn().Int("recovered", n).Msg("recovered stale PROCESSING jobs back to PENDING")
	}
}

// sweepOrphanVectors reconciles the content and chunks collections against
// the relational store's current is_latest revisions. A point whose
// artifact_uid has no live revision, or whose revision_id no longer matches
// the live one, belongs to a superseded ingest and is deleted. This is a
// best-effort cleanup: failures are logged and the next tick tries again.
func (w *Worker) sweepOrphanVectors(ctx context.Context) {
	live, err := w.revisions.ListLiveRevisions(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("orphan vector sweep: failed to load live revisions")
		return
	}

	for _, coll := range []string{vectorstore.CollectionContent, vectorstore.CollectionChunks} {
		points, err := w.vectors.ListByMetadata(ctx, coll, nil)
		if err != nil {
			w.log.Error().Err(err).Str("collection", coll).Msg("orphan vector sweep: failed to scroll collection")
			continue
		}

		var orphans []string
		for _, p := range points {
			artifactUID := p.Metadata["artifact_uid"]
			if artifactUID == "" {
				continue
			}
			revisionID := p.Metadata["revision_id"]
			liveRevision, ok := live[artifactUID]
			if !ok || (revisionID != "" && revisionID != liveRevision) {
				orphans = append(orphans, p.ID)
			}
		}
		if len(orphans) == 0 {
			continue
		}
		if err := w.vectors.Delete(ctx, coll, orphans); err != nil {
			w.log.Error().Err(err).Str("collection", coll).Msg("orphan vector sweep: failed to delete orphaned points")
			continue
		}
		w.log.Warn().Int("deleted", len(orphans)).Str("collection", coll).Msg("orphan vector sweep removed superseded vectors")
	}
}

func (w *Worker) processJob(ctx context.Context, job *jobqueue.Job) {
	jobLog := w.log.With().Str("job_id", job.ID).Str("artifact_uid", job.ArtifactUID).Str("revision_id", job.RevisionID).Logger()

	chunks, err := w.loadChunks(ctx, job.ArtifactUID, job.RevisionID)
	if err != nil {
		w.failJob(ctx, job.ID, err, jobLog)
		return
	}

	if err := w.extractor.Run(ctx, job.ArtifactUID, job.RevisionID, chunks); err != nil {
		w.failJob(ctx, job.ID, err, jobLog)
		return
	}

	if err := w.jobs.Complete(ctx, job.ID); err != nil {
		jobLog.Error().Err(err).Msg("failed to mark job complete after a successful extraction write")
		return
	}
	jobLog.Info().Int("num_chunks", len(chunks)).Msg("extraction complete")
}

func (w *Worker) failJob(ctx context.Context, jobID string, err error, jobLog zerolog.Logger) {
	code := string(errs.CodeInternalError)
	retryable := errs.KindOf(err) == errs.KindTransient
	if e, ok := errs.As(err); ok {
		code = string(e.Code)
	}
	jobLog.Error().Err(err).Bool("retryable", retryable).Msg("extraction attempt failed")

	var failErr error
	if retryable {
		failErr = w.jobs.FailTransient(ctx, jobID, code, err.Error())
	} else {
		failErr = w.jobs.FailTerminal(ctx, jobID, code, err.Error())
	}
	if failErr != nil {
		jobLog.Error().Err(failErr).Msg("failed to record job failure in the queue")
	}
}

// loadChunks reassembles the exact chunk set the ingest coordinator wrote:
// either the chunks collection's per-index points for a chunked artifact, or
// a single synthetic chunk built from the content collection's full text.
func (w *Worker) loadChunks(ctx context.Context, artifactUID, revisionID string) ([]chunker.Chunk, error) {
	rev, found, err := w.revisions.FindRevision(ctx, artifactUID, revisionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("revision %s/%s not found", artifactUID, revisionID)
	}

	if rev.ChunkCount == 0 {
		p, found, err := w.vectors.Get(ctx, vectorstore.CollectionContent, rev.ArtifactID)
		if err != nil {
			return nil, errs.Transient(err, "load unchunked artifact content")
		}
		if !found {
			return nil, errs.Integrity(nil, "content vector point missing for artifact %s", rev.ArtifactID)
		}
		return []chunker.Chunk{extract.SingleChunk(artifactUID, p.Text)}, nil
	}

	points, err := w.vectors.ListByMetadata(ctx, vectorstore.CollectionChunks, map[string]string{
		"artifact_uid": artifactUID,
		"revision_id":  revisionID,
	})
	if err != nil {
		return nil, errs.Transient(err, "load chunk points")
	}
	if len(points) == 0 {
		return nil, errs.Integrity(nil, "no chunk points found for artifact %s despite chunk_count=%d", artifactUID, rev.ChunkCount)
	}

	chunks := make([]chunker.Chunk, 0, len(points))
	for _, p := range points {
		index, _ := strconv.Atoi(p.Metadata["chunk_index"])
		startChar, _ := strconv.Atoi(p.Metadata["start_char"])
		endChar, _ := strconv.Atoi(p.Metadata["end_char"])
		chunks = append(chunks, chunker.Chunk{
			ID:        p.ID,
			Index:     index,
			Content:   p.Text,
			StartChar: startChar,
			EndChar:   endChar,
		})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}
