// Package jobqueue implements the durable extraction job queue: enqueue,
// at-most-one-worker claiming via row locking, completion, and backoff on
// transient failure.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentmemory/internal/errs"
)

func newUUID() string { return uuid.NewString() }

// Status is one of the job state machine's four at-rest states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// Job is one row of event_jobs.
type Job struct {
	ID                string
	Type              string
	ArtifactUID       string
	RevisionID        string
	Status            Status
	Attempts          int
	MaxAttempts       int
	NextRunAt         time.Time
	LockedAt          *time.Time
	LockedBy          string
	LastErrorCode     string
	LastErrorMessage  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Queue is the component's public surface, backed directly by the
// relational store's pool so claims participate in the same lock manager
// as every other transaction against event_jobs.
type Queue struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// backoffFor computes the exponential backoff named in the component
// contract: min(30 * 2^attempts, 600) seconds.
func backoffFor(attempts int) time.Duration {
	secs := 30 * (1 << uint(attempts))
	if secs > 600 {
		secs = 600
	}
	return time.Duration(secs) * time.Second
}

// Claim atomically reserves at most one PENDING, due job for workerID and
// marks it PROCESSING. It returns (nil, false, nil) when no job is ready.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, false, errs.Database(err, "begin claim")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT job_id FROM event_jobs
		WHERE status = 'PENDING' AND next_run_at <= now()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)
	var jobID string
	if err := row.Scan(&jobID); err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errs.Database(err, "select next job")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE event_jobs
		SET status = 'PROCESSING', locked_at = now(), locked_by = $2, attempts = attempts + 1, updated_at = now()
		WHERE job_id = $1
	`, jobID, workerID); err != nil {
		return nil, false, errs.Database(err, "claim job")
	}

	row2 := tx.QueryRow(ctx, jobSelectSQL+" WHERE job_id = $1", jobID)
	job, err := scanJob(row2)
	if err != nil {
		return nil, false, errs.Database(err, "reload claimed job")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errs.Database(err, "commit claim")
	}
	return &job, true, nil
}

// Complete marks a job DONE after a successful extraction write.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE event_jobs SET status = 'DONE', updated_at = now() WHERE job_id = $1
	`, jobID)
	if err != nil {
		return errs.Database(err, "complete job")
	}
	return nil
}

// FailTransient records a retryable failure. When attempts have reached
// max_attempts the job becomes terminally FAILED instead of being
// rescheduled, matching the state machine's "attempts>=max" edge.
func (q *Queue) FailTransient(ctx context.Context, jobID, code, message string) error {
	row := q.pool.QueryRow(ctx, `SELECT attempts, max_attempts FROM event_jobs WHERE job_id = $1`, jobID)
	var attempts, maxAttempts int
	if err := row.Scan(&attempts, &maxAttempts); err != nil {
		return errs.Database(err, "load job for transient failure")
	}
	if attempts >= maxAttempts {
		return q.FailTerminal(ctx, jobID, code, message)
	}
	backoff := backoffFor(attempts)
	_, err := q.pool.Exec(ctx, `
		UPDATE event_jobs
		SET status = 'PENDING', next_run_at = now() + $2::interval, last_error_code = $3, last_error_message = $4, updated_at = now()
		WHERE job_id = $1
	`, jobID, fmt.Sprintf("%d seconds", int(backoff.Seconds())), code, message)
	if err != nil {
		return errs.Database(err, "reschedule job")
	}
	return nil
}

// FailTerminal marks a job FAILED with no further retries.
func (q *Queue) FailTerminal(ctx context.Context, jobID, code, message string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE event_jobs
		SET status = 'FAILED', last_error_code = $2, last_error_message = $3, updated_at = now()
		WHERE job_id = $1
	`, jobID, code, message)
	if err != nil {
		return errs.Database(err, "fail job terminally")
	}
	return nil
}

// Enqueue inserts a new PENDING job on its own pool connection.
// EnqueueReextract uses it when no job exists yet for the revision; ingest
// does not call it, since relstore.CommitIngest inserts ingest's job row
// inside its own transaction.
func (q *Queue) Enqueue(ctx context.Context, jobID, jobType, artifactUID, revisionID string, maxAttempts int) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO event_jobs (job_id, type, artifact_uid, revision_id, status, attempts, max_attempts, next_run_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, now())
		ON CONFLICT (artifact_uid, revision_id, type) DO NOTHING
	`, jobID, jobType, artifactUID, revisionID, maxAttempts)
	if err != nil {
		return errs.Database(err, "enqueue job")
	}
	return nil
}

// EnqueueReextract implements the reextract transition table: a FAILED job
// always resets to PENDING; a DONE job only resets when force=true; a
// PENDING or PROCESSING job is left alone (already queued or in flight).
func (q *Queue) EnqueueReextract(ctx context.Context, artifactUID, revisionID, jobType string, force bool, maxAttempts int) (*Job, error) {
	existing, found, err := q.GetByArtifactRevision(ctx, artifactUID, revisionID, jobType)
	if err != nil {
		return nil, err
	}
	if !found {
		jobID := "job_" + newUUID()
		if err := q.Enqueue(ctx, jobID, jobType, artifactUID, revisionID, maxAttempts); err != nil {
			return nil, err
		}
		job, _, err := q.GetByID(ctx, jobID)
		return job, err
	}

	switch existing.Status {
	case StatusFailed:
		if err := q.reset(ctx, existing.ID, maxAttempts); err != nil {
			return nil, err
		}
	case StatusDone:
		if force {
			if err := q.reset(ctx, existing.ID, maxAttempts); err != nil {
				return nil, err
			}
		}
	}
	job, _, err := q.GetByID(ctx, existing.ID)
	return job, err
}

func (q *Queue) reset(ctx context.Context, jobID string, maxAttempts int) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE event_jobs
		SET status = 'PENDING', attempts = 0, max_attempts = $2, next_run_at = now(),
		    locked_at = NULL, locked_by = NULL, last_error_code = NULL, last_error_message = NULL, updated_at = now()
		WHERE job_id = $1
	`, jobID, maxAttempts)
	if err != nil {
		return errs.Database(err, "reset job to pending")
	}
	return nil
}

const jobSelectSQL = `
	SELECT job_id, type, artifact_uid, revision_id, status, attempts, max_attempts,
	       next_run_at, locked_at, COALESCE(locked_by,''), COALESCE(last_error_code,''),
	       COALESCE(last_error_message,''), created_at, updated_at
	FROM event_jobs`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var status string
	err := row.Scan(&j.ID, &j.Type, &j.ArtifactUID, &j.RevisionID, &status, &j.Attempts, &j.MaxAttempts,
		&j.NextRunAt, &j.LockedAt, &j.LockedBy, &j.LastErrorCode, &j.LastErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	j.Status = Status(status)
	return j, err
}

// GetByID loads a job by its primary key.
func (q *Queue) GetByID(ctx context.Context, jobID string) (*Job, bool, error) {
	row := q.pool.QueryRow(ctx, jobSelectSQL+" WHERE job_id = $1", jobID)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errs.Database(err, "get job")
	}
	return &j, true, nil
}

// GetByArtifactRevision loads the job for (artifactUID, revisionID, type),
// the unique key the table enforces.
func (q *Queue) GetByArtifactRevision(ctx context.Context, artifactUID, revisionID, jobType string) (*Job, bool, error) {
	row := q.pool.QueryRow(ctx, jobSelectSQL+" WHERE artifact_uid = $1 AND revision_id = $2 AND type = $3", artifactUID, revisionID, jobType)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errs.Database(err, "get job by artifact/revision")
	}
	return &j, true, nil
}

// RecoverStale resets PROCESSING jobs whose locked_at predates deadline
// back to PENDING. The stale-recovery threshold and cadence are
// configuration, not a fixed constant: see the worker's sweep loop.
func (q *Queue) RecoverStale(ctx context.Context, deadline time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE event_jobs
		SET status = 'PENDING', locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = 'PROCESSING' AND locked_at < $1
	`, deadline)
	if err != nil {
		return 0, errs.Database(err, "recover stale jobs")
	}
	return int(tag.RowsAffected()), nil
}
