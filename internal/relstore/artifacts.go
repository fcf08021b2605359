package relstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"agentmemory/internal/errs"
)

// Revision is one row of artifact_revision.
type Revision struct {
	ArtifactUID        string
	RevisionID         string
	ArtifactID         string
	Kind               string
	SourceSystem       string
	SourceID           string
	Title              string
	Author             string
	Participants       []string
	OccurredAt         *time.Time
	Sensitivity        string
	VisibilityScope    string
	RetentionPolicy    string
	ContentHash        string
	TokenCount         int
	ChunkCount         int
	ChunkTargetTokens  int
	ChunkOverlapTokens int
	IsLatest           bool
	CreatedAt          time.Time
}

// FindRevision returns a specific (uid, revision) row, used by ingest's
// dedup check and by the worker to load the text it needs to extract from.
func (s *Store) FindRevision(ctx context.Context, artifactUID, revisionID string) (Revision, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT artifact_uid, revision_id, artifact_id, kind, source_system, source_id,
		       title, author, participants, occurred_at, sensitivity, visibility_scope,
		       retention_policy, content_hash, token_count, chunk_count,
		       chunk_target_tokens, chunk_overlap_tokens, is_latest, created_at
		FROM artifact_revision
		WHERE artifact_uid = $1 AND revision_id = $2
	`, artifactUID, revisionID)
	rev, err := scanRevision(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Revision{}, false, nil
		}
		return Revision{}, false, errs.Database(err, "find revision")
	}
	return rev, true, nil
}

// LatestRevision returns the revision flagged is_latest for an artifact.
func (s *Store) LatestRevision(ctx context.Context, artifactUID string) (Revision, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT artifact_uid, revision_id, artifact_id, kind, source_system, source_id,
		       title, author, participants, occurred_at, sensitivity, visibility_scope,
		       retention_policy, content_hash, token_count, chunk_count,
		       chunk_target_tokens, chunk_overlap_tokens, is_latest, created_at
		FROM artifact_revision
		WHERE artifact_uid = $1 AND is_latest
	`, artifactUID)
	rev, err := scanRevision(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Revision{}, false, nil
		}
		return Revision{}, false, errs.Database(err, "latest revision")
	}
	return rev, true, nil
}

// ListLiveRevisions returns the current revision_id for every artifact's
// is_latest row, keyed by artifact_uid. The vector-store orphan sweep uses
// this to recognize points left behind by a superseded revision.
func (s *Store) ListLiveRevisions(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT artifact_uid, revision_id FROM artifact_revision WHERE is_latest`)
	if err != nil {
		return nil, errs.Database(err, "list live revisions")
	}
	defer rows.Close()

	live := make(map[string]string)
	for rows.Next() {
		var uid, rev string
		if err := rows.Scan(&uid, &rev); err != nil {
			return nil, errs.Database(err, "scan live revision")
		}
		live[uid] = rev
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Database(err, "iterate live revisions")
	}
	return live, nil
}

func scanRevision(row pgx.Row) (Revision, error) {
	var rev Revision
	err := row.Scan(
		&rev.ArtifactUID, &rev.RevisionID, &rev.ArtifactID, &rev.Kind, &rev.SourceSystem, &rev.SourceID,
		&rev.Title, &rev.Author, &rev.Participants, &rev.OccurredAt, &rev.Sensitivity, &rev.VisibilityScope,
		&rev.RetentionPolicy, &rev.ContentHash, &rev.TokenCount, &rev.ChunkCount,
		&rev.ChunkTargetTokens, &rev.ChunkOverlapTokens, &rev.IsLatest, &rev.CreatedAt,
	)
	return rev, err
}

// CommitIngestParams carries everything the ingest relational transaction
// needs: the new revision row and the job to enqueue alongside it.
type CommitIngestParams struct {
	Revision   Revision
	JobID      string
	JobType    string
	MaxAttempts int
}

// CommitIngest runs step 6's relational half in a single transaction: flip
// every prior revision of the artifact to is_latest=false, insert the new
// revision, and insert a PENDING job row. The vector-store write must have
// already succeeded by the time this is called — see the ingest coordinator
// for the full two-phase sequence.
func (s *Store) CommitIngest(ctx context.Context, p CommitIngestParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Database(err, "begin ingest transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE artifact_revision SET is_latest = false
		WHERE artifact_uid = $1 AND is_latest
	`, p.Revision.ArtifactUID); err != nil {
		return errs.Database(err, "flip prior latest revisions")
	}

	r := p.Revision
	if _, err := tx.Exec(ctx, `
		INSERT INTO artifact_revision (
			artifact_uid, revision_id, artifact_id, kind, source_system, source_id,
			title, author, participants, occurred_at, sensitivity, visibility_scope,
			retention_policy, content_hash, token_count, chunk_count,
			chunk_target_tokens, chunk_overlap_tokens, is_latest
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,true)
	`, r.ArtifactUID, r.RevisionID, r.ArtifactID, r.Kind, r.SourceSystem, r.SourceID,
		r.Title, r.Author, r.Participants, r.OccurredAt, r.Sensitivity, r.VisibilityScope,
		r.RetentionPolicy, r.ContentHash, r.TokenCount, r.ChunkCount,
		r.ChunkTargetTokens, r.ChunkOverlapTokens,
	); err != nil {
		return errs.Database(err, "insert revision")
	}

	jobType := p.JobType
	if jobType == "" {
		jobType = "extract_events"
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO event_jobs (job_id, type, artifact_uid, revision_id, status, attempts, max_attempts, next_run_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, now())
	`, p.JobID, jobType, r.ArtifactUID, r.RevisionID, maxAttempts); err != nil {
		return errs.Database(err, "insert job")
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Database(err, "commit ingest transaction")
	}
	return nil
}
