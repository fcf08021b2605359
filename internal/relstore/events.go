package relstore

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"agentmemory/internal/errs"
)

// EvidenceSpan grounds an event in exact source text.
type EvidenceSpan struct {
	ID        string
	Quote     string
	StartChar int
	EndChar   int
	ChunkID   string
}

// ActorMention pairs a candidate entity reference with its role in an
// event.
type ActorMention struct {
	Mention EntityMention
	Role    string
}

// CanonicalEvent is one event ready to be written: Phase B's output, with
// evidence offsets already adjusted to artifact-relative and its category
// already validated against the closed set.
type CanonicalEvent struct {
	Category       string
	EventTime      *time.Time
	Narrative      string
	SubjectMention *EntityMention
	SubjectType    string
	Actors         []ActorMention
	Confidence     float64
	Evidence       []EvidenceSpan
}

// Event is a persisted semantic_event row together with its evidence,
// returned by reads.
type Event struct {
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
	CreatedAt       time.Time
	Evidence        []EvidenceSpan
}

// ResolveEntityFunc resolves a mention to a stable entity_id, creating one
// if no existing entity matches. It runs inside the same transaction as the
// event write so a newly created entity is visible to the rest of that
// write and rolls back with it on failure.
type ResolveEntityFunc func(ctx context.Context, q EntityQuerier, mention EntityMention) (entityID string, err error)

// WriteExtractionResult performs the replace-on-success write described in
// the extraction component's contract: delete any existing events for
// (artifactUID, revisionID), then insert the canonical event list, its
// evidence, and its actor/subject joins, all in one transaction. If resolve
// fails or any insert fails, the transaction rolls back and the caller
// (the worker loop, via the job queue) is expected to retry; downstream
// reads continue to see the previous committed set.
func (s *Store) WriteExtractionResult(ctx context.Context, artifactUID, revisionID, extractionRunID string, events []CanonicalEvent, resolve ResolveEntityFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Database(err, "begin extraction write")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM semantic_event WHERE artifact_uid = $1 AND revision_id = $2
	`, artifactUID, revisionID); err != nil {
		return errs.Database(err, "delete prior events")
	}

	q := &txEntityQuerier{tx: tx}

	for _, ev := range events {
		eventID := newPrefixedID("evt_")
		var subjectRef string
		if ev.SubjectMention != nil {
			id, err := resolve(ctx, q, *ev.SubjectMention)
			if err != nil {
				return errs.Database(err, "resolve subject entity")
			}
			subjectRef = id
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO semantic_event (event_id, artifact_uid, revision_id, category, event_time, narrative, subject_type, subject_ref, confidence, extraction_run_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, eventID, artifactUID, revisionID, ev.Category, ev.EventTime, ev.Narrative, ev.SubjectType, subjectRef, ev.Confidence, extractionRunID); err != nil {
			return errs.Database(err, "insert event")
		}

		for _, sp := range ev.Evidence {
			if _, err := tx.Exec(ctx, `
				INSERT INTO event_evidence (evidence_id, event_id, quote, start_char, end_char, chunk_id)
				VALUES ($1,$2,$3,$4,$5,NULLIF($6,''))
			`, newPrefixedID("evi_"), eventID, sp.Quote, sp.StartChar, sp.EndChar, sp.ChunkID); err != nil {
				return errs.Database(err, "insert evidence")
			}
		}

		for _, actor := range ev.Actors {
			entityID, err := resolve(ctx, q, actor.Mention)
			if err != nil {
				return errs.Database(err, "resolve actor entity")
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO event_actor (entity_id, event_id, role) VALUES ($1,$2,NULLIF($3,''))
				ON CONFLICT (entity_id, event_id) DO NOTHING
			`, entityID, eventID, actor.Role); err != nil {
				return errs.Database(err, "insert event actor")
			}
		}

		if ev.SubjectMention != nil && subjectRef != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO event_subject (entity_id, event_id) VALUES ($1,$2)
				ON CONFLICT (entity_id, event_id) DO NOTHING
			`, subjectRef, eventID); err != nil {
				return errs.Database(err, "insert event subject")
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Database(err, "commit extraction write")
	}
	return nil
}

// GetEvent loads one event with its evidence.
func (s *Store) GetEvent(ctx context.Context, eventID string) (Event, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, artifact_uid, revision_id, category, event_time, narrative,
		       COALESCE(subject_type,''), COALESCE(subject_ref,''), confidence, extraction_run_id, created_at
		FROM semantic_event WHERE event_id = $1
	`, eventID)
	ev, err := scanEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Event{}, false, nil
		}
		return Event{}, false, errs.Database(err, "get event")
	}
	evidence, err := s.evidenceForEvents(ctx, []string{eventID})
	if err != nil {
		return Event{}, false, err
	}
	ev.Evidence = evidence[eventID]
	return ev, true, nil
}

// ListEventsForRevision returns every event for one (artifact, revision).
func (s *Store) ListEventsForRevision(ctx context.Context, artifactUID, revisionID string, includeEvidence bool) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, artifact_uid, revision_id, category, event_time, narrative,
		       COALESCE(subject_type,''), COALESCE(subject_ref,''), confidence, extraction_run_id, created_at
		FROM semantic_event WHERE artifact_uid = $1 AND revision_id = $2
		ORDER BY created_at ASC
	`, artifactUID, revisionID)
	if err != nil {
		return nil, errs.Database(err, "list events for revision")
	}
	defer rows.Close()

	var events []Event
	var ids []string
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errs.Database(err, "scan event")
		}
		events = append(events, ev)
		ids = append(ids, ev.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Database(err, "iterate events")
	}
	if includeEvidence && len(ids) > 0 {
		evidence, err := s.evidenceForEvents(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i := range events {
			events[i].Evidence = evidence[events[i].ID]
		}
	}
	return events, nil
}

// EventSearchFilter narrows a search by any combination of fields; zero
// values are treated as "no filter" for that field.
type EventSearchFilter struct {
	Query       string // full-text match against narrative
	Category    string
	ArtifactUID string
	Since       *time.Time
	Until       *time.Time
	Limit       int
}

// SearchEvents performs a filtered scan of semantic_event with bind
// parameters throughout; no caller-supplied string ever reaches a raw SQL
// identifier.
func (s *Store) SearchEvents(ctx context.Context, f EventSearchFilter, includeEvidence bool) ([]Event, int, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	where := "WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	if f.Query != "" {
		where += " AND to_tsvector('english', narrative) @@ plainto_tsquery('english', " + arg(f.Query) + ")"
	}
	if f.Category != "" {
		where += " AND category = " + arg(f.Category)
	}
	if f.ArtifactUID != "" {
		where += " AND artifact_uid = " + arg(f.ArtifactUID)
	}
	if f.Since != nil {
		where += " AND event_time >= " + arg(*f.Since)
	}
	if f.Until != nil {
		where += " AND event_time <= " + arg(*f.Until)
	}

	countRow := s.pool.QueryRow(ctx, "SELECT count(*) FROM semantic_event "+where, args...)
	var total int
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, errs.Database(err, "count events")
	}

	args = append(args, limit)
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, artifact_uid, revision_id, category, event_time, narrative,
		       COALESCE(subject_type,''), COALESCE(subject_ref,''), confidence, extraction_run_id, created_at
		FROM semantic_event `+where+`
		ORDER BY event_time DESC NULLS LAST, created_at DESC
		LIMIT `+placeholder(len(args)), args...)
	if err != nil {
		return nil, 0, errs.Database(err, "search events")
	}
	defer rows.Close()

	var events []Event
	var ids []string
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, errs.Database(err, "scan event")
		}
		events = append(events, ev)
		ids = append(ids, ev.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errs.Database(err, "iterate events")
	}
	if includeEvidence && len(ids) > 0 {
		evidence, err := s.evidenceForEvents(ctx, ids)
		if err != nil {
			return nil, 0, err
		}
		for i := range events {
			events[i].Evidence = evidence[events[i].ID]
		}
	}
	return events, total, nil
}

func (s *Store) evidenceForEvents(ctx context.Context, eventIDs []string) (map[string][]EvidenceSpan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT evidence_id, event_id, quote, start_char, end_char, COALESCE(chunk_id,'')
		FROM event_evidence WHERE event_id = ANY($1)
	`, eventIDs)
	if err != nil {
		return nil, errs.Database(err, "load evidence")
	}
	defer rows.Close()

	out := make(map[string][]EvidenceSpan)
	for rows.Next() {
		var eventID string
		var sp EvidenceSpan
		if err := rows.Scan(&sp.ID, &eventID, &sp.Quote, &sp.StartChar, &sp.EndChar, &sp.ChunkID); err != nil {
			return nil, errs.Database(err, "scan evidence")
		}
		out[eventID] = append(out[eventID], sp)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	err := row.Scan(&ev.ID, &ev.ArtifactUID, &ev.RevisionID, &ev.Category, &ev.EventTime, &ev.Narrative,
		&ev.SubjectType, &ev.SubjectRef, &ev.Confidence, &ev.ExtractionRunID, &ev.CreatedAt)
	return ev, err
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
