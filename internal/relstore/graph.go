package relstore

import (
	"context"

	"agentmemory/internal/errs"
)

// ExpandedEvent is a graph neighbor of a seed event set, annotated with the
// entity that connected it back to the seeds.
type ExpandedEvent struct {
	Event        Event
	ReasonEntity string
}

// GraphExpandParams is already clamped by the caller (the graph expander);
// this layer only parameterizes SQL, it never re-validates ranges.
type GraphExpandParams struct {
	SeedEventIDs   []string
	ExcludeEventID map[string]bool
	Budget         int
	Categories     []string
}

// GraphExpand finds events that share an entity (as actor or subject) with
// any of the seed events, excluding the seeds themselves, ordered by most
// recent event_time then confidence, limited to Budget rows. Every value
// reaches SQL as a bind parameter; nothing here builds a query string out
// of caller-controlled identifiers.
func (s *Store) GraphExpand(ctx context.Context, p GraphExpandParams) ([]ExpandedEvent, error) {
	if len(p.SeedEventIDs) == 0 || p.Budget <= 0 {
		return nil, nil
	}

	query := `
		WITH seed_entities AS (
			SELECT DISTINCT entity_id FROM event_actor WHERE event_id = ANY($1)
			UNION
			SELECT DISTINCT entity_id FROM event_subject WHERE event_id = ANY($1)
		),
		neighbor AS (
			SELECT event_id, entity_id FROM event_actor WHERE entity_id IN (SELECT entity_id FROM seed_entities)
			UNION
			SELECT event_id, entity_id FROM event_subject WHERE entity_id IN (SELECT entity_id FROM seed_entities)
		)
		SELECT se.event_id, se.artifact_uid, se.revision_id, se.category, se.event_time, se.narrative,
		       COALESCE(se.subject_type,''), COALESCE(se.subject_ref,''), se.confidence, se.extraction_run_id, se.created_at,
		       n.entity_id
		FROM neighbor n
		JOIN semantic_event se ON se.event_id = n.event_id
		WHERE n.event_id != ALL($1)
		  AND ($2::text[] IS NULL OR se.category = ANY($2))
		ORDER BY se.event_time DESC NULLS LAST, se.confidence DESC
		LIMIT $3
	`
	var categories any
	if len(p.Categories) > 0 {
		categories = p.Categories
	}

	rows, err := s.pool.Query(ctx, query, p.SeedEventIDs, categories, p.Budget)
	if err != nil {
		return nil, errs.Database(err, "graph expand")
	}
	defer rows.Close()

	var out []ExpandedEvent
	seen := make(map[string]bool)
	for rows.Next() {
		var ev Event
		var reasonEntity string
		if err := rows.Scan(&ev.ID, &ev.ArtifactUID, &ev.RevisionID, &ev.Category, &ev.EventTime, &ev.Narrative,
			&ev.SubjectType, &ev.SubjectRef, &ev.Confidence, &ev.ExtractionRunID, &ev.CreatedAt, &reasonEntity); err != nil {
			return nil, errs.Database(err, "scan expanded event")
		}
		if p.ExcludeEventID[ev.ID] || seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ExpandedEvent{Event: ev, ReasonEntity: reasonEntity})
	}
	return out, rows.Err()
}
