package relstore

import (
	"context"

	"github.com/jackc/pgx/v5"

	"agentmemory/internal/errs"
)

// EntityMention is a candidate reference to a person, organization,
// project, or other referent, as surfaced by extraction before it has been
// resolved to a stable entity_id.
type EntityMention struct {
	Name         string
	Type         string
	Role         string
	Organization string
	Email        string
}

// EntityCandidate is an existing entity row considered during fuzzy
// matching.
type EntityCandidate struct {
	ID              string
	NormalizedName  string
	DisplayName     string
	Type            string
	Email           string
	Role            string
	Organization    string
}

// EntityQuerier is the narrow, transaction-scoped seam the entity resolver
// uses to read and create entities. Keeping it an interface lets the
// resolution policy (normalize, exact match, fuzzy match, LLM-confirmed
// disambiguation) live outside this package while still running inside the
// same transaction as the event write it's part of.
type EntityQuerier interface {
	FindExact(ctx context.Context, normalizedName, entityType string) (entityID string, found bool, err error)
	CandidatesByType(ctx context.Context, entityType string) ([]EntityCandidate, error)
	Create(ctx context.Context, mention EntityMention, normalizedName string) (entityID string, err error)
}

type txEntityQuerier struct {
	tx pgx.Tx
}

func (q *txEntityQuerier) FindExact(ctx context.Context, normalizedName, entityType string) (string, bool, error) {
	var id string
	err := q.tx.QueryRow(ctx, `
		SELECT entity_id FROM entity WHERE normalized_name = $1 AND type = $2
	`, normalizedName, entityType).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, errs.Database(err, "find exact entity")
	}
	return id, true, nil
}

func (q *txEntityQuerier) CandidatesByType(ctx context.Context, entityType string) ([]EntityCandidate, error) {
	rows, err := q.tx.Query(ctx, `
		SELECT entity_id, normalized_name, display_name, type,
		       COALESCE(email, ''), COALESCE(role, ''), COALESCE(organization, '')
		FROM entity WHERE type = $1
	`, entityType)
	if err != nil {
		return nil, errs.Database(err, "list entity candidates")
	}
	defer rows.Close()

	var out []EntityCandidate
	for rows.Next() {
		var c EntityCandidate
		if err := rows.Scan(&c.ID, &c.NormalizedName, &c.DisplayName, &c.Type, &c.Email, &c.Role, &c.Organization); err != nil {
			return nil, errs.Database(err, "scan entity candidate")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *txEntityQuerier) Create(ctx context.Context, mention EntityMention, normalizedName string) (string, error) {
	id := newPrefixedID("ent_")
	_, err := q.tx.Exec(ctx, `
		INSERT INTO entity (entity_id, normalized_name, display_name, type, email, role, organization)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), NULLIF($7,''))
		ON CONFLICT (normalized_name, type) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
		RETURNING entity_id
	`, id, normalizedName, mention.Name, mention.Type, mention.Email, mention.Role, mention.Organization).Scan(&id)
	if err != nil {
		return "", errs.Database(err, "create entity")
	}
	return id, nil
}
