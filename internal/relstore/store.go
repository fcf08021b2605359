// Package relstore adapts the relational store to the narrow contract the
// core needs: an ACID SQL engine with row-level locking and transactions,
// covering artifact_revision, event_jobs, semantic_event, event_evidence,
// entity, event_actor, and event_subject.
package relstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a connection pool and exposes typed access to every table
// the core touches.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a pooled connection and verifies connectivity with a short
// ping, following the same conservative-defaults shape used elsewhere in
// this codebase for pgx pools.
func Open(ctx context.Context, dsn string, poolSize int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: parse dsn: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	cfg.MaxConns = int32(poolSize)
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("relstore: create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for packages (the job queue) that need
// to run their own transactions against the same connections.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() { s.pool.Close() }

// Ping verifies the pool can still reach Postgres, used by the server's
// liveness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
