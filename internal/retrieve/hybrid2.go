package retrieve

import (
	"context"

	"agentmemory/internal/relstore"
)

// eventSeedFinder is the narrow slice of relstore.Store the v2 search uses
// to turn a primary hit's artifact into graph seed event IDs.
type eventSeedFinder interface {
	SearchEvents(ctx context.Context, f relstore.EventSearchFilter, includeEvidence bool) ([]relstore.Event, int, error)
}

// HybridSearchV2Options extends Options with the graph-expansion knobs.
type HybridSearchV2Options struct {
	Options
	SeedLimit    int
	GraphBudget  int
	Categories   []string
}

// HybridSearchV2Result is the primary hybrid_search result set plus whatever
// the graph expander surfaced from it.
type HybridSearchV2Result struct {
	Primary []Result
	Related []ExpandedResult
	Degraded bool
}

// HybridSearchV2 combines vector search with graph expansion: it runs the
// ordinary hybrid search, treats the events already recorded against the
// top seed_limit hits' artifacts as expansion seeds, and folds in anything
// the graph surfaces from them. A failure at the expansion stage degrades
// to primary-only results with a logged warning rather than failing the
// whole call.
func (e *Engine) HybridSearchV2(ctx context.Context, query string, events eventSeedFinder, expander *GraphExpander, opt HybridSearchV2Options) (HybridSearchV2Result, error) {
	primary, err := e.HybridSearch(ctx, query, opt.Options)
	if err != nil {
		return HybridSearchV2Result{}, err
	}

	seedLimit := opt.SeedLimit
	if seedLimit <= 0 || seedLimit > maxSeedLimit {
		seedLimit = maxSeedLimit
	}

	seedCandidates := primary
	if len(seedCandidates) > seedLimit {
		seedCandidates = seedCandidates[:seedLimit]
	}

	seedIDs, err := e.seedEventIDs(ctx, events, seedCandidates)
	if err != nil {
		e.log.Warn().Err(err).Msg("graph seed lookup failed, degrading to primary-only results")
		return HybridSearchV2Result{Primary: primary, Degraded: true}, nil
	}
	if len(seedIDs) == 0 {
		return HybridSearchV2Result{Primary: primary}, nil
	}

	related, err := expander.Expand(ctx, GraphExpandOptions{
		SeedEventIDs: seedIDs,
		Budget:       opt.GraphBudget,
		Categories:   opt.Categories,
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("graph expansion failed, degrading to primary-only results")
		return HybridSearchV2Result{Primary: primary, Degraded: true}, nil
	}

	return HybridSearchV2Result{Primary: primary, Related: related}, nil
}

// seedEventIDs collects the event IDs already recorded against each seed
// candidate's artifact_uid. A result with no artifact_uid metadata (it
// shouldn't happen, every point is written with one) is simply skipped.
func (e *Engine) seedEventIDs(ctx context.Context, events eventSeedFinder, candidates []Result) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, c := range candidates {
		artifactUID := c.Metadata["artifact_uid"]
		if artifactUID == "" || seen[artifactUID] {
			continue
		}
		seen[artifactUID] = true
		rows, _, err := events.SearchEvents(ctx, relstore.EventSearchFilter{ArtifactUID: artifactUID, Limit: 20}, false)
		if err != nil {
			return nil, err
		}
		for _, ev := range rows {
			ids = append(ids, ev.ID)
		}
		if len(ids) >= maxSeedEvents {
			return ids[:maxSeedEvents], nil
		}
	}
	return ids, nil
}
