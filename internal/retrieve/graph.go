package retrieve

import (
	"context"

	"agentmemory/internal/relstore"
)

const (
	maxSeedEvents  = 50
	minBudget      = 1
	maxBudget      = 100
	defaultBudget  = 10
	maxSeedLimit   = 20
)

// ExpandedResult is one event the graph expander surfaced, carrying the
// entity that connected it back to the seed set.
type ExpandedResult struct {
	Event        relstore.Event
	ReasonEntity string
}

// graphStore is the narrow slice of relstore.Store the expander needs.
type graphStore interface {
	GraphExpand(ctx context.Context, p relstore.GraphExpandParams) ([]relstore.ExpandedEvent, error)
}

// GraphExpander implements bounded 1-hop expansion from seed events to
// related events via shared entities.
type GraphExpander struct {
	store graphStore
}

func NewGraphExpander(store graphStore) *GraphExpander {
	return &GraphExpander{store: store}
}

// GraphExpandOptions is clamped to its documented ranges by Expand before
// any query is built; the caller never has to pre-validate.
type GraphExpandOptions struct {
	SeedEventIDs []string
	Budget       int
	Categories   []string
}

// Expand clamps every numeric parameter and validated-category filter
// server-side, then delegates to the relational store's bind-parameterized
// join.
func (g *GraphExpander) Expand(ctx context.Context, opt GraphExpandOptions) ([]ExpandedResult, error) {
	seeds := opt.SeedEventIDs
	if len(seeds) > maxSeedEvents {
		seeds = seeds[:maxSeedEvents]
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	budget := opt.Budget
	if budget <= 0 {
		budget = defaultBudget
	}
	if budget < minBudget {
		budget = minBudget
	}
	if budget > maxBudget {
		budget = maxBudget
	}

	categories := validCategories(opt.Categories)

	excluded := make(map[string]bool, len(seeds))
	for _, id := range seeds {
		excluded[id] = true
	}

	rows, err := g.store.GraphExpand(ctx, relstore.GraphExpandParams{
		SeedEventIDs:   seeds,
		ExcludeEventID: excluded,
		Budget:         budget,
		Categories:     categories,
	})
	if err != nil {
		return nil, err
	}

	out := make([]ExpandedResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, ExpandedResult{Event: r.Event, ReasonEntity: r.ReasonEntity})
	}
	return out, nil
}

// validCategories drops any value not in the closed category set rather
// than erroring, matching the "invalid entries are dropped" rule.
func validCategories(categories []string) []string {
	allowed := map[string]bool{
		"Commitment": true, "Execution": true, "Decision": true, "Collaboration": true,
		"QualityRisk": true, "Feedback": true, "Change": true, "Stakeholder": true,
	}
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}
