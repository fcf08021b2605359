package retrieve

import (
	"context"
	"testing"

	"agentmemory/internal/relstore"
)

type fakeGraphStore struct {
	lastParams relstore.GraphExpandParams
	rows       []relstore.ExpandedEvent
	err        error
}

func (f *fakeGraphStore) GraphExpand(_ context.Context, p relstore.GraphExpandParams) ([]relstore.ExpandedEvent, error) {
	f.lastParams = p
	return f.rows, f.err
}

func TestGraphExpandReturnsNilForEmptySeeds(t *testing.T) {
	fs := &fakeGraphStore{}
	g := NewGraphExpander(fs)
	out, err := g.Expand(context.Background(), GraphExpandOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil result for empty seed set, got %+v", out)
	}
}

func TestGraphExpandClampsSeedCountAndBudget(t *testing.T) {
	seeds := make([]string, maxSeedEvents+10)
	for i := range seeds {
		seeds[i] = "evt_" + string(rune('a'+i%26))
	}
	fs := &fakeGraphStore{}
	g := NewGraphExpander(fs)
	_, err := g.Expand(context.Background(), GraphExpandOptions{SeedEventIDs: seeds, Budget: 10000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.lastParams.SeedEventIDs) != maxSeedEvents {
		t.Fatalf("expected seed count clamped to %d, got %d", maxSeedEvents, len(fs.lastParams.SeedEventIDs))
	}
	if fs.lastParams.Budget != maxBudget {
		t.Fatalf("expected budget clamped to %d, got %d", maxBudget, fs.lastParams.Budget)
	}
}

func TestGraphExpandDefaultsBudgetWhenUnset(t *testing.T) {
	fs := &fakeGraphStore{}
	g := NewGraphExpander(fs)
	_, err := g.Expand(context.Background(), GraphExpandOptions{SeedEventIDs: []string{"evt_1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.lastParams.Budget != defaultBudget {
		t.Fatalf("expected default budget %d, got %d", defaultBudget, fs.lastParams.Budget)
	}
}

func TestGraphExpandDropsInvalidCategories(t *testing.T) {
	fs := &fakeGraphStore{}
	g := NewGraphExpander(fs)
	_, err := g.Expand(context.Background(), GraphExpandOptions{
		SeedEventIDs: []string{"evt_1"},
		Categories:   []string{"Commitment", "NotARealCategory"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.lastParams.Categories) != 1 || fs.lastParams.Categories[0] != "Commitment" {
		t.Fatalf("expected only the valid category to survive, got %+v", fs.lastParams.Categories)
	}
}

func TestGraphExpandExcludesSeedsFromResults(t *testing.T) {
	fs := &fakeGraphStore{}
	g := NewGraphExpander(fs)
	_, err := g.Expand(context.Background(), GraphExpandOptions{SeedEventIDs: []string{"evt_1", "evt_2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fs.lastParams.ExcludeEventID["evt_1"] || !fs.lastParams.ExcludeEventID["evt_2"] {
		t.Fatalf("expected both seeds to be excluded, got %+v", fs.lastParams.ExcludeEventID)
	}
}

func TestGraphExpandMapsResults(t *testing.T) {
	fs := &fakeGraphStore{rows: []relstore.ExpandedEvent{
		{Event: relstore.Event{ID: "evt_9"}, ReasonEntity: "ent_1"},
	}}
	g := NewGraphExpander(fs)
	out, err := g.Expand(context.Background(), GraphExpandOptions{SeedEventIDs: []string{"evt_1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Event.ID != "evt_9" || out[0].ReasonEntity != "ent_1" {
		t.Fatalf("unexpected expand output: %+v", out)
	}
}
