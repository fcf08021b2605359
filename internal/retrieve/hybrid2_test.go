package retrieve

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"agentmemory/internal/relstore"
	"agentmemory/internal/vectorstore"
)

type fakeEventSeedFinder struct {
	byArtifact map[string][]relstore.Event
	err        error
}

func (f *fakeEventSeedFinder) SearchEvents(_ context.Context, filter relstore.EventSearchFilter, _ bool) ([]relstore.Event, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	rows := f.byArtifact[filter.ArtifactUID]
	return rows, len(rows), nil
}

func TestHybridSearchV2FoldsInGraphExpansion(t *testing.T) {
	vs := &fakeVectorStore{hits: map[string][]vectorstore.Hit{
		vectorstore.CollectionContent: {{ID: "art1", Text: "doc", Score: 0.9, Metadata: map[string]string{"artifact_uid": "art1"}}},
	}}
	e := New(&fakeEmbedder{vec: []float32{0.1}}, vs, nil, zerolog.Nop())

	events := &fakeEventSeedFinder{byArtifact: map[string][]relstore.Event{
		"art1": {{ID: "evt_1"}},
	}}
	gs := &fakeGraphStore{rows: []relstore.ExpandedEvent{{Event: relstore.Event{ID: "evt_2"}, ReasonEntity: "ent_1"}}}
	expander := NewGraphExpander(gs)

	res, err := e.HybridSearchV2(context.Background(), "doc", events, expander, HybridSearchV2Options{
		Options: Options{Collections: []string{vectorstore.CollectionContent}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Primary) != 1 {
		t.Fatalf("expected 1 primary result, got %d", len(res.Primary))
	}
	if len(res.Related) != 1 || res.Related[0].Event.ID != "evt_2" {
		t.Fatalf("expected related event evt_2, got %+v", res.Related)
	}
	if res.Degraded {
		t.Fatal("expected a successful expansion to not be marked degraded")
	}
	if len(gs.lastParams.SeedEventIDs) != 1 || gs.lastParams.SeedEventIDs[0] != "evt_1" {
		t.Fatalf("expected evt_1 to be used as graph seed, got %+v", gs.lastParams.SeedEventIDs)
	}
}

func TestHybridSearchV2DegradesOnSeedLookupFailure(t *testing.T) {
	vs := &fakeVectorStore{hits: map[string][]vectorstore.Hit{
		vectorstore.CollectionContent: {{ID: "art1", Text: "doc", Score: 0.9, Metadata: map[string]string{"artifact_uid": "art1"}}},
	}}
	e := New(&fakeEmbedder{vec: []float32{0.1}}, vs, nil, zerolog.Nop())

	events := &fakeEventSeedFinder{err: errors.New("db down")}
	expander := NewGraphExpander(&fakeGraphStore{})

	res, err := e.HybridSearchV2(context.Background(), "doc", events, expander, HybridSearchV2Options{
		Options: Options{Collections: []string{vectorstore.CollectionContent}},
	})
	if err != nil {
		t.Fatalf("expected degrade-not-fail, got error: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected result to be marked degraded")
	}
	if len(res.Primary) != 1 {
		t.Fatalf("expected primary results preserved on degrade, got %+v", res.Primary)
	}
	if res.Related != nil {
		t.Fatalf("expected no related results on degrade, got %+v", res.Related)
	}
}

func TestHybridSearchV2DegradesOnExpansionFailure(t *testing.T) {
	vs := &fakeVectorStore{hits: map[string][]vectorstore.Hit{
		vectorstore.CollectionContent: {{ID: "art1", Text: "doc", Score: 0.9, Metadata: map[string]string{"artifact_uid": "art1"}}},
	}}
	e := New(&fakeEmbedder{vec: []float32{0.1}}, vs, nil, zerolog.Nop())

	events := &fakeEventSeedFinder{byArtifact: map[string][]relstore.Event{"art1": {{ID: "evt_1"}}}}
	expander := NewGraphExpander(&fakeGraphStore{err: errors.New("graph query failed")})

	res, err := e.HybridSearchV2(context.Background(), "doc", events, expander, HybridSearchV2Options{
		Options: Options{Collections: []string{vectorstore.CollectionContent}},
	})
	if err != nil {
		t.Fatalf("expected degrade-not-fail, got error: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected result to be marked degraded")
	}
}

func TestHybridSearchV2SkipsExpansionWhenNoSeeds(t *testing.T) {
	vs := &fakeVectorStore{}
	e := New(&fakeEmbedder{vec: []float32{0.1}}, vs, nil, zerolog.Nop())
	events := &fakeEventSeedFinder{}
	expander := NewGraphExpander(&fakeGraphStore{})

	res, err := e.HybridSearchV2(context.Background(), "nothing found", events, expander, HybridSearchV2Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Related != nil || res.Degraded {
		t.Fatalf("expected a plain empty result, got %+v", res)
	}
}
