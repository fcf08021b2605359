package ingest

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmemory/internal/chunker"
	"agentmemory/internal/errs"
	"agentmemory/internal/idgen"
	"agentmemory/internal/jobqueue"
	"agentmemory/internal/relstore"
	"agentmemory/internal/tokenizer"
	"agentmemory/internal/vectorstore"
)

type fakeEmbedder struct {
	dim       int
	oneCalls  int
	manyCalls int
	err       error
}

func (f *fakeEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	f.oneCalls++
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	f.manyCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

type fakeVectorStore struct {
	upserts []vectorstore.Point
}

func (f *fakeVectorStore) Upsert(_ context.Context, _ string, points []vectorstore.Point) error {
	f.upserts = append(f.upserts, points...)
	return nil
}
func (f *fakeVectorStore) Delete(context.Context, string, []string) error { return nil }
func (f *fakeVectorStore) Search(context.Context, string, []float32, int, map[string]string) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (f *fakeVectorStore) Get(context.Context, string, string) (vectorstore.Point, bool, error) {
	return vectorstore.Point{}, false, nil
}
func (f *fakeVectorStore) FindByMetadata(context.Context, string, map[string]string) (vectorstore.Point, bool, error) {
	return vectorstore.Point{}, false, nil
}
func (f *fakeVectorStore) ListByMetadata(context.Context, string, map[string]string) ([]vectorstore.Point, error) {
	return nil, nil
}
func (f *fakeVectorStore) Close() error { return nil }

type fakeRelStore struct {
	existing  map[string]relstore.Revision
	committed []relstore.CommitIngestParams
}

func (f *fakeRelStore) FindRevision(_ context.Context, artifactUID, revisionID string) (relstore.Revision, bool, error) {
	rev, ok := f.existing[artifactUID+"|"+revisionID]
	return rev, ok, nil
}

func (f *fakeRelStore) CommitIngest(_ context.Context, p relstore.CommitIngestParams) error {
	f.committed = append(f.committed, p)
	if f.existing == nil {
		f.existing = map[string]relstore.Revision{}
	}
	f.existing[p.Revision.ArtifactUID+"|"+p.Revision.RevisionID] = p.Revision
	return nil
}

type fakeJobStore struct{}

func (f *fakeJobStore) GetByArtifactRevision(context.Context, string, string, string) (*jobqueue.Job, bool, error) {
	return nil, false, nil
}

func newTestCoordinator(embed *fakeEmbedder, vs *fakeVectorStore, rs *fakeRelStore) *Coordinator {
	tok, _ := tokenizer.New()
	return &Coordinator{
		tok:         tok,
		chunker:     chunker.New(tok),
		embeddings:  embed,
		vectors:     vs,
		relational:  rs,
		jobs:        &fakeJobStore{},
		maxContent:  5_000_000,
		maxAttempts: 5,
		log:         zerolog.Nop(),
	}
}

func TestIngestRejectsUnknownKind(t *testing.T) {
	c := newTestCoordinator(&fakeEmbedder{dim: 4}, &fakeVectorStore{}, &fakeRelStore{})
	_, err := c.Ingest(context.Background(), Params{Kind: "tweet", SourceSystem: "manual", Content: "hi"})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeInvalidArtifact, e.Code)
}

func TestIngestRejectsEmptyContent(t *testing.T) {
	c := newTestCoordinator(&fakeEmbedder{dim: 4}, &fakeVectorStore{}, &fakeRelStore{})
	_, err := c.Ingest(context.Background(), Params{Kind: "note", SourceSystem: "manual"})
	require.Error(t, err)
}

func TestIngestRejectsOversizedContent(t *testing.T) {
	c := newTestCoordinator(&fakeEmbedder{dim: 4}, &fakeVectorStore{}, &fakeRelStore{})
	c.maxContent = 10
	_, err := c.Ingest(context.Background(), Params{Kind: "note", SourceSystem: "manual", Content: "way too long for this limit"})
	require.Error(t, err)
}

func TestIngestSmallArtifactEmbedsOnceAndCommits(t *testing.T) {
	embed := &fakeEmbedder{dim: 4}
	vs := &fakeVectorStore{}
	rs := &fakeRelStore{}
	c := newTestCoordinator(embed, vs, rs)

	res, err := c.Ingest(context.Background(), Params{Kind: "note", SourceSystem: "manual", SourceID: "n1", Content: "We decided to ship on 2024-04-01."})
	require.NoError(t, err)
	assert.Equal(t, "created", res.Status)
	assert.False(t, res.Chunked)
	assert.Equal(t, 1, embed.oneCalls)
	assert.Equal(t, 0, embed.manyCalls)
	assert.Len(t, vs.upserts, 1)
	require.Len(t, rs.committed, 1)
	assert.Equal(t, res.ArtifactUID, rs.committed[0].Revision.ArtifactUID)
}

func TestIngestDedupReturnsUnchanged(t *testing.T) {
	embed := &fakeEmbedder{dim: 4}
	vs := &fakeVectorStore{}
	rs := &fakeRelStore{}
	c := newTestCoordinator(embed, vs, rs)

	p := Params{Kind: "note", SourceSystem: "manual", SourceID: "n1", Content: "identical content"}
	first, err := c.Ingest(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "created", first.Status)

	second, err := c.Ingest(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", second.Status)
	assert.Equal(t, first.ArtifactUID, second.ArtifactUID)
	assert.Equal(t, first.RevisionID, second.RevisionID)
	assert.Equal(t, 1, embed.oneCalls, "dedup must short-circuit before any embedding call")
	assert.Len(t, rs.committed, 1)
}

func TestIngestLargeArtifactChunksAndEmbedsMany(t *testing.T) {
	embed := &fakeEmbedder{dim: 4}
	vs := &fakeVectorStore{}
	rs := &fakeRelStore{}
	c := newTestCoordinator(embed, vs, rs)

	tok, _ := tokenizer.New()
	// Build content comfortably over the 1200-token single-piece threshold.
	word := "ship the release notes to every stakeholder before the deadline "
	content := ""
	for tok.Count(content) < 5000 {
		content += word
	}

	res, err := c.Ingest(context.Background(), Params{Kind: "doc", SourceSystem: "manual", SourceID: "doc1", Content: content})
	require.NoError(t, err)
	assert.True(t, res.Chunked)
	assert.Greater(t, res.NumChunks, 1)
	assert.Equal(t, 0, embed.oneCalls)
	assert.Equal(t, 1, embed.manyCalls)
	assert.Len(t, vs.upserts, res.NumChunks)
}

func TestIngestIdenticalContentYieldsStableIDs(t *testing.T) {
	a := idgen.ArtifactUID("manual", "n1", "hello")
	b := idgen.ArtifactUID("manual", "n1", "hello")
	assert.Equal(t, a, b)
}
