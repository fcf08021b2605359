package workerloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"agentmemory/internal/chunker"
	"agentmemory/internal/errs"
	"agentmemory/internal/jobqueue"
	"agentmemory/internal/relstore"
	"agentmemory/internal/vectorstore"
)

type fakeJobClaimer struct {
	queue        []*jobqueue.Job
	completed    []string
	transientFailed []string
	terminalFailed  []string
	recoverCalls int
}

func (f *fakeJobClaimer) Claim(context.Context, string) (*jobqueue.Job, bool, error) {
	if len(f.queue) == 0 {
		return nil, false, nil
	}
	j := f.queue[0]
	f.queue = f.queue[1:]
	return j, true, nil
}
func (f *fakeJobClaimer) Complete(_ context.Context, jobID string) error {
	f.completed = append(f.completed, jobID)
	return nil
}
func (f *fakeJobClaimer) FailTransient(_ context.Context, jobID, _, _ string) error {
	f.transientFailed = append(f.transientFailed, jobID)
	return nil
}
func (f *fakeJobClaimer) FailTerminal(_ context.Context, jobID, _, _ string) error {
	f.terminalFailed = append(f.terminalFailed, jobID)
	return nil
}
func (f *fakeJobClaimer) RecoverStale(context.Context, time.Time) (int, error) {
	f.recoverCalls++
	return 0, nil
}

type fakeRevisionLoader struct {
	revisions map[string]relstore.Revision
}

func (f *fakeRevisionLoader) FindRevision(_ context.Context, artifactUID, revisionID string) (relstore.Revision, bool, error) {
	rev, ok := f.revisions[artifactUID+"|"+revisionID]
	return rev, ok, nil
}

func (f *fakeRevisionLoader) ListLiveRevisions(context.Context) (map[string]string, error) {
	live := make(map[string]string)
	for _, rev := range f.revisions {
		if rev.IsLatest {
			live[rev.ArtifactUID] = rev.RevisionID
		}
	}
	return live, nil
}

type fakeVectors struct {
	contentPoints map[string]vectorstore.Point
	chunkPoints   []vectorstore.Point
	deleted       map[string][]string
}

func (f *fakeVectors) Upsert(context.Context, string, []vectorstore.Point) error { return nil }
func (f *fakeVectors) Delete(_ context.Context, collection string, ids []string) error {
	if f.deleted == nil {
		f.deleted = make(map[string][]string)
	}
	f.deleted[collection] = append(f.deleted[collection], ids...)
	return nil
}
func (f *fakeVectors) Search(context.Context, string, []float32, int, map[string]string) ([]vectorstore.Hit, error) {
	return nil, nil
}
func (f *fakeVectors) Get(_ context.Context, _ string, id string) (vectorstore.Point, bool, error) {
	p, ok := f.contentPoints[id]
	return p, ok, nil
}
func (f *fakeVectors) FindByMetadata(context.Context, string, map[string]string) (vectorstore.Point, bool, error) {
	return vectorstore.Point{}, false, nil
}
func (f *fakeVectors) ListByMetadata(_ context.Context, collection string, filter map[string]string) ([]vectorstore.Point, error) {
	var out []vectorstore.Point
	if len(filter) == 0 {
		if collection == vectorstore.CollectionChunks {
			out = append(out, f.chunkPoints...)
		} else {
			for _, p := range f.contentPoints {
				out = append(out, p)
			}
		}
		return out, nil
	}
	for _, p := range f.chunkPoints {
		if p.Metadata["artifact_uid"] != filter["artifact_uid"] {
			continue
		}
		if rev, ok := filter["revision_id"]; ok && p.Metadata["revision_id"] != rev {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeVectors) Close() error { return nil }

type fakeExtractor struct {
	calls  int
	gotLen int
	err    error
}

func (f *fakeExtractor) Run(_ context.Context, _, _ string, chunks []chunker.Chunk) error {
	f.calls++
	f.gotLen = len(chunks)
	return f.err
}

func TestLoadChunksUnchunkedArtifactBuildsSingleChunk(t *testing.T) {
	rl := &fakeRevisionLoader{revisions: map[string]relstore.Revision{
		"uid1|rev1": {ArtifactUID: "uid1", RevisionID: "rev1", ArtifactID: "art1", ChunkCount: 0},
	}}
	vs := &fakeVectors{contentPoints: map[string]vectorstore.Point{
		"art1": {ID: "art1", Text: "the whole document"},
	}}
	w := &Worker{revisions: rl, vectors: vs, log: zerolog.Nop()}

	chunks, err := w.loadChunks(context.Background(), "uid1", "rev1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "the whole document" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestLoadChunksChunkedArtifactSortsByIndex(t *testing.T) {
	rl := &fakeRevisionLoader{revisions: map[string]relstore.Revision{
		"uid1|rev1": {ArtifactUID: "uid1", RevisionID: "rev1", ArtifactID: "art1", ChunkCount: 2},
	}}
	vs := &fakeVectors{chunkPoints: []vectorstore.Point{
		{ID: "uid1::chunk::001::bbb", Text: "second", Metadata: map[string]string{"artifact_uid": "uid1", "revision_id": "rev1", "chunk_index": "1", "start_char": "10", "end_char": "20"}},
		{ID: "uid1::chunk::000::aaa", Text: "first", Metadata: map[string]string{"artifact_uid": "uid1", "revision_id": "rev1", "chunk_index": "0", "start_char": "0", "end_char": "10"}},
	}}
	w := &Worker{revisions: rl, vectors: vs, log: zerolog.Nop()}

	chunks, err := w.loadChunks(context.Background(), "uid1", "rev1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Content != "first" || chunks[1].Content != "second" {
		t.Fatalf("expected chunks sorted by index, got %+v", chunks)
	}
	if chunks[1].StartChar != 10 {
		t.Fatalf("expected start_char to round trip, got %d", chunks[1].StartChar)
	}
}

func TestLoadChunksMissingRevisionReturnsNotFound(t *testing.T) {
	w := &Worker{revisions: &fakeRevisionLoader{revisions: map[string]relstore.Revision{}}, vectors: &fakeVectors{}, log: zerolog.Nop()}
	_, err := w.loadChunks(context.Background(), "uid1", "rev1")
	if err == nil {
		t.Fatal("expected error for missing revision")
	}
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindNotFound {
		t.Fatalf("expected a NotFound error, got %v", err)
	}
}

func TestProcessJobCompletesOnSuccess(t *testing.T) {
	jobs := &fakeJobClaimer{}
	rl := &fakeRevisionLoader{revisions: map[string]relstore.Revision{
		"uid1|rev1": {ArtifactUID: "uid1", RevisionID: "rev1", ArtifactID: "art1", ChunkCount: 0},
	}}
	vs := &fakeVectors{contentPoints: map[string]vectorstore.Point{"art1": {ID: "art1", Text: "hello"}}}
	ex := &fakeExtractor{}
	w := &Worker{jobs: jobs, revisions: rl, vectors: vs, extractor: ex, log: zerolog.Nop(), cfg: Config{}.withDefaults()}

	w.processJob(context.Background(), &jobqueue.Job{ID: "job_1", ArtifactUID: "uid1", RevisionID: "rev1"})

	if len(jobs.completed) != 1 || jobs.completed[0] != "job_1" {
		t.Fatalf("expected job_1 to be completed, got %+v", jobs.completed)
	}
	if ex.calls != 1 {
		t.Fatalf("expected extractor to run once, got %d", ex.calls)
	}
}

func TestProcessJobFailsTransientlyOnExtractionError(t *testing.T) {
	jobs := &fakeJobClaimer{}
	rl := &fakeRevisionLoader{revisions: map[string]relstore.Revision{
		"uid1|rev1": {ArtifactUID: "uid1", RevisionID: "rev1", ArtifactID: "art1", ChunkCount: 0},
	}}
	vs := &fakeVectors{contentPoints: map[string]vectorstore.Point{"art1": {ID: "art1", Text: "hello"}}}
	ex := &fakeExtractor{err: errs.Database(errors.New("conn reset"), "write failed")}
	w := &Worker{jobs: jobs, revisions: rl, vectors: vs, extractor: ex, log: zerolog.Nop(), cfg: Config{}.withDefaults()}

	w.processJob(context.Background(), &jobqueue.Job{ID: "job_1", ArtifactUID: "uid1", RevisionID: "rev1"})

	if len(jobs.transientFailed) != 1 {
		t.Fatalf("expected a transient failure to be recorded, got %+v", jobs.transientFailed)
	}
	if len(jobs.completed) != 0 {
		t.Fatal("job must not be marked complete on failure")
	}
}

func TestProcessJobFailsTerminallyOnIntegrityError(t *testing.T) {
	jobs := &fakeJobClaimer{}
	rl := &fakeRevisionLoader{revisions: map[string]relstore.Revision{
		"uid1|rev1": {ArtifactUID: "uid1", RevisionID: "rev1", ArtifactID: "art1", ChunkCount: 0},
	}}
	w := &Worker{jobs: jobs, revisions: rl, vectors: &fakeVectors{}, extractor: &fakeExtractor{}, log: zerolog.Nop(), cfg: Config{}.withDefaults()}

	w.processJob(context.Background(), &jobqueue.Job{ID: "job_1", ArtifactUID: "uid1", RevisionID: "rev1"})

	if len(jobs.terminalFailed) != 1 {
		t.Fatalf("expected a terminal failure for a missing content point, got transient=%+v terminal=%+v", jobs.transientFailed, jobs.terminalFailed)
	}
}

func TestSweepOrphanVectorsDeletesSupersededAndUnknownPoints(t *testing.T) {
	rl := &fakeRevisionLoader{revisions: map[string]relstore.Revision{
		"uid1|rev2": {ArtifactUID: "uid1", RevisionID: "rev2", IsLatest: true},
	}}
	vs := &fakeVectors{
		contentPoints: map[string]vectorstore.Point{
			"art1": {ID: "art1", Metadata: map[string]string{"artifact_uid": "uid1", "revision_id": "rev2"}},
			"art2": {ID: "art2", Metadata: map[string]string{"artifact_uid": "uid2", "revision_id": "rev9"}},
		},
		chunkPoints: []vectorstore.Point{
			{ID: "uid1::chunk::000::aaa", Metadata: map[string]string{"artifact_uid": "uid1", "revision_id": "rev1"}},
			{ID: "uid1::chunk::000::bbb", Metadata: map[string]string{"artifact_uid": "uid1", "revision_id": "rev2"}},
		},
	}
	w := &Worker{revisions: rl, vectors: vs, log: zerolog.Nop()}

	w.sweepOrphanVectors(context.Background())

	if len(vs.deleted[vectorstore.CollectionContent]) != 1 || vs.deleted[vectorstore.CollectionContent][0] != "art2" {
		t.Fatalf("expected art2 (no live revision) to be deleted from content, got %+v", vs.deleted[vectorstore.CollectionContent])
	}
	if len(vs.deleted[vectorstore.CollectionChunks]) != 1 || vs.deleted[vectorstore.CollectionChunks][0] != "uid1::chunk::000::aaa" {
		t.Fatalf("expected the rev1 chunk point to be deleted as superseded, got %+v", vs.deleted[vectorstore.CollectionChunks])
	}
}

func TestRunExitsPromptlyOnContextCancellation(t *testing.T) {
	jobs := &fakeJobClaimer{}
	w := New(nil, nil, nil, nil, Config{WorkerID: "w1", PollInterval: time.Hour}, zerolog.Nop())
	w.jobs = jobs

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}
}
