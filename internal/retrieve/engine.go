package retrieve

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"agentmemory/internal/errs"
	"agentmemory/internal/vectorstore"
)

const chunkBoundary = "\n[CHUNK BOUNDARY]\n"

const (
	defaultLimit = 20
	maxLimit     = 100
	maxQueryLen  = 1000
)

// embedder is the narrow slice of embedclient.Client the engine needs.
type embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// PrivacyContext carries whatever caller-scoped information the privacy
// filter hook would need to make an enforcement decision. It's unused by
// the no-op hook today but is threaded through so a future enforcing hook
// doesn't need a signature change.
type PrivacyContext struct {
	CallerID string
}

// PrivacyFilter is called once per candidate result before truncation. The
// default is a no-op that always allows, but it is always invoked so a
// future enforcing filter only has to change this function, not every
// call site.
type PrivacyFilter func(ctx context.Context, pctx PrivacyContext, sensitivity, visibilityScope string) bool

func NoopPrivacyFilter(context.Context, PrivacyContext, string, string) bool { return true }

// Result is one hybrid_search hit.
type Result struct {
	ID          string
	Text        string
	Score       float64
	Collections []string
	Metadata    map[string]string
}

// Options controls one hybrid_search call.
type Options struct {
	Limit            int
	Collections      []string // defaults to content + chunks
	ExpandNeighbors  bool
	RRFK             int
	PrivacyContext   PrivacyContext
}

// Engine is the component's public surface.
type Engine struct {
	embeddings embedder
	vectors    vectorstore.Store
	privacy    PrivacyFilter
	log        zerolog.Logger
}

func New(embeddings embedder, vectors vectorstore.Store, privacy PrivacyFilter, log zerolog.Logger) *Engine {
	if privacy == nil {
		privacy = NoopPrivacyFilter
	}
	return &Engine{embeddings: embeddings, vectors: vectors, privacy: privacy, log: log.With().Str("component", "retrieve.engine").Logger()}
}

// HybridSearch implements the eight-step algorithm: embed once, fan out
// across collections, rank per source, RRF merge, dedup chunk-vs-artifact,
// optionally inline neighbor chunks, run the privacy hook, and truncate.
func (e *Engine) HybridSearch(ctx context.Context, query string, opt Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.MissingParameter("query")
	}
	if len(query) > maxQueryLen {
		query = query[:maxQueryLen]
	}

	limit := opt.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	collections := opt.Collections
	if len(collections) == 0 {
		collections = []string{vectorstore.CollectionContent, vectorstore.CollectionChunks}
	}

	vec, err := e.embeddings.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}

	topK := limit * 3
	bySource := make(map[string][]vectorstore.Hit, len(collections))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, coll := range collections {
		coll := coll
		g.Go(func() error {
			hits, err := e.vectors.Search(gctx, coll, vec, topK, nil)
			if err != nil {
				return err
			}
			mu.Lock()
			bySource[coll] = hits
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errs.Transient(err, "vector search fan-out failed")
	}

	ranked := make(map[string][]sourceHit, len(bySource))
	for coll, hits := range bySource {
		ranked[coll] = rankBySource(coll, hits)
	}
	merged := rrfMerge(ranked, opt.RRFK)

	merged = dedupArtifactVsChunk(merged)

	results := make([]Result, 0, len(merged))
	for _, f := range merged {
		text := f.text
		if opt.ExpandNeighbors && isChunkID(f.id) {
			text = e.expandNeighbors(ctx, f.id, f.text)
		}
		sensitivity := f.metadata["sensitivity"]
		visibility := f.metadata["visibility_scope"]
		if !e.privacy(ctx, opt.PrivacyContext, sensitivity, visibility) {
			continue
		}
		colls := make([]string, 0, len(f.collections))
		for c := range f.collections {
			colls = append(colls, c)
		}
		sort.Strings(colls)
		results = append(results, Result{ID: f.id, Text: text, Score: f.score, Collections: colls, Metadata: f.metadata})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// dedupArtifactVsChunk keeps a chunk over its parent artifact when both
// appear in the merged set; an artifact's full-content hit is identified
// by not containing the chunk-ID delimiter "::chunk::".
func dedupArtifactVsChunk(items []fused) []fused {
	chunkArtifacts := make(map[string]bool)
	for _, f := range items {
		if isChunkID(f.id) {
			chunkArtifacts[artifactUIDFromChunkID(f.id)] = true
		}
	}
	out := make([]fused, 0, len(items))
	for _, f := range items {
		if !isChunkID(f.id) && chunkArtifacts[f.metadata["artifact_uid"]] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isChunkID(id string) bool {
	return strings.Contains(id, "::chunk::")
}

func artifactUIDFromChunkID(id string) string {
	if i := strings.Index(id, "::chunk::"); i >= 0 {
		return id[:i]
	}
	return id
}

// expandNeighbors fetches the chunks at index-1 and index+1 of a hit chunk
// and inlines their text with the chunk-boundary delimiter. A missing
// neighbor (start or end of the artifact) is simply omitted.
func (e *Engine) expandNeighbors(ctx context.Context, chunkID, text string) string {
	idx, ok := chunkIndex(chunkID)
	if !ok {
		return text
	}
	artifactUID := artifactUIDFromChunkID(chunkID)

	var before, after string
	if idx > 0 {
		if p, found := e.findChunkByIndex(ctx, artifactUID, idx-1); found {
			before = p.Text
		}
	}
	if p, found := e.findChunkByIndex(ctx, artifactUID, idx+1); found {
		after = p.Text
	}

	parts := make([]string, 0, 3)
	if before != "" {
		parts = append(parts, before)
	}
	parts = append(parts, text)
	if after != "" {
		parts = append(parts, after)
	}
	return strings.Join(parts, chunkBoundary)
}

// findChunkByIndex searches the chunks collection's metadata for a sibling
// chunk of artifactUID at the given index. It degrades silently: a search
// failure just means no neighbor text is inlined, not a request failure.
func (e *Engine) findChunkByIndex(ctx context.Context, artifactUID string, index int) (vectorstore.Point, bool) {
	p, found, err := e.vectors.FindByMetadata(ctx, vectorstore.CollectionChunks, map[string]string{
		"artifact_uid": artifactUID,
		"chunk_index":  strconv.Itoa(index),
	})
	if err != nil || !found {
		return vectorstore.Point{}, false
	}
	return p, true
}

func chunkIndex(chunkID string) (int, bool) {
	parts := strings.Split(chunkID, "::")
	for i, p := range parts {
		if p == "chunk" && i+1 < len(parts) {
			n, err := strconv.Atoi(parts[i+1])
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}
