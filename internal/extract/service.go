package extract

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agentmemory/internal/chunker"
	"agentmemory/internal/relstore"
)

// Extractor orchestrates the two-phase extraction pipeline for one artifact
// revision: Phase A per chunk, Phase B canonicalization across chunks (with
// a union fallback if canonicalization is unreliable), entity resolution,
// and the replace-on-success write.
type Extractor struct {
	llm      jsonCaller
	resolver *EntityResolver
	store    *relstore.Store
	log      zerolog.Logger
}

func NewExtractor(llm *LLMClient, store *relstore.Store, log zerolog.Logger) *Extractor {
	return &Extractor{
		llm:      llm,
		resolver: NewEntityResolver(llm),
		store:    store,
		log:      log.With().Str("component", "extract.service").Logger(),
	}
}

// Run extracts events from chunks (the artifact's token windows, or a
// single synthetic chunk covering the whole text when the artifact was
// small enough not to need chunking) and writes the result for
// (artifactUID, revisionID).
func (e *Extractor) Run(ctx context.Context, artifactUID, revisionID string, chunks []chunker.Chunk) error {
	candidates := make([]chunkCandidates, 0, len(chunks))
	for _, c := range chunks {
		cand, err := e.RunPhaseA(ctx, c)
		if err != nil {
			return err
		}
		if len(cand.Events) > 0 {
			candidates = append(candidates, cand)
		}
	}

	var final []rawEvent
	if len(chunks) <= 1 {
		final = unionCandidates(candidates)
	} else if merged, ok := e.RunPhaseB(ctx, candidates); ok {
		final = merged
	} else {
		final = unionCandidates(candidates)
	}

	runID := "run_" + uuid.NewString()
	canonical := toCanonicalEvents(final)
	return e.store.WriteExtractionResult(ctx, artifactUID, revisionID, runID, canonical, e.resolver.Resolve)
}

// SingleChunk wraps an unchunked artifact's full text as the one chunk
// Phase A expects, so callers never have to special-case the "too small to
// chunk" path when invoking extraction.
func SingleChunk(artifactUID, text string) chunker.Chunk {
	return chunker.Chunk{
		ID:        artifactUID + "::chunk::000",
		Index:     0,
		Content:   text,
		StartChar: 0,
		EndChar:   len(text),
	}
}
