// Package chunker splits large artifacts into overlapping token windows
// with deterministic, content-addressed IDs.
package chunker

import (
	"agentmemory/internal/idgen"
	"agentmemory/internal/tokenizer"
)

// Chunk is one token window of an artifact's content.
type Chunk struct {
	ID          string
	Index       int
	Content     string
	StartChar   int
	EndChar     int
	TokenCount  int
	ContentHash string
}

// Options controls the windowing. Zero values are replaced with the
// documented defaults.
type Options struct {
	SinglePieceMaxTokens int // default 1200
	TargetTokens         int // default 900
	OverlapTokens        int // default 100
}

func (o Options) withDefaults() Options {
	if o.SinglePieceMaxTokens <= 0 {
		o.SinglePieceMaxTokens = 1200
	}
	if o.TargetTokens <= 0 {
		o.TargetTokens = 900
	}
	if o.OverlapTokens <= 0 {
		o.OverlapTokens = 100
	}
	return o
}

// Chunker is the component's public surface.
type Chunker interface {
	// ShouldChunk reports whether text exceeds the single-piece threshold,
	// and returns its token count either way.
	ShouldChunk(text string, opt Options) (bool, int)
	// Chunk splits text into overlapping token windows keyed to
	// artifactUID. It returns an empty slice if the text doesn't need
	// chunking at all — callers should check ShouldChunk first.
	Chunk(text string, artifactUID string, opt Options) []Chunk
}

type tokenChunker struct {
	tok tokenizer.Tokenizer
}

// New returns a Chunker backed by tok. The same tokenizer instance should be
// shared with ingest's token-count gating so chunk boundaries and the
// should-chunk decision agree.
func New(tok tokenizer.Tokenizer) Chunker {
	return &tokenChunker{tok: tok}
}

func (c *tokenChunker) ShouldChunk(text string, opt Options) (bool, int) {
	opt = opt.withDefaults()
	n := c.tok.Count(text)
	return n > opt.SinglePieceMaxTokens, n
}

// Chunk implements the sliding token window described in the component
// contract: the window advances by (target - overlap) tokens per step,
// emitting one chunk per position until every token is covered. Character
// offsets are derived by decoding token prefixes, so they stay byte-faithful
// to what the tokenizer would reconstruct — chunk.Content always equals
// decode(tokens[pos:pos+target]), never a raw text slice.
func (c *tokenChunker) Chunk(text string, artifactUID string, opt Options) []Chunk {
	opt = opt.withDefaults()
	should, _ := c.ShouldChunk(text, opt)
	if !should {
		return nil
	}

	ids := c.tok.Encode(text)
	step := opt.TargetTokens - opt.OverlapTokens
	if step <= 0 {
		step = opt.TargetTokens
	}

	var chunks []Chunk
	for pos, index := 0, 0; pos < len(ids); pos, index = pos+step, index+1 {
		end := pos + opt.TargetTokens
		if end > len(ids) {
			end = len(ids)
		}
		content := c.tok.Decode(ids[pos:end])
		startChar := len(c.tok.Decode(ids[:pos]))
		endChar := startChar + len(content)
		hash := idgen.ContentHash(content)
		chunks = append(chunks, Chunk{
			ID:          idgen.ChunkID(artifactUID, index, hash),
			Index:       index,
			Content:     content,
			StartChar:   startChar,
			EndChar:     endChar,
			TokenCount:  end - pos,
			ContentHash: hash,
		})
		if end == len(ids) {
			break
		}
	}
	return chunks
}
