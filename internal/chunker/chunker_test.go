package chunker

import (
	"strings"
	"testing"

	"agentmemory/internal/tokenizer"
)

func newTestChunker(t *testing.T) Chunker {
	t.Helper()
	tok, err := tokenizer.New()
	if err != nil {
		t.Fatalf("tokenizer.New: %v", err)
	}
	return New(tok)
}

func TestShouldChunkBoundary(t *testing.T) {
	tok, err := tokenizer.New()
	if err != nil {
		t.Fatalf("tokenizer.New: %v", err)
	}
	c := New(tok)
	opt := Options{SinglePieceMaxTokens: 10, TargetTokens: 5, OverlapTokens: 1}

	exact := strings.Repeat("word ", 2) // small, well under threshold either way
	should, _ := c.ShouldChunk(exact, opt)
	if should {
		t.Fatalf("expected short text to stay unchunked")
	}

	text := strings.Repeat("word ", 20)
	n := tok.Count(text)
	atMax := Options{SinglePieceMaxTokens: n, TargetTokens: 5, OverlapTokens: 1}
	if should, count := c.ShouldChunk(text, atMax); should || count != n {
		t.Fatalf("expected no chunking when token count equals single_piece_max (%d), got should=%v count=%d", n, should, count)
	}
	overMax := Options{SinglePieceMaxTokens: n - 1, TargetTokens: 5, OverlapTokens: 1}
	if should, _ := c.ShouldChunk(text, overMax); !should {
		t.Fatalf("expected chunking when token count is single_piece_max+1 (%d)", n)
	}
}

func TestChunkDeterministic(t *testing.T) {
	c := newTestChunker(t)
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 400)
	opt := Options{SinglePieceMaxTokens: 50, TargetTokens: 60, OverlapTokens: 10}

	a := c.Chunk(text, "uid_test", opt)
	b := c.Chunk(text, "uid_test", opt)
	if len(a) == 0 {
		t.Fatalf("expected chunking to occur")
	}
	if len(a) != len(b) {
		t.Fatalf("chunk count differs across calls: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs across calls", i)
		}
	}
}

func TestChunkOffsetsRoundTrip(t *testing.T) {
	c := newTestChunker(t)
	text := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta. ", 300)
	opt := Options{SinglePieceMaxTokens: 50, TargetTokens: 60, OverlapTokens: 10}

	chunks := c.Chunk(text, "uid_round", opt)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, ch := range chunks {
		if text[ch.StartChar:ch.EndChar] != ch.Content {
			t.Fatalf("chunk %d offset round trip failed", ch.Index)
		}
	}
	for i := 0; i < len(chunks)-1; i++ {
		if chunks[i+1].StartChar >= chunks[i].EndChar {
			t.Fatalf("expected chunk %d and %d to overlap", i, i+1)
		}
	}
}

func TestChunkIDEmbedsIndexAndHash(t *testing.T) {
	c := newTestChunker(t)
	text := strings.Repeat("one two three four five six seven eight nine ten. ", 300)
	opt := Options{SinglePieceMaxTokens: 50, TargetTokens: 60, OverlapTokens: 10}

	chunks := c.Chunk(text, "uid_ids", opt)
	for _, ch := range chunks {
		want := "uid_ids::chunk::"
		if !strings.HasPrefix(ch.ID, want) {
			t.Fatalf("chunk id %q missing expected prefix", ch.ID)
		}
		if !strings.HasSuffix(ch.ID, ch.ContentHash[:8]) {
			t.Fatalf("chunk id %q missing content hash suffix", ch.ID)
		}
	}
}
