// Package tokenizer counts and splits text using a fixed byte-pair
// encoding, so the same input always yields the same token sequence
// regardless of platform or run.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer is the narrow contract the chunker and ingest gating depend on.
type Tokenizer interface {
	// Encode returns the token IDs for text.
	Encode(text string) []int
	// Decode reassembles text from a slice of token IDs.
	Decode(tokens []int) string
	// Count returns len(Encode(text)).
	Count(text string) int
	// Name identifies the encoding table in use.
	Name() string
}

type cl100k struct {
	enc *tiktoken.Tiktoken
}

// New returns a Tokenizer backed by the cl100k_base encoding, the encoding
// table named in the component contract. Any implementation sharing that
// table is interchangeable; this one is loaded once and reused.
func New() (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load cl100k_base: %w", err)
	}
	return &cl100k{enc: enc}, nil
}

func (c *cl100k) Encode(text string) []int {
	return c.enc.Encode(text, nil, nil)
}

func (c *cl100k) Decode(tokens []int) string {
	return c.enc.Decode(tokens)
}

func (c *cl100k) Count(text string) int {
	return len(c.Encode(text))
}

func (c *cl100k) Name() string { return "cl100k_base" }

var (
	sharedOnce sync.Once
	shared     Tokenizer
	sharedErr  error
)

// Shared returns a process-wide Tokenizer, loading the encoding table only
// once. The encoding table is read-only after load, so concurrent Encode/
// Decode/Count calls from many goroutines are safe.
func Shared() (Tokenizer, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = New()
	})
	return shared, sharedErr
}
