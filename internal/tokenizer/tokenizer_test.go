package tokenizer

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := "We decided to ship on 2024-04-01."
	ids := tok.Encode(text)
	if len(ids) == 0 {
		t.Fatalf("expected at least one token")
	}
	if got := tok.Decode(ids); got != text {
		t.Fatalf("round trip mismatch: got %q, want %q", got, text)
	}
}

func TestCountMatchesEncodeLength(t *testing.T) {
	tok, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := "a fairly ordinary sentence with several words in it"
	if got, want := tok.Count(text), len(tok.Encode(text)); got != want {
		t.Fatalf("Count=%d, len(Encode)=%d", got, want)
	}
}

func TestDeterministicAcrossCalls(t *testing.T) {
	tok, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := "determinism matters for chunk ids"
	a := tok.Encode(text)
	b := tok.Encode(text)
	if len(a) != len(b) {
		t.Fatalf("token count differs across calls")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("token %d differs across calls: %d vs %d", i, a[i], b[i])
		}
	}
}
