package embedclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New(Config{
		Endpoint:  srv.URL,
		Model:     "test-embed",
		Dimension: 4,
		BatchSize: 2,
	}, srv.Client(), zerolog.Nop())
	return c, srv
}

func TestEmbedManyPreservesOrder(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{}
		for i, in := range req.Input {
			resp.Data = append(resp.Data, embedResponseItem{Index: i, Embedding: []float32{float32(len(in))}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	defer srv.Close()

	vecs, err := c.EmbedMany(t.Context(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	want := []float32{1, 2, 3}
	for i, v := range vecs {
		if v[0] != want[i] {
			t.Fatalf("index %d: got %v, want embedding for length %v", i, v, want[i])
		}
	}
}

func TestEmbedManyRetriesOnTransientThenSucceeds(t *testing.T) {
	var calls int32
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Data: []embedResponseItem{{Index: 0, Embedding: []float32{1, 2}}}})
	})
	defer srv.Close()
	c.cfg.MaxRetries = 3

	_, err := c.EmbedOne(t.Context(), "hello")
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestEmbedManyTerminalOnAuthFailureDoesNotRetry(t *testing.T) {
	var calls int32
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	_, err := c.EmbedOne(t.Context(), "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a terminal failure, got %d", calls)
	}
}

func TestEmbedManySplitsIntoBatches(t *testing.T) {
	var batchSizes []int
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		batchSizes = append(batchSizes, len(req.Input))
		resp := embedResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, embedResponseItem{Index: i, Embedding: []float32{0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	defer srv.Close()

	texts := make([]string, 101)
	for i := range texts {
		texts[i] = "x"
	}
	if _, err := c.EmbedMany(t.Context(), texts); err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if len(batchSizes) != 51 {
		t.Fatalf("expected 51 upstream calls for 101 items at batch size 2, got %d", len(batchSizes))
	}
}

func TestEmbedManyBoundaryBatchSize(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, embedResponseItem{Index: i, Embedding: []float32{0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	c := New(Config{Endpoint: srv.URL, Model: "test-embed", Dimension: 4, BatchSize: 100}, srv.Client(), zerolog.Nop())

	texts := make([]string, 101)
	for i := range texts {
		texts[i] = "x"
	}
	if _, err := c.EmbedMany(t.Context(), texts); err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 upstream calls for 101 items at batch size 100, got %d", calls)
	}
}
