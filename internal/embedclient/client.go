// Package embedclient calls an OpenAI-compatible embeddings endpoint with
// batching, order-preserving results, and bounded exponential backoff.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"agentmemory/internal/errs"
	"agentmemory/internal/observability"
)

// Config configures one Client instance. It is read once at construction;
// nothing here is mutated afterward.
type Config struct {
	Endpoint   string
	APIKey     string
	AuthHeader string // defaults to "Authorization: Bearer <key>" when empty
	Model      string
	Dimension  int
	BatchSize  int // default 100, hard cap 2048
	MaxRetries int // default 3
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchSize > 2048 {
		c.BatchSize = 2048
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// maxTokensPerInput is the per-text ceiling named in the component
// contract. Ingest stays under it (unchunked content is at most the
// single-piece threshold, chunks at most the target window). The client
// itself neither counts tokens nor truncates: an over-long input is sent as
// is, and the upstream's 400 for it is classified as a non-retryable
// validation error.
const maxTokensPerInput = 8191

// Client is the component's public surface.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

// New constructs a Client. httpClient may be nil, in which case a client
// instrumented for the configured timeout is created.
func New(cfg Config, httpClient *http.Client, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient, log: log.With().Str("component", "embedclient").Logger()}
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds a batch of texts, splitting it into upstream calls of at
// most cfg.BatchSize and preserving input order in the result. If any
// sub-batch permanently fails after retries, the whole call fails with the
// index of the first failing sub-batch attached to the error message.
func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	result := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatchWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch starting at index %d: %w", start, err)
		}
		copy(result[start:end], vecs)
	}
	return result, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponseItem struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embedResponse struct {
	Data []embedResponseItem `json:"data"`
}

// classify maps an upstream failure onto the retry taxonomy in the
// component contract: rate limits, timeouts, and 5xx are transient;
// authentication and validation failures are terminal.
func classify(statusCode int, bodyErr error) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return errs.Transient(bodyErr, "embedding upstream rate-limited (status %d)", statusCode)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return errs.Terminal(bodyErr, "embedding upstream authentication failure (status %d)", statusCode)
	case statusCode == http.StatusBadRequest:
		return errs.Validation("embedding upstream rejected input (status %d)", statusCode)
	case statusCode >= 500:
		return errs.Transient(bodyErr, "embedding upstream server error (status %d)", statusCode)
	default:
		return errs.Terminal(bodyErr, "embedding upstream returned unexpected status %d", statusCode)
	}
}

func (c *Client) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	bo := backoff.WithContext(newBackoff(c.cfg.MaxRetries), ctx)

	var vecs [][]float32
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		v, err := c.embedBatchOnce(ctx, texts)
		if err != nil {
			if e, ok := errs.As(err); ok && !e.Retryable() {
				c.log.Error().Err(err).Int("attempt", attempt).Msg("embedding call failed terminally")
				return backoff.Permanent(err)
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("embedding call failed, retrying")
			return err
		}
		vecs = v
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

// newBackoff builds the fixed 1s/2s/4s exponential schedule named in the
// component contract, bounded to maxRetries attempts total.
func newBackoff(maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * time.Second
	return backoff.WithMaxRetries(b, uint64(maxRetries-1))
}

func (c *Client) embedBatchOnce(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, errs.Terminal(err, "marshal embedding request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errs.Terminal(err, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthHeader != "" {
		req.Header.Set(c.cfg.AuthHeader, c.cfg.APIKey)
	} else if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	log := observability.LoggerWithTrace(ctx)
	log.Debug().RawJSON("request", observability.RedactJSON(reqBody)).Int("batch_size", len(texts)).Msg("embedding request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Transient(err, "embedding request timed out")
		}
		return nil, errs.Transient(err, "embedding request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).RawJSON("response", observability.RedactJSON(body)).Msg("embedding request failed")
		return nil, classify(resp.StatusCode, fmt.Errorf("%s", truncate(string(body), 300)))
	}

	log.Debug().RawJSON("response", observability.RedactJSON(body)).Msg("embedding response")

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Terminal(err, "parse embedding response")
	}
	if len(parsed.Data) != len(texts) {
		return nil, errs.Terminal(nil, "embedding response item count %d != input count %d", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, errs.Terminal(nil, "embedding response index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// HealthCheck sends a minimal embedding call and reports latency.
func (c *Client) HealthCheck(ctx context.Context) (ok bool, latencyMS int64, err error) {
	start := time.Now()
	_, err = c.embedBatchOnce(ctx, []string{"ping"})
	latencyMS = time.Since(start).Milliseconds()
	return err == nil, latencyMS, err
}

// Dimension returns the configured embedding dimension.
func (c *Client) Dimension() int { return c.cfg.Dimension }
