// Package backend is the thin adapter in front of the Ollama HTTP API.
// It performs single, non-streaming generation calls and health probes;
// retries belong to the scheduler, never to this layer.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/tokenizer"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/tracing"
)

// maxErrorBodySize bounds how much of an error response body is read for
// inclusion in error messages.
const maxErrorBodySize = 4 << 10

// Client talks to a single Ollama runtime. It uses a shared http.Client with
// connection pooling; per-request deadlines come from the caller's context
// plus the configured request timeout.
type Client struct {
	baseURL        string
	client         *http.Client
	logger         zerolog.Logger
	tok            *tokenizer.Tokenizer
	requestTimeout time.Duration
	healthTimeout  time.Duration
	temperature    float64
	maxTokens      int
}

// NewClient creates a Client for the Ollama instance at baseURL with sensible
// connection-pooling defaults.
func NewClient(baseURL string, requestTimeout, healthTimeout time.Duration, temperature float64, maxTokens int, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: transport,
			// No client-level timeout; deadlines are applied per request so
			// cancellation aborts the connection immediately.
		},
		logger:         logger,
		tok:            tokenizer.New(),
		requestTimeout: requestTimeout,
		healthTimeout:  healthTimeout,
		temperature:    temperature,
		maxTokens:      maxTokens,
	}
}

// Generate performs a single non-streaming completion. The in-flight HTTP
// call is aborted when the request timeout elapses or when ctx is cancelled.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts Options) (string, Usage, error) {
	if model == "" {
		return "", Usage{}, errs.Validation("model must not be empty")
	}
	if prompt == "" {
		return "", Usage{}, errs.Validation("prompt must not be empty")
	}

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	options := map[string]interface{}{
		"temperature": temperature,
		"num_predict": maxTokens,
	}
	for k, v := range opts.ExtraModelParams {
		options[k] = v
	}

	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", Usage{}, errs.Wrap(errs.KindInternal, err, "encoding generate request")
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	reqCtx, span := tracing.StartBackendSpan(reqCtx, c.baseURL+"/api/generate", model)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, errs.Wrap(errs.KindInternal, err, "creating generate request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		tracing.RecordError(reqCtx, err)
		return "", Usage{}, c.transportError(reqCtx, ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", Usage{}, errs.RateLimited(retryAfterDuration(resp))
		}
		return "", Usage{}, errs.BackendHTTP(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Usage{}, errs.Wrap(errs.KindBackendUnavailable, err, "decoding generate response")
	}

	usage := Usage{
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
		TotalDurationMs:  out.TotalDuration / int64(time.Millisecond),
	}
	if usage.TotalDurationMs == 0 {
		usage.TotalDurationMs = time.Since(start).Milliseconds()
	}
	// Some runtimes omit eval counts on cached generations; fall back to the
	// BPE estimate so usage accounting stays populated.
	if usage.CompletionTokens == 0 && out.Response != "" {
		usage.CompletionTokens = c.tok.CountTokens(out.Response)
		usage.Estimated = true
	}
	if usage.PromptTokens == 0 {
		usage.PromptTokens = c.tok.CountTokens(prompt)
		usage.Estimated = true
	}

	c.logger.Debug().
		Str("model", model).
		Int("completion_tokens", usage.CompletionTokens).
		Int64("duration_ms", usage.TotalDurationMs).
		Msg("backend generate complete")

	return out.Response, usage, nil
}

// Health probes GET /api/tags with a short deadline and reports reachability
// plus the installed model names.
func (c *Client) Health(ctx context.Context) (bool, []string) {
	reqCtx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false, nil
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Debug().Err(err).Msg("backend health probe failed")
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, nil
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return true, names
}

// transportError maps an http.Client error onto the taxonomy, distinguishing
// caller cancellation from the adapter's own deadline.
func (c *Client) transportError(reqCtx, callerCtx context.Context, err error) error {
	switch {
	case callerCtx.Err() != nil:
		// The caller cancelled or its deadline fired; the adapter's deadline
		// is reported as a backend timeout below.
		if errors.Is(callerCtx.Err(), context.DeadlineExceeded) {
			return errs.Wrap(errs.KindBackendTimeout, err, "backend call exceeded caller deadline")
		}
		return errs.Cancelled("backend call cancelled")
	case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		return errs.Wrap(errs.KindBackendTimeout, err, "backend call exceeded %s", c.requestTimeout)
	default:
		return errs.Wrap(errs.KindBackendUnavailable, err, "reaching backend at %s", c.baseURL)
	}
}

// retryAfterDuration parses the Retry-After header from an HTTP response.
// It returns the parsed duration or 0 if the header is absent or unparsable.
func retryAfterDuration(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	// Try parsing as seconds (integer).
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	// Try parsing as HTTP-date.
	if t, err := http.ParseTime(ra); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// String implements fmt.Stringer for log fields.
func (c *Client) String() string {
	return fmt.Sprintf("ollama(%s)", c.baseURL)
}
