// Package classifier is the client for the external error-classification
// backend consulted by the engine's ErrorAnalyzer.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/healflow/internal/engine"
	"github.com/rendis/healflow/internal/expressions"
	"github.com/rendis/healflow/internal/logging"
	"github.com/rendis/healflow/pkg/schema"
)

// DefaultQuery accepts the common response shapes: {error_kind, confidence},
// {kind, confidence} and {classification: {kind, confidence}}.
const DefaultQuery = `(.classification // .) | {error_kind: (.error_kind // .kind // ""), confidence: (.confidence // 0)}`

const maxResponseBody = 1 << 20

// ErrRateLimited is returned without contacting the backend when the
// outbound limiter has no token; the analyzer then uses its fallback.
var ErrRateLimited = errors.New("classifier: rate limited")

// Config configures an HTTPClient.
type Config struct {
	URL     string
	Timeout time.Duration     // per request; 0 leaves it to the caller's context
	RPS     float64           // 0 disables rate limiting
	Burst   int               // default 1
	Query   string            // jq query producing {error_kind, confidence}
	Headers map[string]string // e.g. Authorization
	Client  *http.Client
}

// HTTPClient posts ClassificationRequests as JSON and extracts the verdict
// from the response with a jq query.
type HTTPClient struct {
	url     string
	query   string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
	jq      *expressions.GoJQEngine
	logger  *slog.Logger
}

var _ engine.Classifier = (*HTTPClient)(nil)

// New validates cfg and builds a client.
func New(cfg Config, logger *slog.Logger) (*HTTPClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "classifier url %q must be an absolute http(s) url", cfg.URL)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	c := &HTTPClient{
		url:     u.String(),
		query:   cfg.Query,
		headers: cfg.Headers,
		client:  cfg.Client,
		jq:      expressions.NewGoJQEngine(),
		logger:  logger,
	}
	if c.query == "" {
		c.query = DefaultQuery
	}
	if err := c.jq.Compile(c.query); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "classifier query: %v", err).WithCause(err)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c, nil
}

// Classify asks the backend for a verdict. Any transport, status or shape
// problem is returned as an error.
func (c *HTTPClient) Classify(ctx context.Context, req schema.ClassificationRequest) (*schema.ClassificationResponse, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode classification request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build classification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("classification request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read classification response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("classification backend returned %d", resp.StatusCode)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode classification response: %w", err)
	}
	out, err := c.extract(ctx, doc)
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, c.logger).Debug("classified",
		"error_kind", out.ErrorKind, "confidence", out.Confidence, "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (c *HTTPClient) extract(ctx context.Context, doc any) (*schema.ClassificationResponse, error) {
	results, err := c.jq.EvaluateAll(ctx, c.query, doc)
	if err != nil {
		return nil, fmt.Errorf("extract classification: %w", err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("classification query produced %d results, want 1", len(results))
	}
	m, ok := results[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("classification query produced %T, want object", results[0])
	}
	kind, _ := m["error_kind"].(string)
	if kind == "" {
		return nil, errors.New("classification response has no error_kind")
	}
	out := &schema.ClassificationResponse{ErrorKind: kind}
	switch v := m["confidence"].(type) {
	case float64:
		out.Confidence = v
	case int:
		out.Confidence = float64(v)
	}
	return out, nil
}
