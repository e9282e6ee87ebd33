package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/healflow/pkg/schema"
)

// HTTPConfig configures the http.request handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"},
    "expect_status": {"type": "array", "items": {"type": "integer"}}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPRequestHandler implements the "http.request" handler. Error statuses
// are reported as step failures with a kind hint so the analyzer does not
// need the classification backend for them.
type HTTPRequestHandler struct {
	config HTTPConfig
}

// NewHTTPRequestHandler creates a new http.request handler.
func NewHTTPRequestHandler(cfg HTTPConfig) *HTTPRequestHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPRequestHandler{config: cfg}
}

func (h *HTTPRequestHandler) Name() string { return "http.request" }

func (h *HTTPRequestHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description:  "Call an HTTP endpoint; 5xx and network errors are transient, 429 is resource exhaustion, other 4xx are invalid input.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (h *HTTPRequestHandler) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (h *HTTPRequestHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := h.Validate(params); err != nil {
		return nil, schema.StepFailure(schema.KindInvalidInput, "%s", err.Error()).WithCause(err)
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	rawURL := stringParam(params, "url", "")
	timeout := durationParam(params, "timeout", h.config.DefaultTimeout)

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.StepFailure(schema.KindInvalidInput, "http.request: body is not JSON encodable: %v", err)
		}
		body = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.StepFailure(schema.KindInvalidInput, "http.request: build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	// Correlates retries of the same step on the receiving side.
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%s", input.RunID, input.Step))

	start := time.Now()
	resp, err := h.config.Client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.StepFailure(schema.KindTransient, "http.request: read response: %v", err)
	}

	var parsed any
	if len(bodyBytes) > 0 {
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
				parsed = string(bodyBytes)
			}
		} else {
			parsed = string(bodyBytes)
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        parsed,
		"duration_ms": durationMs,
	}

	if !statusExpected(params, resp.StatusCode) {
		return nil, statusFailure(resp.StatusCode).WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return JSONOutput(result)
}

func statusExpected(params map[string]any, code int) bool {
	list, ok := params["expect_status"].([]any)
	if !ok || len(list) == 0 {
		return code < 400
	}
	for _, v := range list {
		if intParam(map[string]any{"v": v}, "v", -1) == code {
			return true
		}
	}
	return false
}

func statusFailure(code int) *schema.FlowError {
	switch {
	case code == http.StatusTooManyRequests:
		return schema.StepFailure(schema.KindResourceExhaustion, "http.request: rate limited (429)")
	case code == http.StatusGatewayTimeout:
		return schema.StepFailure(schema.KindTimeout, "http.request: upstream timed out (504)")
	case code == http.StatusFailedDependency:
		return schema.StepFailure(schema.KindDependencyFailure, "http.request: failed dependency (424)")
	case code >= 500:
		return schema.StepFailure(schema.KindTransient, "http.request: server returned %d", code)
	case code >= 400:
		return schema.StepFailure(schema.KindInvalidInput, "http.request: server rejected request with %d", code)
	default:
		return schema.StepFailure(schema.KindUnknown, "http.request: unexpected status %d", code)
	}
}

// classifyTransportError leaves deadline errors unhinted so the executor's
// timeout detection sees them through the cause chain.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "http.request: request timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "http.request: request cancelled").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return schema.StepFailure(schema.KindTransient, "http.request: network error: %v", err).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeStep, "http.request: request failed: %v", err).WithCause(err)
}
