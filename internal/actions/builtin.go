package actions

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rendis/healflow/internal/expressions"
	"github.com/rendis/healflow/pkg/schema"
)

// RegisterBuiltins registers all built-in handlers in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := []Handler{
		&noopHandler{},
		&sleepHandler{},
		&failHandler{},
		&jqHandler{engine: expressions.NewGoJQEngine()},
		NewHTTPRequestHandler(httpCfg),
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// --- noop ---

type noopHandler struct{}

func (h *noopHandler) Name() string { return "noop" }

func (h *noopHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Succeed immediately, echoing params and the names of upstream steps."}
}

func (h *noopHandler) Validate(map[string]any) error { return nil }

func (h *noopHandler) Execute(_ context.Context, input Input) (*Output, error) {
	upstream := make([]string, 0, len(input.Upstream))
	for name := range input.Upstream {
		upstream = append(upstream, name)
	}
	sort.Strings(upstream)
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	return JSONOutput(map[string]any{
		"step":     input.Step,
		"params":   params,
		"upstream": upstream,
	})
}

// --- sleep ---

type sleepHandler struct{}

func (h *sleepHandler) Name() string { return "sleep" }

func (h *sleepHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Wait for 'duration' (default 100ms), honouring cancellation.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"duration":{"type":"string"}}}`),
	}
}

func (h *sleepHandler) Validate(params map[string]any) error {
	if s := stringParam(params, "duration", ""); s != "" {
		if _, err := time.ParseDuration(s); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "sleep: invalid duration %q", s)
		}
	}
	return nil
}

func (h *sleepHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	d := durationParam(input.Params, "duration", 100*time.Millisecond)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return JSONOutput(map[string]any{"slept_ms": d.Milliseconds()})
}

// --- fail ---

// failHandler fails on purpose for recovery drills. With 'times' set it
// fails only the first N attempts and then succeeds.
type failHandler struct{}

func (h *failHandler) Name() string { return "fail" }

func (h *failHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Fail with 'message' (optionally hinting 'kind') for the first 'times' attempts, or always when 'times' is unset.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"},"kind":{"type":"string"},"times":{"type":"integer"}}}`),
	}
}

func (h *failHandler) Validate(params map[string]any) error {
	if k := stringParam(params, "kind", ""); k != "" {
		if _, ok := schema.ParseErrorKind(k); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "fail: unknown error kind %q", k)
		}
	}
	return nil
}

func (h *failHandler) Execute(_ context.Context, input Input) (*Output, error) {
	times := intParam(input.Params, "times", -1)
	if times >= 0 && input.Attempt > times {
		return JSONOutput(map[string]any{"recovered_after": times})
	}
	msg := stringParam(input.Params, "message", "scripted failure")
	if k, ok := schema.ParseErrorKind(stringParam(input.Params, "kind", "")); ok {
		return nil, schema.StepFailure(k, "%s", msg)
	}
	return nil, schema.NewError(schema.ErrCodeStep, msg)
}

// --- jq.transform ---

// jqHandler runs a jq query over {"params": ..., "upstream": {step: output}}.
type jqHandler struct {
	engine *expressions.GoJQEngine
}

func (h *jqHandler) Name() string { return "jq.transform" }

func (h *jqHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Transform upstream step outputs with a jq 'query'.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	}
}

func (h *jqHandler) Validate(params map[string]any) error {
	q := stringParam(params, "query", "")
	if q == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq.transform requires non-empty 'query' string parameter")
	}
	return h.engine.Compile(q)
}

func (h *jqHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	if err := h.Validate(input.Params); err != nil {
		return nil, schema.StepFailure(schema.KindInvalidInput, "%s", err.Error()).WithCause(err)
	}
	upstream := make(map[string]any, len(input.Upstream))
	for name, raw := range input.Upstream {
		var v any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, schema.StepFailure(schema.KindDependencyFailure, "jq.transform: upstream %q output is not JSON", name)
			}
		}
		upstream[name] = v
	}
	result, err := h.engine.Evaluate(ctx, stringParam(input.Params, "query", ""), map[string]any{
		"params":   input.Params,
		"upstream": upstream,
	})
	if err != nil {
		return nil, schema.StepFailure(schema.KindInvalidInput, "%s", err.Error()).WithCause(err)
	}
	return JSONOutput(map[string]any{"result": result})
}
