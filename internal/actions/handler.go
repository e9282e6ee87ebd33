package actions

import (
	"context"
	"encoding/json"
)

// Handler is the executable unit behind a workflow step. Step side effects
// must be idempotent: a handler can run again after a crash or a retry.
type Handler interface {
	Name() string
	Schema() HandlerSchema
	Execute(ctx context.Context, input Input) (*Output, error)
	Validate(params map[string]any) error
}

// HandlerSchema describes the params/output contract of a handler.
type HandlerSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Input is what a handler receives for one attempt.
type Input struct {
	RunID    string                     `json:"run_id"`
	Step     string                     `json:"step"`
	Attempt  int                        `json:"attempt"`
	Params   map[string]any             `json:"params"`
	Upstream map[string]json.RawMessage `json:"upstream,omitempty"`
}

// Output is the result of a successful attempt.
type Output struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a plain function into a Handler with no params contract.
type Func struct {
	HandlerName string
	Description string
	Fn          func(ctx context.Context, input Input) (*Output, error)
}

func (f *Func) Name() string { return f.HandlerName }

func (f *Func) Schema() HandlerSchema { return HandlerSchema{Description: f.Description} }

func (f *Func) Validate(map[string]any) error { return nil }

func (f *Func) Execute(ctx context.Context, input Input) (*Output, error) {
	return f.Fn(ctx, input)
}

// JSONOutput marshals v into an Output.
func JSONOutput(v any) (*Output, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Output{Data: data}, nil
}
