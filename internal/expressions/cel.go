package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/healflow/pkg/schema"
)

// recoveryVars are the variables a recovery rule may reference.
var recoveryVars = map[string]*cel.Type{
	"kind":               cel.StringType,
	"step":               cel.StringType,
	"message":            cel.StringType,
	"attempts":           cel.IntType,
	"max_attempts":       cel.IntType,
	"attempts_remaining": cel.IntType,
	"optional":           cel.BoolType,
}

// CELEngine evaluates per-step recovery rules written in Google's Common
// Expression Language. Compiled programs are cached and shared across
// goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment declares the
// recovery rule variables with their types.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(recoveryVars))
	for name, typ := range recoveryVars {
		opts = append(opts, cel.Variable(name, typ))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Compile checks that expression parses, type-checks and yields a bool.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs expression against data. Variables missing from data take
// their zero value.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a rule condition.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "CEL expression %q returned %T, want bool", expression, out)
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL expression %q yields %s, want bool", expression, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills declared variables missing from data with zero
// values and widens int to int64.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(recoveryVars))
	for name, typ := range recoveryVars {
		v, ok := data[name]
		if !ok || v == nil {
			switch typ {
			case cel.IntType:
				v = int64(0)
			case cel.BoolType:
				v = false
			default:
				v = ""
			}
		}
		if i, isInt := v.(int); isInt {
			v = int64(i)
		}
		activation[name] = v
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
