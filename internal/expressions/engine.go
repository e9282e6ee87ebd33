package expressions

import "context"

// Engine evaluates expressions against a variable map.
// Three implementations: CEL (recovery rules), Expr (classification rules),
// GoJQ (JSON extraction and transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler validates an expression without evaluating it.
type Compiler interface {
	Compile(expression string) error
}
