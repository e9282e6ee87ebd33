package validation

import (
	"errors"

	"github.com/rendis/healflow/internal/engine"
	"github.com/rendis/healflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (handlers and their params)
// 3. DAG (references, cycles, substitutes, recovery rules)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
	rules      engine.RuleChecker
}

// NewWorkflowValidator creates a WorkflowValidator.
// handlers may be nil to skip handler checks; rules may be nil to skip
// recovery rule compilation.
func NewWorkflowValidator(handlers HandlerLookup, rules engine.RuleChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, handlers: handlers, rules: rules}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}

	merge(result, validateSemantic(def, wv.handlers, wv.jsonSchema))

	if result.Valid() {
		merge(result, validateDAG(def, wv.rules))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural converts a JSON Schema error into ValidationResult
// entries, one per violation.
func validateStructural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if !asFlowError(err, &fe) {
		result.AddError("/", "%s", err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", "%s", v)
		}
		return result
	}
	result.AddError("/", "%s", fe.Message)
	return result
}

// validateDAG builds the engine's parsed definition and lifts its issues.
func validateDAG(def *schema.WorkflowDefinition, rules engine.RuleChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	_, err := engine.ParseDefinition(def, rules)
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if asFlowError(err, &fe) {
		if issues, ok := fe.Details["errors"].([]schema.ValidationIssue); ok {
			result.Errors = append(result.Errors, issues...)
			if warns, ok := fe.Details["warnings"].([]schema.ValidationIssue); ok {
				result.Warnings = append(result.Warnings, warns...)
			}
			return result
		}
		path := "steps"
		if fe.Step != "" {
			path = "steps." + fe.Step
		}
		result.AddError(path, "%s", fe.Message)
		return result
	}
	result.AddError("/", "%s", err.Error())
	return result
}

func merge(dst, src *schema.ValidationResult) {
	dst.Errors = append(dst.Errors, src.Errors...)
	dst.Warnings = append(dst.Warnings, src.Warnings...)
}

func asFlowError(err error, target **schema.FlowError) bool {
	return errors.As(err, target)
}
