package validation

import "github.com/rendis/healflow/pkg/schema"

// Validator checks workflow definitions before any run starts.
// Uses JSON Schema Draft 2020-12 for document and params validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
