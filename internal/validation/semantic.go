package validation

import (
	"fmt"

	"github.com/rendis/healflow/internal/actions"
	"github.com/rendis/healflow/pkg/schema"
)

// HandlerLookup resolves registered step handlers. *actions.Registry
// satisfies it.
type HandlerLookup interface {
	Get(name string) (actions.Handler, error)
}

// validateSemantic checks what needs the handler registry: every step's
// handler exists and accepts the step's params.
func validateSemantic(def *schema.WorkflowDefinition, lookup HandlerLookup, jsv *JSONSchemaValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if lookup == nil {
		return result
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		name := step.Handler
		if name == "" {
			name = step.Name
		}

		h, err := lookup.Get(name)
		if err != nil {
			result.AddError(path+".handler", "handler %q not registered", name)
			continue
		}

		params := step.Params
		if params == nil {
			params = map[string]any{}
		}
		if in := h.Schema().InputSchema; len(in) > 0 {
			if err := jsv.ValidateInput(params, in); err != nil {
				result.AddError(path+".params", "%s", paramsMessage(err))
				continue
			}
		}
		if err := h.Validate(params); err != nil {
			result.AddError(path+".params", "%s", paramsMessage(err))
		}
	}

	return result
}

func paramsMessage(err error) string {
	var fe *schema.FlowError
	if asFlowError(err, &fe) {
		if v, ok := fe.Details["violations"].([]string); ok && len(v) > 0 {
			return fmt.Sprintf("%s (%d violations)", v[0], len(v))
		}
		return fe.Message
	}
	return err.Error()
}
