package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/healflow/internal/actions"
	"github.com/rendis/healflow/internal/expressions"
	"github.com/rendis/healflow/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.HTTPConfig{}))
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	wv, err := NewWorkflowValidator(reg, cel.Compile)
	require.NoError(t, err)
	return wv
}

func messages(issues []schema.ValidationIssue) string {
	var b strings.Builder
	for _, is := range issues {
		b.WriteString(is.Path + ": " + is.Message + "\n")
	}
	return b.String()
}

func TestWorkflowValidator_Valid(t *testing.T) {
	wv := newValidator(t)
	def := &schema.WorkflowDefinition{
		Name: "pipeline",
		Steps: []schema.StepDefinition{
			{Name: "fetch", Handler: "sleep", Params: map[string]any{"duration": "10ms"}},
			{
				Name:      "shape",
				Handler:   "jq.transform",
				Params:    map[string]any{"query": ".upstream.fetch"},
				DependsOn: []string{"fetch"},
				Recovery:  []schema.RecoveryRule{{When: "kind == 'Timeout' && attempts_remaining > 0", Action: "retry"}},
			},
		},
	}
	res := wv.Validate(def)
	assert.True(t, res.Valid(), messages(res.Errors))
	assert.NoError(t, wv.ValidateDefinition(def))
}

func TestWorkflowValidator_Nil(t *testing.T) {
	res := newValidator(t).Validate(nil)
	require.False(t, res.Valid())
	assert.Contains(t, messages(res.Errors), "nil")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv := newValidator(t)
	def := &schema.WorkflowDefinition{
		Name: "x",
		Steps: []schema.StepDefinition{
			{Name: "a", Handler: "ghost", Timeout: "later"},
		},
	}
	res := wv.Validate(def)
	require.False(t, res.Valid())
	out := messages(res.Errors)
	assert.Contains(t, out, "/steps/0/timeout")
	assert.NotContains(t, out, "not registered")

	err := wv.ValidateDefinition(def)
	require.Error(t, err)
	assert.True(t, schema.IsDefinitionError(err))
}

func TestWorkflowValidator_Semantic(t *testing.T) {
	tests := []struct {
		name string
		step schema.StepDefinition
		path string
		want string
	}{
		{"unknown handler", schema.StepDefinition{Name: "a", Handler: "ghost"}, "steps[0].handler", `handler "ghost" not registered`},
		{"defaults to step name", schema.StepDefinition{Name: "mystery"}, "steps[0].handler", `handler "mystery" not registered`},
		{"missing required param", schema.StepDefinition{Name: "a", Handler: "jq.transform"}, "steps[0].params", "query"},
		{"wrong param type", schema.StepDefinition{
			Name: "a", Handler: "sleep", Params: map[string]any{"duration": 5},
		}, "steps[0].params", "duration"},
		{"handler validate", schema.StepDefinition{
			Name: "a", Handler: "sleep", Params: map[string]any{"duration": "forever"},
		}, "steps[0].params", "invalid duration"},
		{"bad jq", schema.StepDefinition{
			Name: "a", Handler: "jq.transform", Params: map[string]any{"query": ".["},
		}, "steps[0].params", ""},
	}
	wv := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := wv.Validate(&schema.WorkflowDefinition{Name: "x", Steps: []schema.StepDefinition{tt.step}})
			require.False(t, res.Valid())
			require.Len(t, res.Errors, 1)
			assert.Equal(t, tt.path, res.Errors[0].Path)
			assert.Contains(t, res.Errors[0].Message, tt.want)
		})
	}
}

func TestWorkflowValidator_DAG(t *testing.T) {
	wv := newValidator(t)

	cyclic := &schema.WorkflowDefinition{
		Name: "x",
		Steps: []schema.StepDefinition{
			{Name: "a", Handler: "noop", DependsOn: []string{"b"}},
			{Name: "b", Handler: "noop", DependsOn: []string{"a"}},
		},
	}
	res := wv.Validate(cyclic)
	require.False(t, res.Valid())
	assert.Contains(t, messages(res.Errors), "cycle")

	badRule := &schema.WorkflowDefinition{
		Name: "x",
		Steps: []schema.StepDefinition{{
			Name: "a", Handler: "noop",
			Recovery: []schema.RecoveryRule{{When: "undeclared_var > 1", Action: "skip"}},
		}},
	}
	res = wv.Validate(badRule)
	require.False(t, res.Valid())
	assert.NotEmpty(t, res.Errors)
}

func TestWorkflowValidator_NoRegistry(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)
	res := wv.Validate(&schema.WorkflowDefinition{
		Name:  "x",
		Steps: []schema.StepDefinition{{Name: "anything", Handler: "ghost"}},
	})
	assert.True(t, res.Valid(), messages(res.Errors))
}
