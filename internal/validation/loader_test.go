package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/healflow/pkg/schema"
)

const pipelineYAML = `
name: nightly-etl
description: extract, shape and load
max_concurrency: 2
steps:
  - name: extract
    handler: sleep
    params:
      duration: 5ms
    timeout: 30s
    max_attempts: 4
    backoff:
      base_delay: 200ms
      multiplier: 2
      cap: 10s
      jitter: false
    circuit_breaker:
      failure_threshold: 3
      open_duration: 1m
      resource_key: warehouse
  - name: shape
    handler: jq.transform
    depends_on: [extract]
    params:
      query: .upstream.extract
    recovery:
      - when: "kind == 'Timeout'"
        action: retry
        delay: 1s
  - name: load
    handler: noop
    depends_on: [shape]
    optional: true
`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	return NewLoader(newValidator(t))
}

func TestLoader_ParseYAML(t *testing.T) {
	def, err := newLoader(t).Parse([]byte(pipelineYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "nightly-etl", def.Name)
	assert.Equal(t, 2, def.MaxConcurrency)
	require.Len(t, def.Steps, 3)

	extract := def.Steps[0]
	assert.Equal(t, "sleep", extract.Handler)
	assert.Equal(t, "5ms", extract.Params["duration"])
	assert.Equal(t, 4, extract.MaxAttempts)
	require.NotNil(t, extract.Backoff)
	assert.Equal(t, 2.0, extract.Backoff.Multiplier)
	require.NotNil(t, extract.Backoff.Jitter)
	assert.False(t, *extract.Backoff.Jitter)
	require.NotNil(t, extract.CircuitBreaker)
	assert.Equal(t, "warehouse", extract.CircuitBreaker.ResourceKey)

	shape := def.Steps[1]
	assert.Equal(t, []string{"extract"}, shape.DependsOn)
	require.Len(t, shape.Recovery, 1)
	assert.Equal(t, "retry", shape.Recovery[0].Action)
	assert.Equal(t, "1s", shape.Recovery[0].Delay)

	assert.True(t, def.Steps[2].Optional)
}

func TestLoader_ParseJSON(t *testing.T) {
	doc := `{"name":"tiny","steps":[{"name":"a","handler":"noop"},{"name":"b","handler":"noop","depends_on":["a"]}]}`
	def, err := newLoader(t).Parse([]byte(doc), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "tiny", def.Name)
	assert.Len(t, def.Steps, 2)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
		want   string
	}{
		{"bad yaml", "name: [unterminated", FormatYAML, "invalid YAML"},
		{"bad json", `{"name":`, FormatJSON, "invalid JSON"},
		{"unknown field", "name: x\nsteps:\n  - name: a\n    retries: 3\n", FormatYAML, "retries"},
		{"unknown handler", "name: x\nsteps:\n  - name: a\n    handler: ghost\n", FormatYAML, "not registered"},
		{"cycle", "name: x\nsteps:\n  - {name: a, handler: noop, depends_on: [b]}\n  - {name: b, handler: noop, depends_on: [a]}\n", FormatYAML, "cycle"},
	}
	l := newLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Parse([]byte(tt.data), tt.format)
			require.Error(t, err)
			assert.True(t, schema.IsDefinitionError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineYAML), 0o600))

	l := newLoader(t)
	def, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly-etl", def.Name)

	_, err = l.LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.True(t, schema.IsDefinitionError(err))
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatFromPath("wf.JSON"))
	assert.Equal(t, FormatYAML, FormatFromPath("wf.yaml"))
	assert.Equal(t, FormatYAML, FormatFromPath("wf.yml"))
	assert.Equal(t, FormatYAML, FormatFromPath("wf"))
}

func TestNormalizeYAML(t *testing.T) {
	in := map[any]any{1: []any{map[any]any{"k": "v"}}}
	out := normalizeYAML(in)
	assert.Equal(t, map[string]any{"1": []any{map[string]any{"k": "v"}}}, out)
}

func TestLoader_ExampleDefinition(t *testing.T) {
	def, err := newLoader(t).LoadFile(filepath.Join("..", "..", "examples", "data_pipeline.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "data_pipeline", def.Name)
	assert.Equal(t, "1.2.0", def.Version)
	assert.Len(t, def.Steps, 6)
}
