package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/rendis/healflow/pkg/schema"
)

// Format identifies a workflow document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath infers the document format from a file extension.
// Anything that is not .json is treated as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Loader decodes workflow documents and runs them through the validation
// pipeline. A definition returned without error is ready for the engine.
type Loader struct {
	validator *WorkflowValidator
}

// NewLoader creates a Loader backed by wv.
func NewLoader(wv *WorkflowValidator) *Loader {
	return &Loader{validator: wv}
}

// LoadFile reads and parses the workflow document at path.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "read workflow: %v", err).WithCause(err)
	}
	return l.Parse(data, FormatFromPath(path))
}

// Parse decodes data in the given format, checks the raw document against
// the workflow schema, binds it and validates the result.
func (l *Loader) Parse(data []byte, format Format) (*schema.WorkflowDefinition, error) {
	jsonData := data
	if format == FormatYAML {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, schema.NewError(schema.ErrCodeDefinition, "invalid YAML").WithCause(err)
		}
		converted, err := json.Marshal(normalizeYAML(raw))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeDefinition, "convert YAML to JSON").WithCause(err)
		}
		jsonData = converted
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "invalid JSON").WithCause(err)
	}
	if err := l.validator.jsonSchema.ValidateDocument(doc); err != nil {
		return nil, validateStructural(err).ToError()
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "bind workflow document").WithCause(err)
	}

	if err := l.validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// normalizeYAML turns map[any]any nodes into map[string]any so the tree
// can be marshalled as JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
