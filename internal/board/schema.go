package board

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schemas for inbound replicated records. Validation is intentionally loose
// about payload contents: only the structural envelope is enforced, so newer
// schema versions with extra fields still pass.
const nodeRecordSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"x": {"type": "number"},
		"y": {"type": "number"},
		"width": {"type": "number", "minimum": 0},
		"height": {"type": "number", "minimum": 0},
		"data": {"type": ["object", "null"]}
	},
	"required": ["type"]
}`

const edgeRecordSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"source": {"type": "string", "minLength": 1},
		"target": {"type": "string", "minLength": 1},
		"data": {"type": ["object", "null"]}
	},
	"required": ["source", "target"]
}`

// Validator checks replicated record field maps against the record schemas.
type Validator struct {
	node *jsonschema.Schema
	edge *jsonschema.Schema
}

// NewValidator compiles the record schemas. The schemas are embedded
// constants, so failure here is a programming error surfaced at startup.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	node, err := compileSchema(compiler, "node-record.json", nodeRecordSchema)
	if err != nil {
		return nil, err
	}
	edge, err := compileSchema(compiler, "edge-record.json", edgeRecordSchema)
	if err != nil {
		return nil, err
	}
	return &Validator{node: node, edge: edge}, nil
}

func compileSchema(compiler *jsonschema.Compiler, name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// ValidateNodeFields checks a node record's replicated field map.
func (v *Validator) ValidateNodeFields(id string, fields map[string]any) error {
	if err := v.node.Validate(toJSONValue(fields)); err != nil {
		return fmt.Errorf("%w: node %s: %v", ErrMalformedRecord, id, err)
	}
	return nil
}

// ValidateEdgeFields checks an edge record's replicated field map.
func (v *Validator) ValidateEdgeFields(id string, fields map[string]any) error {
	if err := v.edge.Validate(toJSONValue(fields)); err != nil {
		return fmt.Errorf("%w: edge %s: %v", ErrMalformedRecord, id, err)
	}
	return nil
}

// toJSONValue normalizes Go values to the JSON value shapes the schema
// library expects. Replicated fields are JSON-typed already except for ints
// introduced by in-process writers.
func toJSONValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = toJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = toJSONValue(item)
		}
		return out
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case float32:
		return float64(typed)
	default:
		return v
	}
}
