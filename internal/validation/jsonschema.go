package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/autoflow/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for the persisted graph wire shape.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://autoflow.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "viewport": { "$ref": "#/$defs/viewport" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind", "position"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": ["workItem", "subtask", "activity", "trigger", "action", "gate"]
        },
        "position": {
          "type": "object",
          "required": ["x", "y"],
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          },
          "additionalProperties": false
        },
        "data": { "type": "object" },
        "draggable": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "viewport": {
      "type": "object",
      "required": ["x", "y", "zoom"],
      "properties": {
        "x": { "type": "number" },
        "y": { "type": "number" },
        "zoom": { "type": "number", "exclusiveMinimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// presetCatalogSchemaJSON validates the embedded preset catalog at startup.
const presetCatalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://autoflow.dev/schemas/presets.json",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["id", "title", "trigger", "action"],
    "properties": {
      "id": { "type": "string", "minLength": 1 },
      "title": { "type": "string", "minLength": 1 },
      "icon": { "type": "string" },
      "trigger": { "$ref": "#/$defs/spec" },
      "action": { "$ref": "#/$defs/spec" }
    },
    "additionalProperties": false
  },
  "$defs": {
    "spec": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "params": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// WireValidator validates persisted payloads against the embedded schemas.
// Safe for concurrent use after construction.
type WireValidator struct {
	graph   *jsonschema.Schema
	presets *jsonschema.Schema
}

// NewWireValidator compiles the embedded schemas.
func NewWireValidator() (*WireValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compile := func(id, src string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", id, err)
		}
		if err := c.AddResource(id, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", id, err)
		}
		return c.Compile(id)
	}

	g, err := compile("https://autoflow.dev/schemas/graph.json", graphSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	p, err := compile("https://autoflow.dev/schemas/presets.json", presetCatalogSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile presets schema: %w", err)
	}
	return &WireValidator{graph: g, presets: p}, nil
}

// ValidateGraphJSON checks a raw persisted graph document against the wire
// schema. Referential problems (dangling edges, missing work item) are not
// schema concerns; the loader handles those.
func (v *WireValidator) ValidateGraphJSON(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "persisted graph is not valid JSON").WithCause(err)
	}
	if err := v.graph.Validate(doc); err != nil {
		return toFlowError("persisted graph", err)
	}
	return nil
}

// ValidatePresetCatalog checks the embedded preset catalog document.
func (v *WireValidator) ValidatePresetCatalog(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "preset catalog is not valid JSON").WithCause(err)
	}
	if err := v.presets.Validate(doc); err != nil {
		return toFlowError("preset catalog", err)
	}
	return nil
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// the individual violations flattened into details.
func toFlowError(subject string, err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s failed validation", subject).WithCause(err)
	}
	violations := collectViolations(verr)
	return schema.NewErrorf(schema.ErrCodeValidation, "%s failed validation: %s", subject, strings.Join(violations, "; ")).
		WithCause(err).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, c := range verr.Causes {
		out = append(out, collectViolations(c)...)
	}
	return out
}

// DecodeGraph validates then unmarshals a persisted graph document.
func (v *WireValidator) DecodeGraph(raw []byte) (*schema.Graph, error) {
	if err := v.ValidateGraphJSON(raw); err != nil {
		return nil, err
	}
	var g schema.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode persisted graph").WithCause(err)
	}
	return &g, nil
}
