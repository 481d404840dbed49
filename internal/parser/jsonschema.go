package parser

import (
	"encoding/json"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomctl/loom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow documents. Embedded
// as a constant to avoid filesystem dependencies. Step variants are
// discriminated on "type": each variant's required fields are enforced
// through if/then clauses.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomctl.dev/schemas/workflow.json",
  "type": "object",
  "required": ["version", "name", "steps"],
  "properties": {
    "version": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "inputs": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/input" }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "input": {
      "type": "object",
      "properties": {
        "type": {
          "type": "string",
          "enum": ["string", "int", "float", "bool", "list", "map", "any"]
        },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["action", "agent", "generate", "validate", "subworkflow", "branch", "parallel", "checkpoint"]
        },
        "requires": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "action": { "type": "string" },
        "with": { "type": "object" },
        "agent": { "type": "string" },
        "generator": { "type": "string" },
        "context_builder": { "type": "string" },
        "stages": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string", "minLength": 1 }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "workflow": { "type": "string" },
        "workflow_path": { "type": "string" },
        "inputs": { "type": "object" },
        "options": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/branch_option" }
        },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        },
        "step": { "$ref": "#/$defs/step" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "action" } } },
          "then": { "required": ["name", "action"] }
        },
        {
          "if": { "properties": { "type": { "const": "agent" } } },
          "then": { "required": ["name", "agent"] }
        },
        {
          "if": { "properties": { "type": { "const": "generate" } } },
          "then": { "required": ["name", "generator"] }
        },
        {
          "if": { "properties": { "type": { "const": "validate" } } },
          "then": { "required": ["name", "stages"] }
        },
        {
          "if": { "properties": { "type": { "const": "subworkflow" } } },
          "then": {
            "required": ["name"],
            "anyOf": [
              { "required": ["workflow"] },
              { "required": ["workflow_path"] }
            ]
          }
        },
        {
          "if": { "properties": { "type": { "const": "branch" } } },
          "then": { "required": ["name", "options"] }
        },
        {
          "if": { "properties": { "type": { "const": "parallel" } } },
          "then": { "required": ["name", "steps"] }
        },
        {
          "if": { "properties": { "type": { "const": "checkpoint" } } },
          "then": { "required": ["step"] }
        }
      ]
    },
    "branch_option": {
      "type": "object",
      "required": ["condition", "step"],
      "properties": {
        "condition": { "type": "string", "minLength": 1 },
        "step": { "$ref": "#/$defs/step" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

func compileWorkflowSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "unmarshal workflow schema").WithCause(err)
	}
	if err := c.AddResource("https://loomctl.dev/schemas/workflow.json", doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "add workflow schema resource").WithCause(err)
	}
	compiled, err := c.Compile("https://loomctl.dev/schemas/workflow.json")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "compile workflow schema").WithCause(err)
	}
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []schema.ValidationIssue {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []schema.ValidationIssue{{
			Path:     loc,
			Code:     "schema",
			Message:  verr.Error(),
			Severity: schema.SeverityError,
		}}
	}

	var issues []schema.ValidationIssue
	for _, cause := range verr.Causes {
		issues = append(issues, collectViolations(cause)...)
	}
	return issues
}
