package writeq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const operationSchemaURL = "writeq://operation.schema.json"

const operationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "operation", "payload", "max_attempts"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "operation": {"enum": ["append_row", "update_cell"]},
    "attempts": {"type": "integer", "minimum": 0},
    "max_attempts": {"type": "integer", "minimum": 1},
    "payload": {
      "type": "object",
      "required": ["backend", "user_id"],
      "properties": {
        "backend": {"enum": ["tabular", "rest"]},
        "user_id": {"type": "integer"},
        "row_no": {"type": "integer"},
        "col": {"type": "integer"},
        "value": {"type": "string"},
        "values": {"type": "array", "items": {"type": "string"}},
        "value_input_option": {"enum": ["USER_ENTERED", "RAW"]}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"operation": {"const": "append_row"}}},
      "then": {
        "properties": {
          "payload": {"required": ["values"], "properties": {"values": {"minItems": 1}}}
        }
      }
    },
    {
      "if": {"properties": {"operation": {"const": "update_cell"}}},
      "then": {
        "properties": {
          "payload": {
            "required": ["row_no", "col"],
            "properties": {"row_no": {"minimum": 1}, "col": {"minimum": 1}}
          }
        }
      }
    }
  ]
}`

// PayloadValidator checks queued operations against a JSON schema before
// they are replayed.
type PayloadValidator struct {
	schema *jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(operationSchema))
	if err != nil {
		return nil, fmt.Errorf("parse operation schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(operationSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add operation schema: %w", err)
	}
	sch, err := c.Compile(operationSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile operation schema: %w", err)
	}
	return &PayloadValidator{schema: sch}, nil
}

// Validate returns a permanent ErrValidation error when op does not match
// the schema.
func (v *PayloadValidator) Validate(op Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return validationErrorf("encode operation %s: %v", op.ID, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return validationErrorf("decode operation %s: %v", op.ID, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return validationErrorf("operation %s: %v", op.ID, err)
	}
	return nil
}
