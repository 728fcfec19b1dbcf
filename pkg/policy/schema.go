package policy

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ruleSetSchema is the JSON Schema every rule-set document must satisfy
// before it is accepted into the repository.
const ruleSetSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["policy_id", "version", "rules"],
	"properties": {
		"policy_id": {"type": "string", "minLength": 1},
		"version": {"type": "integer", "minimum": 1},
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "when"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"blocking": {"type": "boolean"},
					"when": {"$ref": "#/definitions/predicate"}
				}
			}
		}
	},
	"definitions": {
		"predicate": {
			"type": "object",
			"required": ["op"],
			"properties": {
				"op": {"enum": ["field_equals", "greater_than", "less_than", "in", "composite"]},
				"field": {"type": "string"},
				"value": {},
				"values": {"type": "array"},
				"combine": {"enum": ["all", "any", "not"]},
				"children": {
					"type": "array",
					"items": {"$ref": "#/definitions/predicate"}
				}
			}
		}
	}
}`

// validateRuleSetDocument validates a raw rule-set document against the
// embedded schema.
func validateRuleSetDocument(raw []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(ruleSetSchema)
	documentLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate rule set document: %w", err)
	}

	if !result.Valid() {
		var issues []string
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}

		return fmt.Errorf("invalid rule set document: %s", strings.Join(issues, "; "))
	}

	return nil
}
