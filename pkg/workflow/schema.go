package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// WorkflowSchema is the JSON Schema imported workflow documents must
// satisfy before they are admitted into the library
const WorkflowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "platform", "taskType", "steps"],
  "properties": {
    "id": {
      "type": "string"
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "platform": {
      "type": "string",
      "minLength": 1
    },
    "taskType": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "integer",
      "minimum": 1
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["order", "action"],
        "properties": {
          "order": {
            "type": "integer",
            "minimum": 0
          },
          "action": {
            "type": "string",
            "enum": [
              "navigate", "click", "type", "select", "upload", "scroll",
              "wait", "waitForElement", "assertVisible", "assertText",
              "executeScript", "pressKey"
            ]
          },
          "selector": { "$ref": "#/definitions/selector" },
          "alternativeSelectors": {
            "type": "array",
            "items": { "$ref": "#/definitions/selector" }
          },
          "value": { "type": "string" },
          "inputVariable": { "type": "string" },
          "waitBeforeMs": { "type": "integer", "minimum": 0 },
          "waitAfterMs": { "type": "integer", "minimum": 0 },
          "timeoutMs": { "type": "integer", "minimum": 0 },
          "retryCount": { "type": "integer", "minimum": 0 },
          "isOptional": { "type": "boolean" },
          "confidence": { "type": "number", "minimum": 0, "maximum": 1 }
        }
      }
    }
  },
  "definitions": {
    "selector": {
      "type": "object",
      "required": ["kind", "value"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": [
            "css", "xpath", "id", "name", "className", "text",
            "ariaLabel", "testId", "visual", "smart"
          ]
        },
        "value": { "type": "string", "minLength": 1 },
        "confidence": { "type": "number", "minimum": 0, "maximum": 1 }
      }
    }
  }
}`

var workflowSchemaLoader = gojsonschema.NewStringLoader(WorkflowSchema)

// ValidateDocument checks raw workflow JSON against the schema and
// returns one error per violation, joined
func ValidateDocument(data []byte) error {
	result, err := gojsonschema.Validate(workflowSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &AutomationError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("workflow document is not valid JSON: %v", err),
		}
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return &AutomationError{
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf("workflow document failed validation: %s", strings.Join(problems, "; ")),
	}
}

// ParseDocument validates and decodes an imported workflow document.
// Counters start at zero, provenance is stamped by the caller, ids are
// minted when absent.
func ParseDocument(data []byte, provenance Provenance) (*LearnedWorkflow, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	var wf LearnedWorkflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, &AutomationError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("failed to decode workflow document: %v", err),
		}
	}

	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	wf.SuccessCount = 0
	wf.FailureCount = 0
	wf.Active = true
	wf.Provenance = provenance
	now := time.Now()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	return &wf, nil
}
