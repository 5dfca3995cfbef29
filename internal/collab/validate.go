package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://relaymeet.local/schemas/"

var payloadSchemas = map[string]string{
	"presence": `{
		"type": "object",
		"required": ["user_info", "status", "joined_at"],
		"properties": {
			"user_info": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"},
					"sessionId": {"type": "string"}
				}
			},
			"status": {"enum": ["active", "idle", "typing"]},
			"joined_at": {"type": "string", "minLength": 1},
			"since": {"type": "string"},
			"cursor_position": {
				"type": "object",
				"properties": {
					"lineNumber": {"type": "integer"},
					"character": {"type": "integer"}
				}
			}
		}
	}`,
	EventAnnotation: `{
		"type": "object",
		"required": ["id", "user_info", "type", "content", "position"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"user_info": {
				"type": "object",
				"required": ["name", "sessionId"],
				"properties": {
					"name": {"type": "string"},
					"sessionId": {"type": "string"}
				}
			},
			"type": {"enum": ["highlight", "comment", "note"]},
			"content": {"type": "string"},
			"position": {"type": "object"}
		}
	}`,
	EventAnnotationUpdate: `{
		"type": "object",
		"required": ["id", "content"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		}
	}`,
	EventAnnotationDelete: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1}
		}
	}`,
	EventNotesUpdate: `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string"},
			"last_edited_by": {
				"type": ["object", "null"],
				"properties": {"name": {"type": "string"}}
			}
		}
	}`,
}

// sharedValidator compiles the schemas once per process.
var sharedValidator = sync.OnceValues(newPayloadValidator)

// payloadValidator checks inbound presence and broadcast payloads before they
// reach session state.
type payloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	for name, raw := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
	}
	v := &payloadValidator{schemas: map[string]*jsonschema.Schema{}}
	for name := range payloadSchemas {
		schema, err := compiler.Compile(schemaBaseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// decode validates raw against the named schema and unmarshals it into dst.
func (v *payloadValidator) decode(name string, raw json.RawMessage, dst any) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("no schema for %q", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := schema.Validate(inst); err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
