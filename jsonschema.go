package occams

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// schemaDocumentSchema describes the SchemaJSON transfer format.
const schemaDocumentSchema = `{
  "type": "object",
  "required": ["name", "title", "attributes"],
  "properties": {
    "name": {"type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_]*$", "maxLength": 32},
    "title": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "storage": {"enum": ["eav", "resource", "table"]},
    "publish_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "retract_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "attributes": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/attribute"}
    }
  },
  "$defs": {
    "choice": {
      "type": "object",
      "required": ["title"],
      "properties": {
        "name": {"type": "string", "maxLength": 8},
        "title": {"type": "string"},
        "order": {"type": "integer", "minimum": 0}
      }
    },
    "attribute": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
        "title": {"type": "string"},
        "description": {"type": "string"},
        "type": {"enum": ["number", "choice", "date", "datetime", "string", "text", "section", "blob"]},
        "is_collection": {"type": "boolean"},
        "is_required": {"type": "boolean"},
        "is_private": {"type": "boolean"},
        "is_readonly": {"type": "boolean"},
        "is_system": {"type": "boolean"},
        "is_shuffled": {"type": "boolean"},
        "widget": {"enum": ["", "select", "radio", "checkbox", "phone", "email"]},
        "value_min": {"type": "number"},
        "value_max": {"type": "number"},
        "collection_min": {"type": "integer", "minimum": 0},
        "collection_max": {"type": "integer", "minimum": 0},
        "pattern": {"type": "string"},
        "decimal_places": {"type": "integer", "minimum": 0},
        "order": {"type": "integer", "minimum": 0},
        "choices": {
          "type": "object",
          "additionalProperties": {"$ref": "#/$defs/choice"}
        },
        "attributes": {
          "type": "object",
          "additionalProperties": {"$ref": "#/$defs/attribute"}
        }
      }
    }
  }
}`

var (
	resolveOnce     sync.Once
	resolvedDocSpec *jsonschema.Resolved
	resolveErr      error
)

func documentSchema() (*jsonschema.Resolved, error) {
	resolveOnce.Do(func() {
		var schema jsonschema.Schema
		if err := json.Unmarshal([]byte(schemaDocumentSchema), &schema); err != nil {
			resolveErr = fmt.Errorf("failed to unmarshal document schema: %w", err)
			return
		}
		resolvedDocSpec, resolveErr = schema.Resolve(&jsonschema.ResolveOptions{})
		if resolveErr != nil {
			resolveErr = fmt.Errorf("failed to resolve document schema: %w", resolveErr)
		}
	})
	return resolvedDocSpec, resolveErr
}

// ValidateSchemaDocument checks a decoded JSON document (as produced by
// json.Unmarshal into any) against the transfer format.
func ValidateSchemaDocument(doc any) error {
	resolved, err := documentSchema()
	if err != nil {
		return NewInternalError("document schema unavailable", err)
	}
	if err := resolved.Validate(doc); err != nil {
		return NewValidationErrorCode(ErrCodeInvalidDocument, "document", err.Error()).WithCause(err)
	}
	return nil
}

// Validate checks an already decoded document against the transfer format.
// A nil attribute map is treated as empty.
func (doc *SchemaJSON) Validate() error {
	if doc == nil {
		return NewValidationErrorCode(ErrCodeInvalidDocument, "document", "document is empty")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return NewValidationErrorCode(ErrCodeInvalidDocument, "document", err.Error()).WithCause(err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return NewValidationErrorCode(ErrCodeInvalidDocument, "document", err.Error()).WithCause(err)
	}
	if generic["attributes"] == nil {
		generic["attributes"] = map[string]any{}
	}
	return ValidateSchemaDocument(generic)
}

// DecodeSchemaDocument parses raw JSON, or YAML when isYAML is set,
// validates it and decodes it into a SchemaJSON.
func DecodeSchemaDocument(raw []byte, isYAML bool) (*SchemaJSON, error) {
	var generic any
	if isYAML {
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return nil, NewValidationErrorCode(ErrCodeInvalidDocument, "document", err.Error()).WithCause(err)
		}
		// Round trip through JSON so validation and decoding see one shape.
		b, err := json.Marshal(stringKeys(generic))
		if err != nil {
			return nil, NewValidationErrorCode(ErrCodeInvalidDocument, "document", err.Error()).WithCause(err)
		}
		raw = b
		generic = nil
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, NewValidationErrorCode(ErrCodeInvalidDocument, "document", err.Error()).WithCause(err)
	}
	if err := ValidateSchemaDocument(generic); err != nil {
		return nil, err
	}
	var doc SchemaJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, NewValidationErrorCode(ErrCodeInvalidDocument, "document", err.Error()).WithCause(err)
	}
	return &doc, nil
}

// stringKeys rewrites YAML mappings with non-string keys (such as numeric
// choice codes) into JSON-compatible maps.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = stringKeys(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = stringKeys(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = stringKeys(item)
		}
		return t
	}
	return v
}
