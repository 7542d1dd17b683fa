package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToJSONSchema projects a Schema into a compiled JSON Schema document, so a
// stage's config_schema() can be validated with the same compiler the rest
// of the ecosystem uses for contract validation instead of a hand-rolled
// walk.
func (s Schema) ToJSONSchema() (*jsonschema.Schema, error) {
	doc := s.toJSONSchemaDoc()
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal projected schema: %w", err)
	}

	var schemaDoc any
	if err := json.Unmarshal(data, &schemaDoc); err != nil {
		return nil, fmt.Errorf("round-trip projected schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	const resourceURL = "oxisflow://schema/projected.json"
	if err := compiler.AddResource(resourceURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add projected schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile projected schema: %w", err)
	}
	return compiled, nil
}

func (s Schema) toJSONSchemaDoc() map[string]any {
	props := make(map[string]any, len(s))
	var required []string
	for name, fs := range s {
		props[name] = fs.toJSONSchemaDoc()
		if !fs.Nullable {
			required = append(required, name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func (fs FieldSchema) toJSONSchemaDoc() map[string]any {
	doc := map[string]any{}
	switch fs.Type {
	case TypeString:
		doc["type"] = "string"
	case TypeInteger:
		doc["type"] = "integer"
	case TypeFloat:
		doc["type"] = "number"
	case TypeBoolean:
		doc["type"] = "boolean"
	case TypeDateTime:
		doc["type"] = "string"
		doc["format"] = "date-time"
	case TypeBinary:
		doc["type"] = "string"
		doc["contentEncoding"] = "base64"
	case TypeArray:
		doc["type"] = "array"
		if fs.Element != nil {
			doc["items"] = fs.Element.toJSONSchemaDoc()
		}
	case TypeObject:
		sub := fs.Object.toJSONSchemaDoc()
		for k, v := range sub {
			doc[k] = v
		}
	default:
		// Unknown/Mixed: no type constraint.
	}

	if fs.Nullable && fs.Type != TypeUnknown && fs.Type != TypeMixed {
		if t, ok := doc["type"]; ok {
			doc["type"] = []any{t, "null"}
		}
	}
	if fs.Description != "" {
		doc["description"] = fs.Description
	}
	if len(fs.Examples) > 0 {
		doc["examples"] = fs.Examples
	}

	for _, c := range fs.Constraints {
		switch c.Kind {
		case ConstraintMin:
			doc["minimum"] = c.Number
		case ConstraintMax:
			doc["maximum"] = c.Number
		case ConstraintMinLen:
			if fs.Type == TypeArray {
				doc["minItems"] = c.Int
			} else {
				doc["minLength"] = c.Int
			}
		case ConstraintMaxLen:
			if fs.Type == TypeArray {
				doc["maxItems"] = c.Int
			} else {
				doc["maxLength"] = c.Int
			}
		case ConstraintPattern:
			doc["pattern"] = c.Pattern
		case ConstraintOneOf:
			doc["enum"] = c.OneOf
		}
	}

	return doc
}
