package llm

import (
	"encoding/json"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/invopop/jsonschema"
)

// SchemaFor reflects v into a JSON Schema object suitable for structured
// output. Fields without omitempty are required.
func SchemaFor(v interface{}) (map[string]interface{}, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// convertToGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func convertToGeminiSchema(params map[string]interface{}) *genai.Schema {
	if params == nil {
		return nil
	}
	schema := &genai.Schema{
		Type: genai.TypeObject,
	}

	if props, ok := params["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				schema.Properties[name] = convertPropertyToSchema(propMap)
			}
		}
	}

	if required, ok := params["required"].([]interface{}); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	return schema
}

// convertPropertyToSchema converts a single property to Gemini Schema.
func convertPropertyToSchema(prop map[string]interface{}) *genai.Schema {
	schema := &genai.Schema{}

	if typ, ok := prop["type"].(string); ok {
		switch typ {
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		case "array":
			schema.Type = genai.TypeArray
			if items, ok := prop["items"].(map[string]interface{}); ok {
				schema.Items = convertPropertyToSchema(items)
			}
		case "object":
			schema.Type = genai.TypeObject
			if props, ok := prop["properties"].(map[string]interface{}); ok {
				schema.Properties = make(map[string]*genai.Schema)
				for name, p := range props {
					if propMap, ok := p.(map[string]interface{}); ok {
						schema.Properties[name] = convertPropertyToSchema(propMap)
					}
				}
			}
		}
	}

	if desc, ok := prop["description"].(string); ok {
		schema.Description = desc
	}

	return schema
}
