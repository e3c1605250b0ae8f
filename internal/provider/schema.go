package provider

// sanitizeSchema returns a deep copy of a JSON Schema map with fields
// stripped that Gemini's function-calling API rejects with a 400
// (`$schema`, `additionalProperties`, `$ref`, `$defs`, ...). The tool
// schemas flowing through provider.Tool.InputSchema come from whatever
// MCP server or admin-configured tool produced them and are not
// guaranteed to already be in Gemini's accepted subset.
func sanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return sanitizeSchemaMap(schema)
}

var geminiUnsupportedSchemaKeys = map[string]struct{}{
	"$schema":              {},
	"additionalProperties": {},
	"$ref":                 {},
	"ref":                  {},
	"$defs":                {},
	"definitions":          {},
}

func sanitizeSchemaMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, drop := geminiUnsupportedSchemaKeys[k]; drop {
			continue
		}
		out[k] = sanitizeSchemaValue(v)
	}
	return out
}

func sanitizeSchemaValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeSchemaMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = sanitizeSchemaValue(item)
		}
		return cp
	default:
		return v
	}
}
