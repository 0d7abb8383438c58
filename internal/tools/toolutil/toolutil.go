// Package toolutil holds small helpers shared by the built-in tools: input
// field accessors and schema construction.
package toolutil

import "math"

// Str reads a string field from tool input.
func Str(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

// Int reads an integer field from tool input, accepting the float64 shape
// JSON decoding produces.
func Int(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v != math.Trunc(v) {
			return 0
		}
		return int(v)
	default:
		return 0
	}
}

// Bool reads a boolean field from tool input.
func Bool(input map[string]any, key string) bool {
	v, _ := input[key].(bool)
	return v
}

// Object builds a JSON-Schema object with the given properties and required
// field names.
func Object(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProp builds a string property schema.
func StringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// IntProp builds an integer property schema.
func IntProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

// BoolProp builds a boolean property schema.
func BoolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

// Truncate caps s at limit bytes with a trailing marker.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [output truncated] ..."
}
