// Package jsonmap provides tolerant accessors over decoded JSON objects.
//
// The AgentGate API is consumed as loosely-typed documents; these helpers
// substitute defaults instead of failing when a field is missing, null, or
// carries an unexpected type.
package jsonmap

// String returns the string at key, or empty when missing or not a string.
func String(m map[string]any, key string) string {
	return StringOr(m, key, "")
}

// StringOr returns the string at key, or def when missing, null, or not a
// string. A present empty string is kept as-is.
func StringOr(m map[string]any, key, def string) string {
	if value, ok := m[key].(string); ok {
		return value
	}
	return def
}

// Bool returns the bool at key, or def when missing or not a bool.
func Bool(m map[string]any, key string, def bool) bool {
	if value, ok := m[key].(bool); ok {
		return value
	}
	return def
}

// Int returns the integer at key, or def when missing or not numeric.
// JSON numbers decode as float64; fractional values truncate toward zero.
func Int(m map[string]any, key string, def int) int {
	switch value := m[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	default:
		return def
	}
}

// Map returns the object at key, or an empty map when missing or not an object.
func Map(m map[string]any, key string) map[string]any {
	if value, ok := m[key].(map[string]any); ok {
		return value
	}
	return map[string]any{}
}

// List returns the array at key, or an empty slice when missing or not an array.
func List(m map[string]any, key string) []any {
	if value, ok := m[key].([]any); ok {
		return value
	}
	return []any{}
}
