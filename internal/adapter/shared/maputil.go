package shared

import (
	"encoding/json"
	"strings"
)

// GetString extracts a string value from a map, returning "" if missing or of another type.
func GetString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// FirstString returns the first non-empty string among keys.
func FirstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := GetString(m, k); v != "" {
			return v
		}
	}
	return ""
}

// GetInt64 extracts an integer value. JSON numbers decode as float64 or,
// with UseNumber, json.Number; both are handled.
func GetInt64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return n
		}
		f, _ := v.Float64()
		return int64(f)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

// GetFloat extracts a float value, returning 0 if missing.
func GetFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// HasKey reports whether key is present and non-null.
func HasKey(m map[string]any, key string) bool {
	v, ok := m[key]
	return ok && v != nil
}

// GetBool extracts a bool value, returning false if missing or of another type.
func GetBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

// GetMap extracts a nested map, returning nil if missing or of another type.
func GetMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// FirstMap returns the first nested map found among keys.
func FirstMap(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if v := GetMap(m, k); v != nil {
			return v
		}
	}
	return nil
}

// GetSlice extracts a slice, returning nil if missing or of another type.
func GetSlice(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

// DecodeObject decodes raw as a JSON object.
func DecodeObject(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotObject
	}
	return m, nil
}

// ParseArguments decodes a JSON-encoded argument string into a map. Values
// that are not JSON objects are wrapped under "value"; an empty string yields
// an empty map.
func ParseArguments(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return map[string]any{"raw": s}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// AsMap returns v as an object map, wrapping other values under "value".
func AsMap(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return t
	}
	return map[string]any{"value": v}
}

// Preview shortens raw for log output.
func Preview(raw []byte, n int) string {
	s := strings.TrimSpace(string(raw))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
