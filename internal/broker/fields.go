package broker

import (
	"encoding/json"
	"strconv"
)

// Field helpers for the loosely-typed JSON maps vendors send. They
// tolerate absent keys and mixed number/string encodings, returning
// the zero value rather than failing, which keeps tick normalization
// total.

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asList(v interface{}) []interface{} {
	l, _ := v.([]interface{})
	return l
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	return asMap(m[key])
}

func listField(m map[string]interface{}, key string) []interface{} {
	if m == nil {
		return nil
	}
	return asList(m[key])
}

func strField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func numField(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	return toFloat(m[key])
}

func intField(m map[string]interface{}, key string) int64 {
	return int64(numField(m, key))
}

// hasNum reports whether the key is present with a usable numeric
// value.
func hasNum(m map[string]interface{}, key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	switch v.(type) {
	case float64, int, int64, string, json.Number:
		return true
	default:
		return false
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
