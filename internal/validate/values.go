package validate

import (
	"encoding/json"
	"reflect"

	"inferd/internal/contract"
)

func hasType(v any, f contract.Field) bool {
	if v == nil {
		return f.Nullable || f.Type == contract.TypeAny
	}
	switch f.Type {
	case contract.TypeBool:
		_, ok := v.(bool)
		return ok
	case contract.TypeString:
		_, ok := v.(string)
		return ok
	case contract.TypeNumber:
		_, ok := number(v)
		return ok
	case contract.TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case contract.TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return true
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := number(v); ok {
		return "number"
	}
	return "unknown"
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func emptyOf(t contract.Type) any {
	switch t {
	case contract.TypeArray:
		return []any{}
	case contract.TypeObject:
		return map[string]any{}
	case contract.TypeBool:
		return false
	case contract.TypeString:
		return ""
	case contract.TypeNumber:
		return float64(0)
	}
	return nil
}

func equalScalar(a, b any) bool {
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// clone deep-copies JSON-shaped values so defaults are never shared.
func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	}
	return v
}
