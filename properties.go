package trackkit

import (
	"fmt"
)

// normalizeProperties validates and coerces an application-supplied
// property map into its JSON-compatible form: strings, bools, float64
// numbers, and nested maps and lists thereof. Integer and float types
// are coerced to float64 so that a persisted-and-reloaded event
// compares equal to the original. Unsupported types are rejected at
// this boundary rather than surfacing as opaque values downstream.
//
// A nil input stays nil. The input map is never mutated.
func normalizeProperties(props map[string]any) (map[string]any, error) {
	if props == nil {
		return nil, nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// normalizeValue coerces a single property value, recursing into maps
// and lists.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return val, nil
	case bool:
		return val, nil
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int8:
		return float64(val), nil
	case int16:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint8:
		return float64(val), nil
	case uint16:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case map[string]any:
		return normalizeProperties(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			ni, err := normalizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = ni
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}
