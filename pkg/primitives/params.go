package primitives

import (
	"encoding/json"
)

// Params are the keyword parameters of one primitive call. Values come from
// Go callers or decoded JSON, so numbers may be any numeric type.
type Params map[string]any

// Float returns the numeric parameter key, or def when absent or not a number.
func (p Params) Float(key string, def float64) float64 {
	if f, ok := asFloat(p[key]); ok {
		return f
	}
	return def
}

// Floats returns the numeric slice parameter key, or nil.
func (p Params) Floats(key string) []float64 {
	switch v := p[key].(type) {
	case []float64:
		return append([]float64(nil), v...)
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out
	case []any:
		// Decoded JSON; any non-number invalidates the whole slice
		out := make([]float64, 0, len(v))
		for _, e := range v {
			f, ok := asFloat(e)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	}
	return nil
}

// String returns the string parameter key, or "".
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// asFloat converts the numeric types produced by Go callers and JSON decoding.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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
