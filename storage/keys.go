package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Record is one stored row in its generic JSON form.
type Record map[string]any

// toRecord converts a struct or map into a Record through its JSON representation,
// so numbers become float64 and slices become []any.
func toRecord(v any) (Record, error) {
	if r, ok := v.(Record); ok {
		v = map[string]any(r)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("record must be a JSON object")
	}
	return r, nil
}

// normalizeKey brings caller-supplied keys into the form stored records use.
func normalizeKey(key any) any {
	switch k := key.(type) {
	case nil, string, float64:
		return k
	case int:
		return float64(k)
	case int64:
		return float64(k)
	case uint32:
		return float64(k)
	case []any:
		out := make([]any, len(k))
		for i, v := range k {
			out[i] = normalizeKey(v)
		}
		return out
	case []string:
		out := make([]any, len(k))
		for i, v := range k {
			out[i] = v
		}
		return out
	}
	data, err := json.Marshal(key)
	if err != nil {
		return key
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return key
	}
	return v
}

// validKey reports whether v may be used as a primary or index key.
func validKey(v any) bool {
	switch k := v.(type) {
	case string, float64:
		return true
	case []any:
		for _, e := range k {
			if !validKey(e) {
				return false
			}
		}
		return true
	}
	return false
}

func keyRank(v any) int {
	switch v.(type) {
	case float64:
		return 0
	case string:
		return 1
	case []any:
		return 2
	}
	return 3
}

// compareKeys orders numbers before strings before arrays; arrays compare element-wise.
func compareKeys(a, b any) int {
	ra, rb := keyRank(a), keyRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		return strings.Compare(x, b.(string))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := compareKeys(x[i], y[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(x) < len(y):
			return -1
		case len(x) > len(y):
			return 1
		}
	}
	return 0
}

// encodeKey turns a normalized key into the identifier backends store rows under.
func encodeKey(key any) string {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Sprint(key)
	}
	return string(data)
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case Record:
		return cloneRecord(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}
