package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Lookup follows a dotted path through nested mappings and returns the value
// found, or nil if any segment is missing. Numeric segments index into
// sequences. An empty path returns v itself.
func Lookup(v any, path string) any {
	if path == "" {
		return v
	}
	for _, seg := range strings.Split(path, ".") {
		if m, ok := record(v); ok {
			next, ok := m[seg]
			if !ok {
				return nil
			}
			v = next
			continue
		}
		if isSequence(v) {
			seq, _ := sequence(v)
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(seq) {
				return nil
			}
			v = seq[i]
			continue
		}
		return nil
	}
	return v
}

// record views v as a mapping with string keys.
func record(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func isSequence(v any) bool {
	switch v.(type) {
	case []any, []map[string]any:
		return true
	case nil, string, []byte, json.RawMessage:
		return false
	}
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// sequence views v as a []any.
func sequence(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out, nil
	}
	if !isSequence(v) {
		return nil, fmt.Errorf("%w: %T is not a sequence", ErrBadInput, v)
	}
	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// records views v as a sequence of mappings.
func records(v any) ([]map[string]any, error) {
	seq, err := sequence(v)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(seq))
	for i, e := range seq {
		m, ok := record(e)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %T, not a record", ErrBadInput, i, e)
		}
		out[i] = m
	}
	return out, nil
}

// joinKey normalizes a join key so that numbers compare by value whatever
// their Go type. Integers and integral floats within int64 range become
// int64, so large IDs keep their precision. Absent and non-comparable keys
// report false.
func joinKey(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case string, bool:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return uintKey(uint64(x)), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return uintKey(x), true
	case float32:
		return floatKey(float64(x)), true
	case float64:
		return floatKey(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil {
			return floatKey(f), true
		}
		return x.String(), true
	}
	if !reflect.ValueOf(v).Comparable() {
		return nil, false
	}
	return v, true
}

func uintKey(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

func floatKey(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

// keyString renders a keying value for use inside a store key.
func keyString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
