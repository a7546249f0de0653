// Package metadata defines the structured attribute mapping attached to
// every stored key, and the serializers used to persist it.
//
// Values are restricted to a small tagged variant so that every serializer
// can round-trip them:
//
//	nil, bool, int64, float64, string, []any, map[string]any
//
// Normalize converts common Go values (int, uint32, float32, []string,
// nested maps, json.Number, ...) into that variant.
package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Metadata maps caller-defined field names to structured values.
type Metadata map[string]any

// New builds normalized metadata from m.
func New(m map[string]any) (Metadata, error) {
	out := make(Metadata, len(m))
	for k, v := range m {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// MustNew is like New but panics on unsupported values. Intended for
// literals in tests and examples.
func MustNew(m map[string]any) Metadata {
	md, err := New(m)
	if err != nil {
		panic(err)
	}
	return md
}

// Normalize converts v into the metadata value variant.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x)), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return normalizeUint(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", x.String())
		}
		return f, nil
	case Metadata:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("unsupported map key type %T", k)
			}
			m[ks] = val
		}
		return normalizeMap(m)
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			nv, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, fmt.Errorf("unsupported metadata value type %T", v)
		}
		out := make([]any, rv.Len())
		for i := range out {
			nv, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return normalizeMap(m)
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return normalizeUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}

	return nil, fmt.Errorf("unsupported metadata value type %T", v)
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Clone returns a deep copy of m. A nil receiver yields nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = cloneValue(val)
		}
		return out
	case Metadata:
		return map[string]any(x.Clone())
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Select returns the requested fields that are present in m. Fields absent
// from m are omitted, never reported as an error. A nil fields slice
// selects everything.
func (m Metadata) Select(fields []string) Metadata {
	if fields == nil {
		return m.Clone()
	}
	out := make(Metadata, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = cloneValue(v)
		}
	}
	return out
}

// Merge overwrites the fields of m mentioned in update and keeps the rest.
// It returns m, allocating it when nil.
func (m Metadata) Merge(update Metadata) Metadata {
	if m == nil {
		m = make(Metadata, len(update))
	}
	for k, v := range update {
		m[k] = cloneValue(v)
	}
	return m
}

// Match reports whether every predicate equals the corresponding field of
// m. An absent field compares as nil.
func (m Metadata) Match(predicates Metadata) bool {
	for field, want := range predicates {
		if !Equal(m[field], want) {
			return false
		}
	}
	return true
}

// ParseValue reads a value written on a command line or in a query
// string. Valid JSON is decoded and normalized; anything else is taken as
// a plain string, so "3" is the integer 3 and "abc" the string "abc".
func ParseValue(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw, nil
	}
	return Normalize(v)
}

// Fields returns the field names of m in sorted order.
func (m Metadata) Fields() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal compares two metadata values after normalization. Integers and
// floats compare by numeric value, so int64(1) equals float64(1).
func Equal(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return equalNormalized(na, nb)
}

// EqualMetadata compares two metadata mappings field by field. A nil
// mapping equals an empty one.
func EqualMetadata(a, b Metadata) bool {
	return Equal(map[string]any(a), map[string]any(b))
}

func equalNormalized(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
		return false
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalNormalized(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !equalNormalized(xv, yv) {
				return false
			}
		}
		return true
	}
	return false
}
