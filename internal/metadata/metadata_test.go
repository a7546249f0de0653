package metadata

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"int", 3, int64(3)},
		{"uint32", uint32(7), int64(7)},
		{"huge uint64", uint64(math.MaxUint64), float64(math.MaxUint64)},
		{"float32", float32(1.5), 1.5},
		{"json integer", json.Number("12"), int64(12)},
		{"json float", json.Number("1.25"), 1.25},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"nested map", map[string]int{"x": 1}, map[string]any{"x": int64(1)}},
		{"yaml map", map[any]any{"k": []any{1}}, map[string]any{"k": []any{int64(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("Unsupported values", func(t *testing.T) {
		for _, v := range []any{[]byte("x"), struct{}{}, map[int]string{1: "a"}, make(chan int)} {
			_, err := Normalize(v)
			assert.Error(t, err, "%T", v)
		}
	})
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(int64(1), 1.0))
	assert.True(t, Equal(1, int64(1)))
	assert.False(t, Equal(1, "1"))
	assert.False(t, Equal(nil, false))
	assert.False(t, Equal([]any{1, "a"}, []string{"1", "a"}))
	assert.True(t, Equal(map[string]any{"a": []any{1}}, map[string]any{"a": []any{1.0}}))
	assert.True(t, EqualMetadata(nil, Metadata{}))
	assert.False(t, EqualMetadata(Metadata{"a": nil}, Metadata{}))
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"3", int64(3)},
		{"2.5", 2.5},
		{"true", true},
		{"null", nil},
		{`"3"`, "3"},
		{`[1, "a"]`, []any{int64(1), "a"}},
		{`{"x": 1}`, map[string]any{"x": int64(1)}},
		{"abc", "abc"},
		{"1 2", "1 2"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseValue(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetadataOperations(t *testing.T) {
	md := MustNew(map[string]any{"a": 1, "b": map[string]any{"c": "d"}})

	t.Run("Select omits absent fields", func(t *testing.T) {
		assert.Equal(t, Metadata{"a": int64(1)}, md.Select([]string{"a", "missing"}))
		assert.Equal(t, Metadata{}, md.Select([]string{}))
		assert.Equal(t, md, md.Select(nil))
	})

	t.Run("Clone is deep", func(t *testing.T) {
		c := md.Clone()
		c["b"].(map[string]any)["c"] = "changed"
		assert.Equal(t, "d", md["b"].(map[string]any)["c"])
	})

	t.Run("Merge keeps unmentioned fields", func(t *testing.T) {
		m := md.Clone().Merge(Metadata{"a": int64(2), "z": true})
		assert.Equal(t, int64(2), m["a"])
		assert.Equal(t, true, m["z"])
		assert.Contains(t, m, "b")

		var empty Metadata
		assert.Equal(t, Metadata{"x": "y"}, empty.Merge(Metadata{"x": "y"}))
	})

	t.Run("Match", func(t *testing.T) {
		assert.True(t, md.Match(nil))
		assert.True(t, md.Match(Metadata{"a": 1.0}))
		assert.True(t, md.Match(Metadata{"missing": nil}))
		assert.False(t, md.Match(Metadata{"a": int64(2)}))
		assert.False(t, md.Match(Metadata{"a": int64(1), "missing": "x"}))
	})

	t.Run("Fields are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b"}, md.Fields())
	})
}
