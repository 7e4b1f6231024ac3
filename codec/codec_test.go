// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	Name     string      `json:"name"`
	When     Time        `json:"when"`
	Members  StringSet   `json:"members"`
	Prefs    *OrderedMap `json:"prefs"`
	Count    int         `json:"count"`
	Optional *string     `json:"optional,omitempty"`
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	prefs := NewOrderedMap()
	prefs.Set("theme", "dark")
	prefs.Set("sound", true)
	prefs.Set("volume", float64(7))

	in := fixture{
		Name:    "prep",
		When:    NewTime(time.Date(2026, 6, 14, 9, 30, 0, 0, time.UTC)),
		Members: NewStringSet("u2", "u1", "u3"),
		Prefs:   prefs,
		Count:   3,
	}

	encoded, err := Encode(in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, FormatVersion+":"))

	var out fixture
	require.NoError(t, Decode(encoded, &out))
	assert.Equal(t, in.Name, out.Name)
	assert.True(t, in.When.Equal(out.When.Time), "time must round-trip")
	assert.Equal(t, in.Members, out.Members)
	assert.Equal(t, in.Prefs.Keys(), out.Prefs.Keys(), "map order must survive")
	assert.Equal(t, in.Count, out.Count)

	theme, ok := out.Prefs.Get("theme")
	require.True(t, ok)
	assert.Equal(t, "dark", theme)
}

func TestDecodeValue_RestoresTaggedTypes(t *testing.T) {
	when := NewTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	in := map[string]any{
		"when":    when,
		"members": NewStringSet("a", "b"),
		"nested":  []any{NewStringSet("x")},
	}

	encoded, err := Encode(in)
	require.NoError(t, err)

	v, ok := DecodeValue(encoded)
	require.True(t, ok)

	tree, ok := v.(map[string]any)
	require.True(t, ok)

	gotWhen, ok := tree["when"].(Time)
	require.True(t, ok, "date must decode to codec.Time, got %T", tree["when"])
	assert.True(t, when.Equal(gotWhen.Time))

	gotMembers, ok := tree["members"].(StringSet)
	require.True(t, ok, "set must decode to codec.StringSet")
	assert.Equal(t, []string{"a", "b"}, gotMembers.Slice())

	nested, ok := tree["nested"].([]any)
	require.True(t, ok)
	_, ok = nested[0].(StringSet)
	assert.True(t, ok, "sets nested in arrays must be restored too")
}

func TestDecodeValue_EmptyOnGarbage(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty string", ""},
		{"no prefix", "not-encoded-at-all"},
		{"wrong version", "tc9:AAAA"},
		{"bad base64", FormatVersion + ":!!!!"},
		{"not gzip", FormatVersion + ":aGVsbG8="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := DecodeValue(tt.in)
			assert.False(t, ok)
			assert.Nil(t, v)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	var out fixture
	assert.ErrorIs(t, Decode("tc9:AAAA", &out), ErrBadFormat)
	assert.ErrorIs(t, Decode(FormatVersion+":!!!!", &out), ErrCorrupt)
}

func TestOrderedMap_DeletePreservesOrder(t *testing.T) {
	m := NewOrderedMap()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)
	m.Delete("b")
	assert.Equal(t, []string{"a", "c"}, m.Keys())

	m.Set("b", 4)
	assert.Equal(t, []string{"a", "c", "b"}, m.Keys())
}

func TestStringSet_Basics(t *testing.T) {
	s := NewStringSet("a")
	s.Add("b")
	s.Add("b")
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has("a"))
	s.Delete("a")
	assert.False(t, s.Has("a"))
	s.Delete("a") // no-op
}
