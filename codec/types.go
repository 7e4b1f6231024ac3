// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Type discriminators embedded in encoded output. Decoding uses these to
// restore the concrete Go type instead of a generic JSON shape.
const (
	tagKey   = "$t"
	valueKey = "v"

	tagDate       = "date"
	tagSet        = "set"
	tagOrderedMap = "omap"
)

// -----------------------------------------------------------------------------
// Time
// -----------------------------------------------------------------------------

// Time is a time.Time that encodes as a tagged Unix-millisecond value so it
// survives the codec round trip with its type intact.
type Time struct {
	time.Time
}

// NewTime wraps a time.Time, truncating to millisecond precision to match
// the wire representation.
func NewTime(t time.Time) Time {
	return Time{Time: time.UnixMilli(t.UnixMilli()).UTC()}
}

// Now returns the current time as a codec.Time.
func Now() Time {
	return NewTime(time.Now())
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		tagKey:   tagDate,
		valueKey: t.UnixMilli(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. It accepts both the tagged form
// and a bare integer for leniency toward hand-written fixtures.
func (t *Time) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	var tagged struct {
		Tag   string `json:"$t"`
		Value int64  `json:"v"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("decode tagged time: %w", err)
	}
	if tagged.Tag != tagDate {
		return fmt.Errorf("unexpected tag %q for time value", tagged.Tag)
	}
	t.Time = time.UnixMilli(tagged.Value).UTC()
	return nil
}

// -----------------------------------------------------------------------------
// StringSet
// -----------------------------------------------------------------------------

// StringSet is a uniqueness set of strings that encodes as a tagged, sorted
// array. The sort makes encoding deterministic; membership is unordered.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Add inserts a member.
func (s StringSet) Add(member string) {
	s[member] = struct{}{}
}

// Delete removes a member. Removing a missing member is a no-op.
func (s StringSet) Delete(member string) {
	delete(s, member)
}

// Has reports membership.
func (s StringSet) Has(member string) bool {
	_, ok := s[member]
	return ok
}

// Len returns the member count.
func (s StringSet) Len() int {
	return len(s)
}

// Slice returns the members in ascending order.
func (s StringSet) Slice() []string {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON implements json.Marshaler.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		tagKey:   tagSet,
		valueKey: s.Slice(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. Accepts the tagged form and a
// bare array.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var members []string
	if err := json.Unmarshal(data, &members); err == nil {
		*s = NewStringSet(members...)
		return nil
	}

	var tagged struct {
		Tag   string   `json:"$t"`
		Value []string `json:"v"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("decode tagged set: %w", err)
	}
	if tagged.Tag != tagSet {
		return fmt.Errorf("unexpected tag %q for set value", tagged.Tag)
	}
	*s = NewStringSet(tagged.Value...)
	return nil
}

// -----------------------------------------------------------------------------
// OrderedMap
// -----------------------------------------------------------------------------

// OrderedMap is a string-keyed map that preserves insertion order across the
// codec round trip. It encodes as a tagged array of [key, value] pairs.
type OrderedMap struct {
	keys   []string
	values map[string]any
}

// NewOrderedMap creates an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]any)}
}

// Set inserts or updates a key. A new key is appended to the order; an
// existing key keeps its position.
func (m *OrderedMap) Set(key string, value any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key.
func (m *OrderedMap) Get(key string) (any, bool) {
	if m.values == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Delete removes a key, preserving the order of the remaining keys.
func (m *OrderedMap) Delete(key string) {
	if m.values == nil {
		return
	}
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *OrderedMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// MarshalJSON implements json.Marshaler.
func (m OrderedMap) MarshalJSON() ([]byte, error) {
	pairs := make([][2]any, 0, len(m.keys))
	for _, k := range m.keys {
		pairs = append(pairs, [2]any{k, m.values[k]})
	}
	return json.Marshal(map[string]any{
		tagKey:   tagOrderedMap,
		valueKey: pairs,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *OrderedMap) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Tag   string            `json:"$t"`
		Value []json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("decode tagged map: %w", err)
	}
	if tagged.Tag != tagOrderedMap {
		return fmt.Errorf("unexpected tag %q for ordered map", tagged.Tag)
	}

	out := NewOrderedMap()
	for _, raw := range tagged.Value {
		var pair [2]json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			return fmt.Errorf("decode map pair: %w", err)
		}
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return fmt.Errorf("decode map key: %w", err)
		}
		var value any
		if err := json.Unmarshal(pair[1], &value); err != nil {
			return fmt.Errorf("decode map value %q: %w", key, err)
		}
		out.Set(key, reviveValue(value))
	}
	*m = *out
	return nil
}
