// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package codec implements the reversible encoding used by the persistence
// layer: JSON with type discriminators for dates, ordered maps, and
// uniqueness sets, followed by a gzip compression stage and a base64 text
// encoding. Every encoded string carries a format version prefix so readers
// can detect incompatible payloads without guessing.
//
// Decoding never panics. Typed decoding returns an error the caller may
// ignore; untyped decoding (DecodeValue) degrades to a "nothing restored"
// result, so a corrupt record costs at most the data it held.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// FormatVersion is the codec wire format identifier. Bump it only for
// incompatible changes to the tagging or compression scheme.
const FormatVersion = "tc1"

// maxDecodedBytes caps decompressed payload size to keep a corrupt or
// hostile record from exhausting memory.
const maxDecodedBytes = 16 * 1024 * 1024

var (
	// ErrBadFormat is returned when input lacks the version prefix or the
	// prefix names an unknown format version.
	ErrBadFormat = errors.New("codec: unrecognized format")

	// ErrCorrupt is returned when the payload fails base64, gzip, or JSON
	// decoding.
	ErrCorrupt = errors.New("codec: corrupt payload")
)

// Encode serializes v as tagged JSON, compresses it, and returns a
// version-prefixed base64 string.
func Encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec marshal: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("codec compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("codec compress: %w", err)
	}

	return FormatVersion + ":" + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode into the given destination, which must be a
// non-nil pointer. Errors are ErrBadFormat for version problems and
// ErrCorrupt (wrapped) for damaged payloads.
func Decode(encoded string, into any) error {
	raw, err := decodeRaw(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return nil
}

// DecodeValue reverses Encode into an untyped value, restoring tagged dates,
// sets, and ordered maps to their concrete types. The second return is false
// when nothing could be restored; the first return is then nil, the
// well-defined empty result.
func DecodeValue(encoded string) (any, bool) {
	raw, err := decodeRaw(encoded)
	if err != nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return reviveValue(v), true
}

func decodeRaw(encoded string) ([]byte, error) {
	prefix, payload, found := strings.Cut(encoded, ":")
	if !found || prefix != FormatVersion {
		return nil, fmt.Errorf("%w: %q", ErrBadFormat, prefix)
	}

	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %w", ErrCorrupt, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %w", ErrCorrupt, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxDecodedBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %w", ErrCorrupt, err)
	}
	return raw, nil
}

// reviveValue walks a decoded JSON tree and replaces tagged nodes with their
// concrete types.
func reviveValue(v any) any {
	switch node := v.(type) {
	case []any:
		for i, item := range node {
			node[i] = reviveValue(item)
		}
		return node
	case map[string]any:
		if revived, ok := reviveTagged(node); ok {
			return revived
		}
		for k, item := range node {
			node[k] = reviveValue(item)
		}
		return node
	default:
		return v
	}
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func reviveTagged(node map[string]any) (any, bool) {
	tag, ok := node[tagKey].(string)
	if !ok || len(node) != 2 {
		return nil, false
	}

	switch tag {
	case tagDate:
		ms, ok := node[valueKey].(float64)
		if !ok {
			return nil, false
		}
		return NewTime(timeFromMillis(int64(ms))), true

	case tagSet:
		items, ok := node[valueKey].([]any)
		if !ok {
			return nil, false
		}
		set := make(StringSet, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			set.Add(s)
		}
		return set, true

	case tagOrderedMap:
		pairs, ok := node[valueKey].([]any)
		if !ok {
			return nil, false
		}
		m := NewOrderedMap()
		for _, p := range pairs {
			pair, ok := p.([]any)
			if !ok || len(pair) != 2 {
				return nil, false
			}
			key, ok := pair[0].(string)
			if !ok {
				return nil, false
			}
			m.Set(key, reviveValue(pair[1]))
		}
		return m, true
	}
	return nil, false
}
