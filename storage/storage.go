// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage abstracts the two key-value mechanisms tripchat persists
// into: a synchronous in-process store with a hard byte quota, and an
// embedded transactional store backed by BadgerDB.
//
// Both are exposed through the same Adapter interface so the persistence
// layer is selected at construction time and never branches on the backend.
//
// Thread Safety: all Adapter implementations in this package are safe for
// concurrent use.
package storage

import (
	"context"
	"errors"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrKeyNotFound is returned by Get for keys that do not exist.
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrQuotaExceeded is returned by Set when a write would exceed the
	// store's byte budget. Callers are expected to evict and retry.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrStoreClosed is returned by all operations after Close.
	ErrStoreClosed = errors.New("storage: store closed")
)

// -----------------------------------------------------------------------------
// Adapter
// -----------------------------------------------------------------------------

// Adapter is the capability set tripchat requires of a key-value store.
//
// Description:
//
//	Get/Set/Remove/Clear are last-writer-wins at the key level. Keys
//	returns all keys with the given prefix in ascending lexicographic
//	order, which the persistence layer relies on for deterministic
//	namespace scans. ApproxSize is advisory and may be an estimate.
type Adapter interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	// Returns ErrQuotaExceeded when the store's budget would be exceeded.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Clear deletes every key in the store.
	Clear(ctx context.Context) error

	// Keys lists all keys with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// ApproxSize returns the approximate stored size in bytes.
	ApproxSize(ctx context.Context) (int64, error)

	// Close releases underlying resources. Safe to call multiple times.
	Close() error
}
