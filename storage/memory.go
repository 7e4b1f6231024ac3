// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// DefaultMemoryQuotaBytes is the default byte budget for a MemoryStore,
// sized to match the quota a browser-style synchronous store would grant.
const DefaultMemoryQuotaBytes = 5 * 1024 * 1024

// MemoryStore is the synchronous key-value Adapter.
//
// Description:
//
//	An in-process map with a hard byte budget. Every operation completes
//	without suspension; the context parameter exists only to satisfy the
//	Adapter contract and is checked for early cancellation.
//
//	Set accounts for both key and value bytes. A write that would push
//	the total over the quota fails with ErrQuotaExceeded and leaves the
//	store unchanged, mirroring the all-or-nothing behavior of
//	quota-limited synchronous storage.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	size   int64
	quota  int64
	closed bool
}

// NewMemoryStore creates a MemoryStore with the given byte quota.
// A quota of 0 or less uses DefaultMemoryQuotaBytes.
func NewMemoryStore(quotaBytes int64) *MemoryStore {
	if quotaBytes <= 0 {
		quotaBytes = DefaultMemoryQuotaBytes
	}
	return &MemoryStore{
		data:  make(map[string][]byte),
		quota: quotaBytes,
	}
}

// Get implements Adapter.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set implements Adapter. Fails with ErrQuotaExceeded when the write would
// exceed the byte budget.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delta := entrySize(key, value)
	if old, ok := m.data[key]; ok {
		delta -= entrySize(key, old)
	}
	if m.size+delta > m.quota {
		return ErrQuotaExceeded
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.size += delta
	return nil
}

// Remove implements Adapter.
func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if old, ok := m.data[key]; ok {
		m.size -= entrySize(key, old)
		delete(m.data, key)
	}
	return nil
}

// Clear implements Adapter.
func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.data = make(map[string][]byte)
	m.size = 0
	return nil
}

// Keys implements Adapter. Keys are returned in ascending order.
func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ApproxSize implements Adapter. For MemoryStore the size is exact.
func (m *MemoryStore) ApproxSize(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return m.size, nil
}

// Close implements Adapter.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	m.size = 0
	return nil
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
