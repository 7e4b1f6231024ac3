// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/tripchat/codec"
	"github.com/driftline/tripchat/storage"
)

type draftsRecord struct {
	Drafts map[string]string `json:"drafts"`
}

func newTestManager(t *testing.T, store storage.Adapter, now func() time.Time) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if now != nil {
		cfg.Now = now
	}
	m, err := NewManager(store, cfg)
	require.NoError(t, err)
	return m
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	defer store.Close()
	m := newTestManager(t, store, nil)

	in := draftsRecord{Drafts: map[string]string{"preparation": "hi"}}
	require.NoError(t, m.Save(ctx, "trip-1", "user-1", CategoryDrafts, in))

	var out draftsRecord
	env, err := m.Load(ctx, "trip-1", "user-1", CategoryDrafts, &out)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	assert.Greater(t, env.Timestamp, int64(0))
}

func TestManager_LoadMissing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	defer store.Close()
	m := newTestManager(t, store, nil)

	var out draftsRecord
	_, err := m.Load(ctx, "trip-1", "user-1", CategoryDrafts, &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_LoadVersionMismatchStillReturns(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	defer store.Close()
	m := newTestManager(t, store, nil)

	// Hand-write an envelope with an older schema version.
	env := Envelope{
		SchemaVersion: "0.9",
		Timestamp:     time.Now().UnixMilli(),
		Payload:       []byte(`{"drafts":{"live":"old"}}`),
	}
	encoded, err := codec.Encode(env)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, Key("trip-1", "user-1", CategoryDrafts), []byte(encoded)))

	var out draftsRecord
	got, err := m.Load(ctx, "trip-1", "user-1", CategoryDrafts, &out)
	require.NoError(t, err, "version mismatch must not fail the load")
	assert.Equal(t, "0.9", got.SchemaVersion)
	assert.Equal(t, "old", out.Drafts["live"])
}

func TestManager_ClearUserData(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	defer store.Close()
	m := newTestManager(t, store, nil)

	for _, category := range Categories {
		require.NoError(t, m.Save(ctx, "trip-1", "user-1", category, map[string]string{"k": "v"}))
	}
	require.NoError(t, m.Save(ctx, "trip-1", "user-2", CategorySession, map[string]string{"k": "v"}))

	require.NoError(t, m.ClearUserData(ctx, "trip-1", "user-1"))

	keys, err := store.Keys(ctx, Namespace)
	require.NoError(t, err)
	assert.Equal(t, []string{Key("trip-1", "user-2", CategorySession)}, keys)
}

func TestManager_ClearExpired(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	defer store.Close()

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	m := newTestManager(t, store, func() time.Time { return clock })

	// Old record: written 40 days before "now".
	clock = now.Add(-40 * 24 * time.Hour)
	require.NoError(t, m.Save(ctx, "trip-old", "user-1", CategorySession, map[string]string{"k": "v"}))

	// Fresh record.
	clock = now
	require.NoError(t, m.Save(ctx, "trip-new", "user-1", CategorySession, map[string]string{"k": "v"}))

	// Undecodable record is removed too.
	require.NoError(t, store.Set(ctx, Namespace+"corrupt", []byte("garbage")))

	removed, err := m.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := store.Keys(ctx, Namespace)
	require.NoError(t, err)
	assert.Equal(t, []string{Key("trip-new", "user-1", CategorySession)}, keys)
}

// quotaStore wraps a MemoryStore and rejects Sets with ErrQuotaExceeded
// until enough keys have been removed.
type quotaStore struct {
	*storage.MemoryStore
	failUntilRemoved int
	removed          int
	setAttempts      int
}

func (q *quotaStore) Set(ctx context.Context, key string, value []byte) error {
	q.setAttempts++
	if q.removed < q.failUntilRemoved {
		return storage.ErrQuotaExceeded
	}
	return q.MemoryStore.Set(ctx, key, value)
}

func (q *quotaStore) Remove(ctx context.Context, key string) error {
	q.removed++
	return q.MemoryStore.Remove(ctx, key)
}

func TestManager_QuotaEvictionRetriesOnce(t *testing.T) {
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	clock := now

	// Seed eight records directly so the eviction pass has a population
	// with distinct ages. Oldest 25% of 8 keys = 2 evictions expected.
	mem := storage.NewMemoryStore(0)
	defer mem.Close()
	seed := newTestManager(t, mem, func() time.Time { return clock })
	for i := 0; i < 8; i++ {
		clock = now.Add(time.Duration(i) * time.Hour)
		require.NoError(t,
			seed.Save(ctx, "trip-1", "user-"+string(rune('a'+i)), CategorySession, map[string]int{"i": i}))
	}

	q := &quotaStore{MemoryStore: mem, failUntilRemoved: 1}
	m := newTestManager(t, q, func() time.Time { return clock })

	require.NoError(t, m.Save(ctx, "trip-1", "user-z", CategorySession, map[string]string{"k": "v"}))

	// One failed attempt plus exactly one retry.
	assert.Equal(t, 2, q.setAttempts)
	// Oldest 25% of 8 keys.
	assert.Equal(t, 2, q.removed)

	// The two oldest records (user-a, user-b) were evicted.
	_, err := m.Load(ctx, "trip-1", "user-a", CategorySession, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Load(ctx, "trip-1", "user-b", CategorySession, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Load(ctx, "trip-1", "user-c", CategorySession, nil)
	assert.NoError(t, err)
}

func TestManager_QuotaSecondFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore(0)
	defer mem.Close()

	// Never recovers: every Set fails regardless of evictions.
	q := &quotaStore{MemoryStore: mem, failUntilRemoved: 1 << 30}
	m := newTestManager(t, q, nil)

	err := m.Save(ctx, "trip-1", "user-1", CategorySession, map[string]string{"k": "v"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
	assert.Equal(t, 2, q.setAttempts, "exactly one retry after eviction")
}
