// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
service:
  listen_addr: "127.0.0.1:9000"
logging:
  level: debug
storage:
  backend: memory
realtime:
  gateway_url: "ws://localhost:8261/ws"
  token_endpoint: "http://localhost:8262/token"
  api_base_url: "http://localhost:8262/api"
session:
  trip_id: trip-1
  user_id: user-1
  conflict_policy: manual
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tripchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Service.ListenAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "manual", cfg.Session.ConflictPolicy)

	// Defaults survive under the overlay.
	assert.Equal(t, 30, cfg.Session.RetentionDays)
	assert.Equal(t, 15*time.Second, cfg.Realtime.AckTimeout.AsDuration())
	assert.True(t, cfg.Session.AutoTransition)
}

func TestLoad_ParsesDurationStrings(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storage:
  backend: memory
realtime:
  gateway_url: "ws://x/ws"
  token_endpoint: "http://x/token"
  api_base_url: "http://x/api"
  ack_timeout: 2m30s
session:
  trip_id: trip-1
  user_id: user-1
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute+30*time.Second, cfg.Realtime.AckTimeout.AsDuration())
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
storage:
  backend: memory
realtime:
  gateway_url: "ws://x/ws"
  token_endpoint: "http://x/token"
  api_base_url: "http://x/api"
  ack_timeout: fifteen
session:
  trip_id: trip-1
  user_id: user-1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
storage:
  backend: memory
session:
  trip_id: trip-1
`))
	require.Error(t, err)
}

func TestLoad_RejectsBadEnums(t *testing.T) {
	_, err := Load(writeConfig(t, `
logging:
  level: loud
storage:
  backend: memory
realtime:
  gateway_url: "ws://x/ws"
  token_endpoint: "http://x/token"
  api_base_url: "http://x/api"
session:
  trip_id: trip-1
  user_id: user-1
`))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_BadgerRequiresPath(t *testing.T) {
	_, err := Load(writeConfig(t, `
storage:
  backend: badger
  path: ""
realtime:
  gateway_url: "ws://x/ws"
  token_endpoint: "http://x/token"
  api_base_url: "http://x/api"
session:
  trip_id: trip-1
  user_id: user-1
`))
	require.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, validYAML)

	var mu sync.Mutex
	var got *Config
	w, err := NewWatcher(path, nil, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// Let the watch attach before writing.
	time.Sleep(100 * time.Millisecond)

	updated := `
logging:
  level: warn
storage:
  backend: memory
realtime:
  gateway_url: "ws://localhost:8261/ws"
  token_endpoint: "http://localhost:8262/token"
  api_base_url: "http://localhost:8262/api"
session:
  trip_id: trip-1
  user_id: user-1
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Logging.Level == "warn"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWatcher_KeepsPreviousOnInvalidFile(t *testing.T) {
	path := writeConfig(t, validYAML)

	reloads := make(chan *Config, 4)
	w, err := NewWatcher(path, nil, func(cfg *Config) { reloads <- cfg })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("storage: [broken"), 0o600))

	select {
	case cfg := <-reloads:
		t.Fatalf("invalid config must not trigger a reload, got %+v", cfg)
	case <-time.After(time.Second):
	}
}
