// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the editor write/rename bursts into one
// reload.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file on change and hands the parsed result
// to a callback. Only the dynamic subset should be applied by callers;
// structural settings (storage backend, endpoints) need a restart.
//
// Thread Safety: safe for concurrent use. Start should only be called
// once.
type Watcher struct {
	path     string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	onReload func(*Config)
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, logger *slog.Logger, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger.With(slog.String("component", "config_watcher")),
		watcher:  fw,
		onReload: onReload,
	}, nil
}

// Start blocks watching for changes until the context is cancelled.
// Should be run in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	// Watch the directory, not the file: editors replace files via
	// rename, which drops a file-level watch.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch config directory",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return
	}

	base := filepath.Base(w.path)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// A half-written or invalid file keeps the previous config.
		w.logger.Warn("config reload rejected", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
