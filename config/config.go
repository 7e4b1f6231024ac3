// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the tripchat process configuration from YAML and
// watches it for changes to the dynamic subset (log level, conflict
// policy).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize is the maximum allowed config file size (1MB).
const MaxConfigFileSize = 1024 * 1024

// Duration decodes YAML durations written in Go's form, e.g. "15s" or
// "2m30s". yaml.v3 has no native time.Duration support.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// AsDuration converts to the standard library type.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Config is the process configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
}

// ServiceConfig configures the debug/status HTTP surface.
type ServiceConfig struct {
	// ListenAddr is the status server bind address. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures the process logger. Level is hot-reloadable.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=memory badger"`
	Path       string `yaml:"path"`
	QuotaBytes int64  `yaml:"quota_bytes"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// RealtimeConfig points at the external collaborators.
type RealtimeConfig struct {
	GatewayURL    string   `yaml:"gateway_url" validate:"required"`
	TokenEndpoint string   `yaml:"token_endpoint" validate:"required"`
	APIBaseURL    string   `yaml:"api_base_url" validate:"required"`
	AckTimeout    Duration `yaml:"ack_timeout"`
}

// SessionConfig identifies the session and its behavior. ConflictPolicy
// is hot-reloadable.
type SessionConfig struct {
	TripID         string    `yaml:"trip_id" validate:"required"`
	UserID         string    `yaml:"user_id" validate:"required"`
	DisplayName    string    `yaml:"display_name"`
	TripDate       time.Time `yaml:"trip_date"`
	Privileged     bool      `yaml:"privileged"`
	AutoTransition bool      `yaml:"auto_transition"`
	ConflictPolicy string    `yaml:"conflict_policy" validate:"omitempty,oneof=client server manual"`
	RetentionDays  int       `yaml:"retention_days"`
	FlushPerSecond float64   `yaml:"flush_per_second"`
}

// Default returns the configuration defaults applied before the YAML
// overlay.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			ListenAddr: "127.0.0.1:8260",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Backend: "badger",
			Path:    "~/.tripchat/data",
		},
		Realtime: RealtimeConfig{
			AckTimeout: Duration(15 * time.Second),
		},
		Session: SessionConfig{
			AutoTransition: true,
			ConflictPolicy: "server",
			RetentionDays:  30,
			FlushPerSecond: 10,
		},
	}
}

var validate = validator.New()

// Load reads, parses, and validates the config file at path, overlaying
// it on Default.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileSize)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Backend == "badger" && c.Storage.Path == "" {
		return errors.New("invalid config: storage.path required for the badger backend")
	}
	if c.Session.RetentionDays <= 0 {
		c.Session.RetentionDays = 30
	}
	if c.Session.FlushPerSecond <= 0 {
		c.Session.FlushPerSecond = 10
	}
	return nil
}

// Retention converts the configured retention to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Session.RetentionDays) * 24 * time.Hour
}
