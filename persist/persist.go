// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package persist stores per-(trip, user) session state through the storage
// Adapter and the codec. Each record is an envelope {schema version,
// timestamp, payload} so retention cleanup and quota eviction can order
// records by age without understanding their payloads.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftline/tripchat/codec"
	"github.com/driftline/tripchat/storage"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound indicates no record exists for the requested key.
	ErrNotFound = errors.New("persist: record not found")

	// ErrDecode indicates a stored record could not be decoded.
	ErrDecode = errors.New("persist: record decode failed")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripchat_persist_saves_total",
		Help: "Total save operations by category and status",
	}, []string{"category", "status"})

	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripchat_persist_loads_total",
		Help: "Total load operations by category and status",
	}, []string{"category", "status"})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripchat_persist_evictions_total",
		Help: "Total quota-triggered eviction passes",
	})

	evictedKeysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripchat_persist_evicted_keys_total",
		Help: "Total keys removed by quota eviction",
	})

	expiredCleanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripchat_persist_expired_cleaned_total",
		Help: "Total keys removed by retention cleanup",
	})

	versionMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripchat_persist_version_mismatch_total",
		Help: "Total loads that decoded an older schema version",
	})
)

var tracer = otel.Tracer("tripchat.persist")

// -----------------------------------------------------------------------------
// Keys and categories
// -----------------------------------------------------------------------------

// Category identifies one logical record per (trip, user) pair.
type Category string

const (
	CategorySession        Category = "session"
	CategoryDrafts         Category = "drafts"
	CategoryPhaseHistory   Category = "phaseHistory"
	CategoryAnalytics      Category = "analytics"
	CategoryReadStatus     Category = "readStatus"
	CategoryPendingActions Category = "pendingActions"
)

// Categories lists every category, in the order ClearUserData removes them.
var Categories = []Category{
	CategorySession,
	CategoryDrafts,
	CategoryPhaseHistory,
	CategoryAnalytics,
	CategoryReadStatus,
	CategoryPendingActions,
}

// Namespace prefixes every key this subsystem writes, so eviction and
// retention scans never touch records owned by other components sharing the
// store.
const Namespace = "tripchat:"

// Key derives the deterministic storage key for a record.
func Key(tripID, userID string, category Category) string {
	return fmt.Sprintf("%s%s:%s:%s", Namespace, tripID, userID, category)
}

// -----------------------------------------------------------------------------
// Envelope
// -----------------------------------------------------------------------------

// SchemaVersion tags every saved envelope. Loads of older versions are
// tolerated with a warning; they are never rejected.
const SchemaVersion = "1.0"

// Envelope wraps a payload with the metadata retention and eviction need.
type Envelope struct {
	// SchemaVersion is the writer's schema version.
	SchemaVersion string `json:"schema_version"`

	// Timestamp is when the record was written (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Payload is the category-specific record body.
	Payload json.RawMessage `json:"payload"`
}

// Age returns how long ago the envelope was written.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// DefaultRetention is how long records are kept before ClearExpired removes
// them.
const DefaultRetention = 30 * 24 * time.Hour

// evictFraction is the share of namespace keys removed when a write hits the
// storage quota.
const evictFraction = 0.25

// Config configures a Manager.
type Config struct {
	// Retention is the maximum record age for ClearExpired.
	// Default: DefaultRetention.
	Retention time.Duration

	// Now is the clock used for timestamps and age checks. Tests inject a
	// fixed clock here. Default: time.Now.
	Now func() time.Time

	// Logger for persistence operations.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retention: DefaultRetention,
		Now:       time.Now,
		Logger:    slog.Default(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Retention <= 0 {
		return errors.New("retention must be positive")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager orchestrates the storage Adapter and the codec for per-(trip,
// user) records.
//
// Description:
//
//	Saves are best-effort from the session's point of view: the caller
//	logs failures but never blocks an in-memory mutation on durability.
//	A write rejected for quota triggers eviction of the oldest quarter of
//	the namespace (by envelope timestamp, undecodable records first) and
//	exactly one retry.
//
// Thread Safety: safe for concurrent use; the underlying Adapter provides
// the key-level last-writer-wins guarantee.
type Manager struct {
	store  storage.Adapter
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a Manager over the given Adapter.
func NewManager(store storage.Adapter, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "persist")),
	}, nil
}

// Save encodes payload into a versioned envelope and writes it under the
// deterministic key for (tripID, userID, category).
//
// On storage.ErrQuotaExceeded the Manager evicts the oldest quarter of the
// namespace and retries the write exactly once; a second failure is
// returned to the caller.
func (m *Manager) Save(ctx context.Context, tripID, userID string, category Category, payload any) error {
	ctx, span := tracer.Start(ctx, "persist.Save",
		otelAttrs(tripID, category)...,
	)
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		savesTotal.WithLabelValues(string(category), "error").Inc()
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("marshal %s payload: %w", category, err)
	}

	env := Envelope{
		SchemaVersion: SchemaVersion,
		Timestamp:     m.cfg.Now().UnixMilli(),
		Payload:       raw,
	}
	encoded, err := codec.Encode(env)
	if err != nil {
		savesTotal.WithLabelValues(string(category), "error").Inc()
		span.SetStatus(codes.Error, "encode failed")
		return fmt.Errorf("encode %s envelope: %w", category, err)
	}

	key := Key(tripID, userID, category)
	err = m.store.Set(ctx, key, []byte(encoded))
	if errors.Is(err, storage.ErrQuotaExceeded) {
		evicted, evictErr := m.evictOldest(ctx)
		if evictErr != nil {
			savesTotal.WithLabelValues(string(category), "error").Inc()
			span.SetStatus(codes.Error, "eviction failed")
			return fmt.Errorf("evict after quota: %w", evictErr)
		}
		m.logger.Warn("storage quota hit, evicted oldest records",
			slog.Int("evicted", evicted),
			slog.String("key", key),
		)
		// Exactly one retry after eviction.
		err = m.store.Set(ctx, key, []byte(encoded))
	}
	if err != nil {
		savesTotal.WithLabelValues(string(category), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write %s: %w", key, err)
	}

	savesTotal.WithLabelValues(string(category), "success").Inc()
	return nil
}

// Load reads and decodes the record for (tripID, userID, category) into
// `into`, returning the envelope metadata.
//
// A schema version mismatch logs a warning but still returns the decoded
// record: old state is better than no state.
func (m *Manager) Load(ctx context.Context, tripID, userID string, category Category, into any) (*Envelope, error) {
	ctx, span := tracer.Start(ctx, "persist.Load",
		otelAttrs(tripID, category)...,
	)
	defer span.End()

	key := Key(tripID, userID, category)
	data, err := m.store.Get(ctx, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		loadsTotal.WithLabelValues(string(category), "not_found").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		loadsTotal.WithLabelValues(string(category), "error").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	var env Envelope
	if err := codec.Decode(string(data), &env); err != nil {
		loadsTotal.WithLabelValues(string(category), "error").Inc()
		span.SetStatus(codes.Error, "decode failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, key, err)
	}

	if env.SchemaVersion != SchemaVersion {
		versionMismatchTotal.Inc()
		m.logger.Warn("schema version mismatch, returning best-effort decode",
			slog.String("key", key),
			slog.String("stored", env.SchemaVersion),
			slog.String("current", SchemaVersion),
		)
	}

	if into != nil {
		if err := json.Unmarshal(env.Payload, into); err != nil {
			loadsTotal.WithLabelValues(string(category), "error").Inc()
			span.SetStatus(codes.Error, "payload decode failed")
			return nil, fmt.Errorf("%w: %s payload: %w", ErrDecode, key, err)
		}
	}

	loadsTotal.WithLabelValues(string(category), "success").Inc()
	return &env, nil
}

// ClearUserData deletes every category record for the (tripID, userID)
// pair. Used for explicit user data clears.
func (m *Manager) ClearUserData(ctx context.Context, tripID, userID string) error {
	var firstErr error
	for _, category := range Categories {
		if err := m.store.Remove(ctx, Key(tripID, userID, category)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", category, err)
		}
	}
	if firstErr != nil {
		return firstErr
	}
	m.logger.Info("cleared user data",
		slog.String("trip_id", tripID),
		slog.String("user_id", userID),
	)
	return nil
}

// ClearExpired scans the namespace and deletes records older than the
// configured retention window. Records that fail to decode are removed as
// well. Intended for opportunistic runs (initialization, CLI), not a fixed
// schedule.
func (m *Manager) ClearExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "persist.ClearExpired")
	defer span.End()

	keys, err := m.store.Keys(ctx, Namespace)
	if err != nil {
		return 0, fmt.Errorf("list namespace keys: %w", err)
	}

	now := m.cfg.Now()
	removed := 0
	for _, key := range keys {
		env, err := m.readEnvelope(ctx, key)
		expired := err != nil || env.Age(now) > m.cfg.Retention
		if !expired {
			continue
		}
		if err := m.store.Remove(ctx, key); err != nil {
			m.logger.Warn("failed to remove expired record",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		expiredCleanedTotal.Add(float64(removed))
		m.logger.Info("retention cleanup complete",
			slog.Int("removed", removed),
			slog.Int("scanned", len(keys)),
		)
	}
	span.SetAttributes(attribute.Int("removed", removed))
	return removed, nil
}

// evictOldest removes the oldest quarter of namespace keys, ordered by
// envelope timestamp. Keys whose envelope cannot be decoded sort as oldest,
// so corrupt records are reclaimed first.
func (m *Manager) evictOldest(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, Namespace)
	if err != nil {
		return 0, fmt.Errorf("list namespace keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	type aged struct {
		key string
		ts  int64
	}
	entries := make([]aged, 0, len(keys))
	for _, key := range keys {
		ts := int64(0) // undecodable records are treated as oldest
		if env, err := m.readEnvelope(ctx, key); err == nil {
			ts = env.Timestamp
		}
		entries = append(entries, aged{key: key, ts: ts})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ts != entries[j].ts {
			return entries[i].ts < entries[j].ts
		}
		return entries[i].key < entries[j].key
	})

	count := int(math.Ceil(float64(len(entries)) * evictFraction))
	removed := 0
	for _, entry := range entries[:count] {
		if err := m.store.Remove(ctx, entry.key); err != nil {
			return removed, fmt.Errorf("evict %s: %w", entry.key, err)
		}
		removed++
	}

	evictionsTotal.Inc()
	evictedKeysTotal.Add(float64(removed))
	return removed, nil
}

func otelAttrs(tripID string, category Category) []trace.SpanStartOption {
	return []trace.SpanStartOption{
		trace.WithAttributes(
			attribute.String("trip_id", tripID),
			attribute.String("category", string(category)),
		),
	}
}

func (m *Manager) readEnvelope(ctx context.Context, key string) (*Envelope, error) {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := codec.Decode(string(data), &env); err != nil {
		return nil, err
	}
	return &env, nil
}
