// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session implements the trip-bound chat session: the phase state
// machine over preparation/live/debrief, the pending-action queue that
// carries user mutations to the backend, the notification and analytics
// aggregator, and the ChatSession service object tying them to the
// connection, persistence, and bootstrap-API collaborators.
package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/driftline/tripchat/codec"
	"github.com/driftline/tripchat/realtime"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrSwitchInFlight is returned when SwitchPhase is called while a
	// prior switch to a different phase has not yet settled.
	ErrSwitchInFlight = errors.New("session: phase switch already in flight")

	// ErrSwitchDenied is returned when the switch guard rejects the
	// target phase.
	ErrSwitchDenied = errors.New("session: phase switch denied")

	// ErrPhaseLoadFailed wraps a channel attach failure.
	ErrPhaseLoadFailed = errors.New("session: phase load failed")

	// ErrSyncConflict is returned when local and server state diverge
	// and the manual policy requires user resolution.
	ErrSyncConflict = errors.New("session: state conflict requires manual resolution")

	// ErrActionFailed marks a pending action that exhausted its retries.
	ErrActionFailed = errors.New("session: action delivery failed permanently")

	// ErrSessionClosed is returned for operations after Close.
	ErrSessionClosed = errors.New("session: closed")

	// ErrNoActiveChannel is returned when an action targets a phase
	// whose channel is not attached.
	ErrNoActiveChannel = errors.New("session: no channel attached for phase")
)

// -----------------------------------------------------------------------------
// Phases
// -----------------------------------------------------------------------------

// Phase is one of the three sequential lifecycle stages of a trip
// conversation.
type Phase string

const (
	PhaseNone        Phase = ""
	PhasePreparation Phase = "preparation"
	PhaseLive        Phase = "live"
	PhaseDebrief     Phase = "debrief"
)

// Phases lists the three real phases in lifecycle order. Transition rules
// are evaluated in this order, first match wins.
var Phases = []Phase{PhasePreparation, PhaseLive, PhaseDebrief}

// Valid reports whether p names a real phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePreparation, PhaseLive, PhaseDebrief:
		return true
	}
	return false
}

// DayOffsetWindow is a half-open window [From, To) of day offsets relative
// to the trip date. Negative offsets are days before the trip.
type DayOffsetWindow struct {
	From float64 `json:"from" yaml:"from"`
	To   float64 `json:"to" yaml:"to"`
}

func (w DayOffsetWindow) contains(offset float64) bool {
	return offset >= w.From && offset < w.To
}

// TransitionRules holds the per-phase day-offset windows driving automatic
// phase transitions. Contiguity and non-overlap are a configuration
// responsibility, not enforced at runtime.
type TransitionRules struct {
	Preparation DayOffsetWindow `json:"preparation" yaml:"preparation"`
	Live        DayOffsetWindow `json:"live" yaml:"live"`
	Debrief     DayOffsetWindow `json:"debrief" yaml:"debrief"`
}

// DefaultTransitionRules opens preparation a week out, live on trip day,
// and debrief for a month after.
func DefaultTransitionRules() TransitionRules {
	return TransitionRules{
		Preparation: DayOffsetWindow{From: -7, To: 0},
		Live:        DayOffsetWindow{From: 0, To: 1},
		Debrief:     DayOffsetWindow{From: 0, To: 30},
	}
}

// TripContext is the immutable-ish record describing the trip the session
// is bound to.
type TripContext struct {
	TripID         string          `json:"trip_id" validate:"required"`
	Date           time.Time       `json:"date" validate:"required"`
	ParticipantIDs codec.StringSet `json:"participant_ids"`
	CaptainID      string          `json:"captain_id"`
	Status         string          `json:"status"`
	Rules          TransitionRules `json:"rules"`
	AutoTransition bool            `json:"auto_transition"`
}

// -----------------------------------------------------------------------------
// Phase state
// -----------------------------------------------------------------------------

// PhaseState is the live sub-state of one phase slot. At most one of the
// three may have IsActive set; IsLoaded is independent, a phase can stay
// preloaded while another is active.
type PhaseState struct {
	ID        Phase
	IsActive  bool
	IsLoaded  bool
	IsLoading bool

	// Channel is a borrowed backend resource. Only loadPhase and
	// UnloadPhase may attach or detach it.
	Channel realtime.Channel

	MessageCount int
	UnreadCount  int
	Presence     codec.StringSet
	TypingUsers  codec.StringSet
	Structured   []json.RawMessage
	Meta         map[string]any
	LastError    error

	Draft    string
	LastRead time.Time
}

func newPhaseState(id Phase) *PhaseState {
	return &PhaseState{
		ID:          id,
		Presence:    codec.NewStringSet(),
		TypingUsers: codec.NewStringSet(),
		Meta:        make(map[string]any),
	}
}

// PhaseSnapshot is a copyable view of a PhaseState, safe to hand out
// without exposing the channel handle.
type PhaseSnapshot struct {
	ID           Phase    `json:"id"`
	IsActive     bool     `json:"is_active"`
	IsLoaded     bool     `json:"is_loaded"`
	IsLoading    bool     `json:"is_loading"`
	MessageCount int      `json:"message_count"`
	UnreadCount  int      `json:"unread_count"`
	Presence     []string `json:"presence,omitempty"`
	TypingUsers  []string `json:"typing_users,omitempty"`
	Draft        string   `json:"draft,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
}

func (p *PhaseState) snapshot() PhaseSnapshot {
	snap := PhaseSnapshot{
		ID:           p.ID,
		IsActive:     p.IsActive,
		IsLoaded:     p.IsLoaded,
		IsLoading:    p.IsLoading,
		MessageCount: p.MessageCount,
		UnreadCount:  p.UnreadCount,
		Presence:     p.Presence.Slice(),
		TypingUsers:  p.TypingUsers.Slice(),
		Draft:        p.Draft,
	}
	if p.LastError != nil {
		snap.LastError = p.LastError.Error()
	}
	return snap
}

// -----------------------------------------------------------------------------
// Pending actions
// -----------------------------------------------------------------------------

// ActionKind classifies a queued user mutation.
type ActionKind string

const (
	ActionSendMessage    ActionKind = "send_message"
	ActionSwitchPhase    ActionKind = "switch_phase"
	ActionSendStructured ActionKind = "send_structured"
	ActionUpdateStatus   ActionKind = "update_status"
)

// ActionStatus is the delivery state of a pending action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
)

// MaxActionRetries is the per-action delivery retry ceiling. At the
// ceiling the action is marked failed permanently and surfaced as a
// high-priority notification.
const MaxActionRetries = 5

// PendingAction is a user-initiated mutation not yet confirmed by the
// backend.
type PendingAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Phase      Phase           `json:"phase"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  codec.Time      `json:"created_at"`
	Status     ActionStatus    `json:"status"`
	RetryCount int             `json:"retry_count"`
}

// -----------------------------------------------------------------------------
// Notifications and analytics
// -----------------------------------------------------------------------------

// NotificationType classifies a user-visible notification.
type NotificationType string

const (
	NotifyPhaseChanged   NotificationType = "phase.changed"
	NotifyMessageSent    NotificationType = "message.sent"
	NotifyStructuredSent NotificationType = "structured.sent"
	NotifyConnectionLost NotificationType = "connection.lost"
	NotifyActionFailed   NotificationType = "action.failed"
	NotifySyncConflict   NotificationType = "sync.conflict"
	NotifyQuota          NotificationType = "storage.quota"
	NotifyError          NotificationType = "error"
)

// Priority orders notifications for presentation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is one user-visible event derived from session activity.
type Notification struct {
	ID              string           `json:"id"`
	Type            NotificationType `json:"type"`
	Phase           Phase            `json:"phase,omitempty"`
	UserID          string           `json:"user_id,omitempty"`
	At              codec.Time       `json:"at"`
	Read            bool             `json:"read"`
	Priority        Priority         `json:"priority"`
	Message         string           `json:"message"`
	SuggestedAction string           `json:"suggested_action,omitempty"`
}

// AnalyticsSnapshot holds session-scoped usage counters. Only the
// Aggregator mutates it.
type AnalyticsSnapshot struct {
	MessagesSent    int            `json:"messages_sent"`
	StructuredSent  int            `json:"structured_sent"`
	PhaseSwitches   int            `json:"phase_switches"`
	Errors          int            `json:"errors"`
	PhaseEngagement map[Phase]int  `json:"phase_engagement,omitempty"`
	UserActivity    map[string]int `json:"user_activity,omitempty"`
}

// -----------------------------------------------------------------------------
// Persistent state
// -----------------------------------------------------------------------------

// PhaseHistoryEntry records one stay in a phase. ExitedAt stays zero while
// the entry is the most recent one.
type PhaseHistoryEntry struct {
	Phase     Phase      `json:"phase"`
	EnteredAt codec.Time `json:"entered_at"`
	ExitedAt  codec.Time `json:"exited_at,omitempty"`
}

// PersistentState is the durable subset of the session, scoped to
// (trip, user) and split across storage categories by the persistence
// layer.
type PersistentState struct {
	PreferredPhase    Phase                `json:"preferred_phase"`
	History           []PhaseHistoryEntry  `json:"history,omitempty"`
	Drafts            map[Phase]string     `json:"drafts,omitempty"`
	LastRead          map[Phase]codec.Time `json:"last_read,omitempty"`
	NotificationPrefs map[string]bool      `json:"notification_prefs,omitempty"`
	UIPrefs           *codec.OrderedMap    `json:"ui_prefs,omitempty"`
}

func newPersistentState() PersistentState {
	return PersistentState{
		Drafts:            make(map[Phase]string),
		LastRead:          make(map[Phase]codec.Time),
		NotificationPrefs: make(map[string]bool),
		UIPrefs:           codec.NewOrderedMap(),
	}
}

// -----------------------------------------------------------------------------
// Conflict policy and config
// -----------------------------------------------------------------------------

// ConflictPolicy decides which side wins when local persisted state and
// fresh server state disagree.
type ConflictPolicy string

const (
	// ConflictClient keeps the locally persisted value.
	ConflictClient ConflictPolicy = "client"
	// ConflictServer adopts the server value.
	ConflictServer ConflictPolicy = "server"
	// ConflictManual surfaces a notification and makes no automatic
	// choice.
	ConflictManual ConflictPolicy = "manual"
)

// Config configures a ChatSession.
type Config struct {
	// TripID and UserID key the session and its persisted state.
	TripID string `validate:"required"`
	UserID string `validate:"required"`

	// DisplayName is presented to the backend on connect.
	DisplayName string

	// Privileged grants the access-all-phases permission, bypassing the
	// time-window restriction on manual switches.
	Privileged bool

	// ConflictPolicy selects the reconciliation rule. Default: server.
	ConflictPolicy ConflictPolicy `validate:"oneof=client server manual"`

	// AutoTransitionInterval is the phase auto-check period.
	// Default: 60s.
	AutoTransitionInterval time.Duration

	// FlushPerSecond paces pending-action delivery. Default: 10.
	FlushPerSecond float64

	// Now is the clock, injectable for tests. Default: time.Now.
	Now func() time.Time

	// Logger for session events.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for the given identifiers.
func DefaultConfig(tripID, userID string) Config {
	return Config{
		TripID:                 tripID,
		UserID:                 userID,
		ConflictPolicy:         ConflictServer,
		AutoTransitionInterval: 60 * time.Second,
		FlushPerSecond:         10,
		Now:                    time.Now,
	}
}

var configValidator = validator.New()

// Validate checks required fields and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = ConflictServer
	}
	if c.AutoTransitionInterval <= 0 {
		c.AutoTransitionInterval = 60 * time.Second
	}
	if c.FlushPerSecond <= 0 {
		c.FlushPerSecond = 10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return configValidator.Struct(c)
}
