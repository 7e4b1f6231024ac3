// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package realtime owns the connection to the messaging backend: the client
// contract the session layer consumes, a websocket implementation of it, the
// token-issuing collaborator, and the connection lifecycle manager with its
// bounded retry policy.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotConnected is returned for channel operations before ConnectUser
	// or after DisconnectUser.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrRetriesExhausted is returned by Reconnect once the retry ceiling
	// is reached. It is terminal for the current session.
	ErrRetriesExhausted = errors.New("realtime: connect retries exhausted")

	// ErrAckTimeout is returned when the backend does not acknowledge a
	// frame in time.
	ErrAckTimeout = errors.New("realtime: ack timeout")
)

// -----------------------------------------------------------------------------
// Client contract
// -----------------------------------------------------------------------------

// Identity is the resolved user identity presented to the backend.
type Identity struct {
	UserID      string `json:"user_id" validate:"required"`
	DisplayName string `json:"display_name,omitempty"`
}

// EventType classifies events delivered on a watched channel.
type EventType string

const (
	EventMessageNew    EventType = "message.new"
	EventTypingStart   EventType = "typing.start"
	EventTypingStop    EventType = "typing.stop"
	EventMemberJoined  EventType = "member.joined"
	EventMemberLeft    EventType = "member.left"
	EventStructured    EventType = "structured"
	EventDisconnected  EventType = "connection.closed"
)

// Event is a single occurrence on a watched channel.
type Event struct {
	Type    EventType       `json:"type"`
	Channel string          `json:"channel"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Channel is a phase-scoped conversation resource on the backend.
//
// Watch attaches the channel; repeated Watch calls on the same channel id
// are idempotent reattaches. Events delivers backend events until
// StopWatching or disconnect.
type Channel interface {
	// ID returns the deterministic channel identifier.
	ID() string

	// Watch attaches to the channel and begins receiving events.
	Watch(ctx context.Context) error

	// StopWatching detaches from the channel. Idempotent.
	StopWatching(ctx context.Context) error

	// SendMessage delivers a payload to the channel and waits for the
	// backend acknowledgment.
	SendMessage(ctx context.Context, payload []byte) error

	// Events returns the channel's event stream.
	Events() <-chan Event
}

// Client is the messaging-backend contract the session layer consumes.
type Client interface {
	// ConnectUser authenticates against the backend with a short-lived
	// token. Must be called before Channel.
	ConnectUser(ctx context.Context, identity Identity, token string) error

	// Channel returns a handle for the given kind and id. The handle is
	// stable: asking twice for the same id returns the same resource.
	Channel(kind, id string) (Channel, error)

	// DisconnectUser releases the backend connection. Idempotent.
	DisconnectUser(ctx context.Context) error
}

// ChannelKindTrip is the channel kind used for trip phase conversations.
const ChannelKindTrip = "trip"

// ChannelID derives the deterministic channel id for a trip phase, so
// repeated loads of the same phase reattach instead of creating a new
// resource.
func ChannelID(tripID, phase string) string {
	return fmt.Sprintf("trip-%s-%s", tripID, phase)
}
