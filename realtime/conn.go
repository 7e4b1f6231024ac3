// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MaxConnectRetries is the connection retry ceiling. Once Reconnect has
// been refused at this count, the failure is terminal for the session and
// must be surfaced to the user.
const MaxConnectRetries = 5

var connectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tripchat_connect_attempts_total",
	Help: "Total backend connect attempts by outcome",
}, []string{"status"})

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State       State
	ConnectedAt time.Time
	RetryCount  int
	LastError   error
}

// ConnManager owns the backend client handle and its connect/disconnect
// lifecycle.
//
// Description:
//
//	Connect requests a fresh token on every attempt and transitions
//	Disconnected -> Connecting -> Connected, falling back to
//	Disconnected with a recorded error on failure. Reconnect is refused
//	once the retry ceiling is reached; it performs no backoff delay
//	itself, scheduling is the caller's job.
//
// Thread Safety: safe for concurrent use. At most one connect attempt is
// in flight at a time; a second Connect while Connecting fails fast.
type ConnManager struct {
	client Client
	tokens TokenProvider
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	connectedAt time.Time
	retryCount  int
	lastErr     error
}

// NewConnManager creates a manager over the given client and token
// provider.
func NewConnManager(client Client, tokens TokenProvider, logger *slog.Logger) (*ConnManager, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("token provider must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnManager{
		client: client,
		tokens: tokens,
		logger: logger.With(slog.String("component", "conn")),
		state:  StateDisconnected,
	}, nil
}

// Connect establishes the backend connection for the given identity.
//
// On success the state becomes Connected, the timestamp is recorded, and
// the retry counter resets. On failure the state returns to Disconnected,
// the error is recorded, and the retry counter increments.
func (c *ConnManager) Connect(ctx context.Context, identity Identity) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return errors.New("realtime: connect already in progress")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.connect(ctx, identity)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateDisconnected
		c.lastErr = err
		c.retryCount++
		connectAttemptsTotal.WithLabelValues("failure").Inc()
		c.logger.Warn("connect failed",
			slog.String("user_id", identity.UserID),
			slog.Int("retry_count", c.retryCount),
			slog.String("error", err.Error()),
		)
		return err
	}

	c.state = StateConnected
	c.connectedAt = time.Now()
	c.retryCount = 0
	c.lastErr = nil
	connectAttemptsTotal.WithLabelValues("success").Inc()
	c.logger.Info("connected", slog.String("user_id", identity.UserID))
	return nil
}

func (c *ConnManager) connect(ctx context.Context, identity Identity) error {
	// A fresh token per attempt: tokens are short-lived by contract.
	token, err := c.tokens.Token(ctx, identity.UserID)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	if err := c.client.ConnectUser(ctx, identity, token.Value); err != nil {
		return fmt.Errorf("connect user: %w", err)
	}
	return nil
}

// Reconnect retries Connect while the retry counter is below the ceiling.
// At the ceiling it returns ErrRetriesExhausted without attempting.
func (c *ConnManager) Reconnect(ctx context.Context, identity Identity) error {
	c.mu.Lock()
	if c.retryCount >= MaxConnectRetries {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d attempts", ErrRetriesExhausted, c.retryCount)
	}
	c.mu.Unlock()

	return c.Connect(ctx, identity)
}

// Disconnect releases the backend connection unconditionally. Idempotent:
// disconnecting while already disconnected is a no-op.
func (c *ConnManager) Disconnect(ctx context.Context) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	if err := c.client.DisconnectUser(ctx); err != nil {
		// The local state is already Disconnected; a failed remote
		// release only gets logged.
		c.logger.Warn("disconnect error", slog.String("error", err.Error()))
	}
	c.logger.Info("disconnected")
}

// MarkDropped records a backend-initiated disconnect (the read loop died).
// It does not call the client; the remote side is already gone.
func (c *ConnManager) MarkDropped(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected {
		c.state = StateDisconnected
		c.lastErr = err
	}
}

// Client returns the managed backend client.
func (c *ConnManager) Client() Client {
	return c.client
}

// Status returns a snapshot of the connection state.
func (c *ConnManager) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:       c.state,
		ConnectedAt: c.connectedAt,
		RetryCount:  c.retryCount,
		LastError:   c.lastErr,
	}
}

// IsConnected reports whether the manager currently holds a live
// connection.
func (c *ConnManager) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}
