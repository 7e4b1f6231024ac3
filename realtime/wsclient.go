// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame is the JSON message exchanged with the gateway. Client-initiated
// frames carry an ID; the gateway echoes it back in the matching ack.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Frame types understood by the gateway.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameMessage     = "message"
	frameAck         = "ack"
	frameEvent       = "event"
)

// channelEventBuffer is the per-channel event queue depth. When the
// consumer lags, the oldest event is dropped rather than blocking the read
// loop.
const channelEventBuffer = 64

// WSConfig configures a WSClient.
type WSConfig struct {
	// URL is the websocket gateway endpoint (ws:// or wss://).
	URL string `validate:"required"`

	// HandshakeTimeout bounds the websocket dial. Default: 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write. Default: 10s.
	WriteTimeout time.Duration

	// AckTimeout bounds the wait for a gateway acknowledgment.
	// Default: 15s.
	AckTimeout time.Duration

	// Logger for connection events.
	Logger *slog.Logger
}

// DefaultWSConfig returns production defaults for the given gateway URL.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		AckTimeout:       15 * time.Second,
	}
}

// WSClient implements Client over a single gorilla/websocket connection.
//
// Description:
//
//	ConnectUser dials the gateway with the auth token, then runs a read
//	loop that routes ack frames to their waiting senders and event
//	frames to the owning channel's event stream. All writes share one
//	mutex; gorilla connections allow only one concurrent writer.
//
// Thread Safety: safe for concurrent use.
type WSClient struct {
	cfg    WSConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*wsChannel
	pending  map[string]chan error
	readDone chan struct{}

	// onDrop is invoked once when the read loop exits unexpectedly.
	onDrop func(error)
}

// NewWSClient creates a websocket client for the configured gateway.
func NewWSClient(cfg WSConfig) (*WSClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway url must not be empty")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WSClient{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "ws_client")),
		channels: make(map[string]*wsChannel),
		pending:  make(map[string]chan error),
	}, nil
}

// SetDropHandler registers a callback for backend-initiated disconnects.
// Must be called before ConnectUser.
func (c *WSClient) SetDropHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = fn
}

// ConnectUser implements Client.
func (c *WSClient) ConnectUser(ctx context.Context, identity Identity, token string) error {
	if identity.UserID == "" {
		return errors.New("identity user id must not be empty")
	}
	if token == "" {
		return errors.New("token must not be empty")
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil // already connected
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-User-ID", identity.UserID)

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)

	c.logger.Debug("gateway connected", slog.String("user_id", identity.UserID))
	return nil
}

// Channel implements Client. Handles are cached per (kind, id) so repeated
// requests return the same resource.
func (c *WSClient) Channel(kind, id string) (Channel, error) {
	if kind == "" || id == "" {
		return nil, errors.New("channel kind and id must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := kind + ":" + id
	if ch, ok := c.channels[key]; ok {
		return ch, nil
	}
	ch := &wsChannel{
		client: c,
		key:    key,
		events: make(chan Event, channelEventBuffer),
	}
	c.channels[key] = ch
	return ch, nil
}

// DisconnectUser implements Client. Idempotent.
func (c *WSClient) DisconnectUser(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	done := c.readDone
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		deadline)
	err := conn.Close()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.WriteTimeout):
		}
	}
	return err
}

// sendAwaitAck writes a frame and blocks until the gateway acks it, the
// context expires, or the ack timeout fires.
func (c *WSClient) sendAwaitAck(ctx context.Context, frame Frame) error {
	if frame.ID == "" {
		frame.ID = uuid.New().String()
	}

	ackCh := make(chan error, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[frame.ID] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(conn, frame); err != nil {
		return err
	}

	select {
	case err := <-ackCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.AckTimeout):
		return fmt.Errorf("%w: frame %s", ErrAckTimeout, frame.Type)
	}
}

func (c *WSClient) writeFrame(conn *websocket.Conn, frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

// readLoop routes incoming frames until the connection dies.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	var loopErr error
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			loopErr = err
			break
		}

		switch frame.Type {
		case frameAck:
			c.deliverAck(frame)
		case frameEvent:
			c.deliverEvent(frame)
		default:
			c.logger.Debug("ignoring unknown frame type", slog.String("type", frame.Type))
		}
	}

	c.mu.Lock()
	dropped := c.conn != nil // nil means DisconnectUser already ran
	c.conn = nil
	done := c.readDone
	c.readDone = nil
	onDrop := c.onDrop
	// Fail all waiters; their acks will never arrive.
	for id, ch := range c.pending {
		ch <- fmt.Errorf("connection lost: %w", loopErr)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if dropped {
		c.logger.Warn("gateway connection lost", slog.String("error", loopErr.Error()))
		if onDrop != nil {
			onDrop(loopErr)
		}
	}
}

func (c *WSClient) deliverAck(frame Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if frame.Error != "" {
		ch <- errors.New(frame.Error)
		return
	}
	ch <- nil
}

func (c *WSClient) deliverEvent(frame Frame) {
	c.mu.Lock()
	ch, ok := c.channels[frame.Channel]
	c.mu.Unlock()
	if !ok {
		return
	}

	var body struct {
		Event EventType `json:"event"`
	}
	// Payload may be empty for bare events; errors leave Event.Type unset
	// and the session layer ignores it.
	_ = json.Unmarshal(frame.Payload, &body)

	event := Event{
		Type:    body.Event,
		Channel: frame.Channel,
		UserID:  frame.UserID,
		Payload: frame.Payload,
		At:      time.Now(),
	}

	select {
	case ch.events <- event:
	default:
		// Consumer is lagging: drop the oldest to keep the read loop live.
		select {
		case <-ch.events:
		default:
		}
		select {
		case ch.events <- event:
		default:
		}
	}
}

// -----------------------------------------------------------------------------
// wsChannel
// -----------------------------------------------------------------------------

type wsChannel struct {
	client *WSClient
	key    string

	mu       sync.Mutex
	watching bool
	events   chan Event
}

func (ch *wsChannel) ID() string {
	return ch.key
}

func (ch *wsChannel) Watch(ctx context.Context) error {
	ch.mu.Lock()
	if ch.watching {
		ch.mu.Unlock()
		return nil // reattach is a no-op
	}
	ch.mu.Unlock()

	err := ch.client.sendAwaitAck(ctx, Frame{
		Type:    frameSubscribe,
		Channel: ch.key,
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", ch.key, err)
	}

	ch.mu.Lock()
	ch.watching = true
	ch.mu.Unlock()
	return nil
}

func (ch *wsChannel) StopWatching(ctx context.Context) error {
	ch.mu.Lock()
	if !ch.watching {
		ch.mu.Unlock()
		return nil
	}
	ch.watching = false
	ch.mu.Unlock()

	err := ch.client.sendAwaitAck(ctx, Frame{
		Type:    frameUnsubscribe,
		Channel: ch.key,
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("stop watching %s: %w", ch.key, err)
	}
	return nil
}

func (ch *wsChannel) SendMessage(ctx context.Context, payload []byte) error {
	err := ch.client.sendAwaitAck(ctx, Frame{
		Type:    frameMessage,
		Channel: ch.key,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", ch.key, err)
	}
	return nil
}

func (ch *wsChannel) Events() <-chan Event {
	return ch.events
}
