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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatewayServer is a minimal websocket gateway: it acks every
// client-initiated frame and records what it saw. Tests can push event
// frames back through conn.
type gatewayServer struct {
	*httptest.Server

	mu     sync.Mutex
	frames []Frame
	conn   *websocket.Conn
	auth   string
	userID string
}

func newGatewayServer(t *testing.T) *gatewayServer {
	t.Helper()
	gw := &gatewayServer{}
	upgrader := websocket.Upgrader{}

	gw.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.mu.Lock()
		gw.auth = r.Header.Get("Authorization")
		gw.userID = r.Header.Get("X-User-ID")
		gw.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gw.mu.Lock()
		gw.conn = conn
		gw.mu.Unlock()

		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			gw.mu.Lock()
			gw.frames = append(gw.frames, frame)
			gw.mu.Unlock()

			ack := Frame{Type: frameAck, ID: frame.ID}
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
		}
	}))
	t.Cleanup(gw.Close)
	return gw
}

func (gw *gatewayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(gw.URL, "http")
}

func (gw *gatewayServer) pushEvent(t *testing.T, frame Frame) {
	t.Helper()
	gw.mu.Lock()
	conn := gw.conn
	gw.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(frame))
}

func (gw *gatewayServer) seenFrames() []Frame {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	out := make([]Frame, len(gw.frames))
	copy(out, gw.frames)
	return out
}

func newTestWSClient(t *testing.T, gw *gatewayServer) *WSClient {
	t.Helper()
	cfg := DefaultWSConfig(gw.wsURL())
	cfg.AckTimeout = 2 * time.Second
	client, err := NewWSClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.DisconnectUser(context.Background()) })
	return client
}

func TestWSClient_ConnectSendsAuthHeaders(t *testing.T) {
	gw := newGatewayServer(t)
	client := newTestWSClient(t, gw)

	err := client.ConnectUser(context.Background(), Identity{UserID: "user-1"}, "tok-xyz")
	require.NoError(t, err)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, "Bearer tok-xyz", gw.auth)
	assert.Equal(t, "user-1", gw.userID)
}

func TestWSClient_ConnectValidation(t *testing.T) {
	gw := newGatewayServer(t)
	client := newTestWSClient(t, gw)

	ctx := context.Background()
	require.Error(t, client.ConnectUser(ctx, Identity{}, "tok"))
	require.Error(t, client.ConnectUser(ctx, Identity{UserID: "user-1"}, ""))
}

func TestWSClient_ChannelHandleIsStable(t *testing.T) {
	gw := newGatewayServer(t)
	client := newTestWSClient(t, gw)

	a, err := client.Channel(ChannelKindTrip, "trip-t1-live")
	require.NoError(t, err)
	b, err := client.Channel(ChannelKindTrip, "trip-t1-live")
	require.NoError(t, err)
	assert.Same(t, a.(*wsChannel), b.(*wsChannel))

	c, err := client.Channel(ChannelKindTrip, "trip-t1-debrief")
	require.NoError(t, err)
	assert.NotSame(t, a.(*wsChannel), c.(*wsChannel))
}

func TestWSClient_WatchAndSendMessage(t *testing.T) {
	gw := newGatewayServer(t)
	client := newTestWSClient(t, gw)

	ctx := context.Background()
	require.NoError(t, client.ConnectUser(ctx, Identity{UserID: "user-1"}, "tok"))

	ch, err := client.Channel(ChannelKindTrip, "trip-t1-live")
	require.NoError(t, err)

	require.NoError(t, ch.Watch(ctx))
	require.NoError(t, ch.Watch(ctx), "reattach must be a no-op")
	require.NoError(t, ch.SendMessage(ctx, []byte(`{"text":"anchor up"}`)))

	frames := gw.seenFrames()
	require.Len(t, frames, 2, "second Watch must not resubscribe")
	assert.Equal(t, frameSubscribe, frames[0].Type)
	assert.Equal(t, "trip:trip-t1-live", frames[0].Channel)
	assert.Equal(t, frameMessage, frames[1].Type)
	assert.JSONEq(t, `{"text":"anchor up"}`, string(frames[1].Payload))
}

func TestWSClient_SendBeforeConnect(t *testing.T) {
	gw := newGatewayServer(t)
	client := newTestWSClient(t, gw)

	ch, err := client.Channel(ChannelKindTrip, "trip-t1-live")
	require.NoError(t, err)

	err = ch.SendMessage(context.Background(), []byte("hi"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestWSClient_EventDelivery(t *testing.T) {
	gw := newGatewayServer(t)
	client := newTestWSClient(t, gw)

	ctx := context.Background()
	require.NoError(t, client.ConnectUser(ctx, Identity{UserID: "user-1"}, "tok"))

	ch, err := client.Channel(ChannelKindTrip, "trip-t1-live")
	require.NoError(t, err)
	require.NoError(t, ch.Watch(ctx))

	payload, _ := json.Marshal(map[string]any{"event": "message.new", "text": "fish on"})
	gw.pushEvent(t, Frame{
		Type:    frameEvent,
		Channel: "trip:trip-t1-live",
		UserID:  "user-2",
		Payload: payload,
	})

	select {
	case event := <-ch.Events():
		assert.Equal(t, EventMessageNew, event.Type)
		assert.Equal(t, "trip:trip-t1-live", event.Channel)
		assert.Equal(t, "user-2", event.UserID)
		assert.False(t, event.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWSClient_EventForUnknownChannelIgnored(t *testing.T) {
	gw := newGatewayServer(t)
	client := newTestWSClient(t, gw)

	ctx := context.Background()
	require.NoError(t, client.ConnectUser(ctx, Identity{UserID: "user-1"}, "tok"))

	gw.pushEvent(t, Frame{Type: frameEvent, Channel: "trip:unwatched"})
	// SendMessage after the stray event proves the read loop survived it.
	ch, err := client.Channel(ChannelKindTrip, "trip-t1-live")
	require.NoError(t, err)
	require.NoError(t, ch.Watch(ctx))
}

func TestWSClient_DropHandlerFiresOnServerClose(t *testing.T) {
	gw := newGatewayServer(t)
	client := newTestWSClient(t, gw)

	dropped := make(chan error, 1)
	client.SetDropHandler(func(err error) { dropped <- err })

	ctx := context.Background()
	require.NoError(t, client.ConnectUser(ctx, Identity{UserID: "user-1"}, "tok"))

	gw.mu.Lock()
	conn := gw.conn
	gw.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.Close())

	select {
	case err := <-dropped:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drop handler not invoked")
	}
}

func TestWSClient_DisconnectIdempotent(t *testing.T) {
	gw := newGatewayServer(t)
	client := newTestWSClient(t, gw)

	dropped := make(chan error, 1)
	client.SetDropHandler(func(err error) { dropped <- err })

	ctx := context.Background()
	require.NoError(t, client.ConnectUser(ctx, Identity{UserID: "user-1"}, "tok"))

	require.NoError(t, client.DisconnectUser(ctx))
	require.NoError(t, client.DisconnectUser(ctx))

	select {
	case <-dropped:
		t.Fatal("client-initiated disconnect must not invoke the drop handler")
	case <-time.After(100 * time.Millisecond):
	}
}
