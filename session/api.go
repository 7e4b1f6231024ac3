// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrAPIRequest is returned when the bootstrap endpoint rejects or fails a
// request.
var ErrAPIRequest = errors.New("session: bootstrap api request failed")

// BootstrapState is the server's authoritative view of the session.
type BootstrapState struct {
	CurrentPhase Phase  `json:"current_phase"`
	EventChatID  string `json:"event_chat_id,omitempty"`
}

// SessionAPI is the server-side bootstrap/mutation collaborator. Get
// returns the saved state for a trip; SwitchPhase persists the
// authoritative current phase server-side.
type SessionAPI interface {
	Get(ctx context.Context, tripID, userID string) (BootstrapState, error)
	SwitchPhase(ctx context.Context, tripID, userID string, phase Phase) error
}

// maxAPIResponseBytes caps the bootstrap response body read.
const maxAPIResponseBytes = 256 * 1024

// HTTPSessionAPI talks to the bootstrap endpoint over HTTP.
//
// Thread Safety: safe for concurrent use.
type HTTPSessionAPI struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSessionAPI creates a client for the given base URL. A nil
// httpClient uses a client with a 10 second timeout.
func NewHTTPSessionAPI(baseURL string, httpClient *http.Client) (*HTTPSessionAPI, error) {
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSessionAPI{baseURL: baseURL, client: httpClient}, nil
}

// Get implements SessionAPI.
func (a *HTTPSessionAPI) Get(ctx context.Context, tripID, userID string) (BootstrapState, error) {
	endpoint := fmt.Sprintf("%s/sessions/%s?user_id=%s",
		a.baseURL, url.PathEscape(tripID), url.QueryEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return BootstrapState{}, fmt.Errorf("%w: build request: %w", ErrAPIRequest, err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return BootstrapState{}, fmt.Errorf("%w: %w", ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return BootstrapState{}, fmt.Errorf("%w: server returned %d", ErrAPIRequest, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return BootstrapState{}, fmt.Errorf("%w: read response: %w", ErrAPIRequest, err)
	}

	var state BootstrapState
	if err := json.Unmarshal(data, &state); err != nil {
		return BootstrapState{}, fmt.Errorf("%w: decode response: %w", ErrAPIRequest, err)
	}
	return state, nil
}

// SwitchPhase implements SessionAPI.
func (a *HTTPSessionAPI) SwitchPhase(ctx context.Context, tripID, userID string, phase Phase) error {
	body, err := json.Marshal(map[string]string{
		"user_id": userID,
		"phase":   string(phase),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal request: %w", ErrAPIRequest, err)
	}

	endpoint := fmt.Sprintf("%s/sessions/%s/phase", a.baseURL, url.PathEscape(tripID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrAPIRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAPIRequest, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxAPIResponseBytes))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: server returned %d", ErrAPIRequest, resp.StatusCode)
	}
	return nil
}
