// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrTokenRequest is returned when the token issuer rejects or fails a
// request.
var ErrTokenRequest = errors.New("realtime: token request failed")

// Token is a short-lived credential for the messaging backend. Tokens are
// never cached across connects; each Connect requests a fresh one.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenProvider issues backend tokens for a user.
type TokenProvider interface {
	Token(ctx context.Context, userID string) (Token, error)
}

// TokenFunc adapts a function to the TokenProvider interface.
type TokenFunc func(ctx context.Context, userID string) (Token, error)

// Token implements TokenProvider.
func (f TokenFunc) Token(ctx context.Context, userID string) (Token, error) {
	return f(ctx, userID)
}

// maxTokenResponseBytes caps the issuer response body read.
const maxTokenResponseBytes = 64 * 1024

// HTTPTokenProvider requests tokens from the external token-issuing
// endpoint. Concurrent requests for the same user are collapsed into a
// single upstream call.
//
// Thread Safety: safe for concurrent use.
type HTTPTokenProvider struct {
	endpoint string
	client   *http.Client
	group    singleflight.Group
}

// NewHTTPTokenProvider creates a provider for the given issuer endpoint.
// A nil httpClient uses a client with a 10 second timeout.
func NewHTTPTokenProvider(endpoint string, httpClient *http.Client) (*HTTPTokenProvider, error) {
	if endpoint == "" {
		return nil, errors.New("endpoint must not be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTokenProvider{
		endpoint: endpoint,
		client:   httpClient,
	}, nil
}

// Token implements TokenProvider by POSTing {"user_id": ...} to the issuer.
func (p *HTTPTokenProvider) Token(ctx context.Context, userID string) (Token, error) {
	if userID == "" {
		return Token{}, fmt.Errorf("%w: user id must not be empty", ErrTokenRequest)
	}

	v, err, _ := p.group.Do(userID, func() (any, error) {
		return p.fetch(ctx, userID)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (p *HTTPTokenProvider) fetch(ctx context.Context, userID string) (Token, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return Token{}, fmt.Errorf("%w: marshal request: %w", ErrTokenRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("%w: build request: %w", ErrTokenRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("%w: issuer returned %d", ErrTokenRequest, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return Token{}, fmt.Errorf("%w: read response: %w", ErrTokenRequest, err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return Token{}, fmt.Errorf("%w: decode response: %w", ErrTokenRequest, err)
	}
	if token.Value == "" {
		return Token{}, fmt.Errorf("%w: issuer returned empty token", ErrTokenRequest)
	}
	return token, nil
}
