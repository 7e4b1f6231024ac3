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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTokenProvider_Success(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(Token{
			Value:     "tok-abc",
			ExpiresAt: time.Now().Add(time.Hour),
		})
	}))
	defer srv.Close()

	provider, err := NewHTTPTokenProvider(srv.URL, nil)
	require.NoError(t, err)

	token, err := provider.Token(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", token.Value)
	assert.Equal(t, "user-1", gotBody["user_id"])
}

func TestHTTPTokenProvider_IssuerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	provider, err := NewHTTPTokenProvider(srv.URL, nil)
	require.NoError(t, err)

	_, err = provider.Token(context.Background(), "user-1")
	require.ErrorIs(t, err, ErrTokenRequest)
	assert.Contains(t, err.Error(), "403")
}

func TestHTTPTokenProvider_EmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token": ""}`))
	}))
	defer srv.Close()

	provider, err := NewHTTPTokenProvider(srv.URL, nil)
	require.NoError(t, err)

	_, err = provider.Token(context.Background(), "user-1")
	require.ErrorIs(t, err, ErrTokenRequest)
}

func TestHTTPTokenProvider_EmptyUserID(t *testing.T) {
	provider, err := NewHTTPTokenProvider("http://localhost:0", nil)
	require.NoError(t, err)

	_, err = provider.Token(context.Background(), "")
	require.ErrorIs(t, err, ErrTokenRequest)
}

func TestNewHTTPTokenProvider_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPTokenProvider("", nil)
	require.Error(t, err)
}
