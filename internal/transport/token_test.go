package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func writeTokenFile(t *testing.T, dir, sub string, tokens map[string]any, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, sub, "abc_tokens.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	raw, err := json.Marshal(tokens)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0600))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

type oauthServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newOAuthServer(t *testing.T, status int) *oauthServer {
	o := &oauthServer{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		assert.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, oauthClientID, r.PostForm.Get("client_id"))

		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-2",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(o.Close)
	return o
}

func newTestTokenManager(dir, oauth string) *TokenManager {
	m := NewTokenManager(dir, oauth, nil, testLogger())
	m.now = func() time.Time { return tokenNow }
	return m
}

func TestTokenManager_PicksNewestFile(t *testing.T) {
	dir := t.TempDir()
	valid := float64(tokenNow.Add(time.Hour).Unix())
	writeTokenFile(t, dir, "mcp-remote-0.1.0", map[string]any{"access_token": "old", "expires_at": valid}, tokenNow.Add(-2*time.Hour))
	newest := writeTokenFile(t, dir, "mcp-remote-0.1.18", map[string]any{"access_token": "new", "expires_at": valid}, tokenNow.Add(-time.Hour))

	m := newTestTokenManager(dir, "")
	token, err := m.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "new", token)
	assert.Equal(t, newest, m.Path())
}

func TestTokenManager_NoFile(t *testing.T) {
	m := newTestTokenManager(t.TempDir(), "")
	_, err := m.Token(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestTokenManager_RefreshDecision(t *testing.T) {
	tests := []struct {
		name        string
		tokens      map[string]any
		force       bool
		wantToken   string
		wantRefresh bool
	}{
		{
			name:      "valid numeric expiry",
			tokens:    map[string]any{"access_token": "access-1", "refresh_token": "refresh-1", "expires_at": float64(tokenNow.Add(time.Hour).Unix())},
			wantToken: "access-1",
		},
		{
			name:        "within skew",
			tokens:      map[string]any{"access_token": "access-1", "refresh_token": "refresh-1", "expires_at": float64(tokenNow.Add(30 * time.Second).Unix())},
			wantToken:   "access-2",
			wantRefresh: true,
		},
		{
			name:        "rfc3339 expiry in the past",
			tokens:      map[string]any{"access_token": "access-1", "refresh_token": "refresh-1", "expires_at": tokenNow.Add(-time.Minute).Format(time.RFC3339)},
			wantToken:   "access-2",
			wantRefresh: true,
		},
		{
			name:      "expires_in fallback",
			tokens:    map[string]any{"access_token": "access-1", "refresh_token": "refresh-1", "expires_in": 3600, "refreshed_at": tokenNow.Add(-10 * time.Minute).Unix()},
			wantToken: "access-1",
		},
		{
			name:        "forced",
			tokens:      map[string]any{"access_token": "access-1", "refresh_token": "refresh-1", "expires_at": float64(tokenNow.Add(time.Hour).Unix())},
			force:       true,
			wantToken:   "access-2",
			wantRefresh: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeTokenFile(t, dir, "mcp-remote-0.1.18", tt.tokens, tokenNow)
			oauth := newOAuthServer(t, http.StatusOK)

			m := newTestTokenManager(dir, oauth.URL)
			token, err := m.Token(context.Background(), tt.force)
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, token)

			if !tt.wantRefresh {
				assert.Zero(t, oauth.hits.Load())
				return
			}
			assert.Equal(t, int32(1), oauth.hits.Load())

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			var saved map[string]any
			require.NoError(t, json.Unmarshal(raw, &saved))
			assert.Equal(t, "access-2", saved["access_token"])
			assert.Equal(t, "refresh-1", saved["refresh_token"])
			assert.Equal(t, float64(tokenNow.Unix()), saved["refreshed_at"])

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestTokenManager_RefreshFailure(t *testing.T) {
	t.Run("falls back to unexpired cached token", func(t *testing.T) {
		dir := t.TempDir()
		writeTokenFile(t, dir, "mcp-remote-0.1.18", map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_at":    float64(tokenNow.Add(30 * time.Second).Unix()),
		}, tokenNow)
		oauth := newOAuthServer(t, http.StatusBadGateway)

		token, err := newTestTokenManager(dir, oauth.URL).Token(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "access-1", token)
	})

	t.Run("forced refresh surfaces the error", func(t *testing.T) {
		dir := t.TempDir()
		writeTokenFile(t, dir, "mcp-remote-0.1.18", map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
		}, tokenNow)
		oauth := newOAuthServer(t, http.StatusUnauthorized)

		_, err := newTestTokenManager(dir, oauth.URL).Token(context.Background(), true)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})

	t.Run("missing refresh token", func(t *testing.T) {
		dir := t.TempDir()
		writeTokenFile(t, dir, "mcp-remote-0.1.18", map[string]any{
			"access_token": "access-1",
			"expires_at":   float64(tokenNow.Add(-time.Hour).Unix()),
		}, tokenNow)

		_, err := newTestTokenManager(dir, "http://unused").Token(context.Background(), false)
		assert.ErrorIs(t, err, ErrNoToken)
	})
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("abc").Token(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = StaticToken("").Token(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoToken)
}
