package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/security"
	"github.com/sirupsen/logrus"
)

const (
	oauthClientID           = "MCP CLI Proxy"
	tokenRefreshSkew        = 60 * time.Second
	tokenRefreshInterval    = 600 * time.Second
	tokenRefreshHTTPTimeout = 10 * time.Second
)

// ErrNoToken means no usable access token could be produced.
var ErrNoToken = errors.New("no access token available")

// TokenSource yields the bearer token for platform requests. force asks for
// a refresh regardless of expiry, typically after a 401.
type TokenSource interface {
	Token(ctx context.Context, force bool) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (s StaticToken) Token(ctx context.Context, force bool) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// TokenManager reads OAuth tokens written by mcp-remote and refreshes them
// against the platform's OAuth server shortly before they expire.
type TokenManager struct {
	dir         string
	oauthServer string
	client      *http.Client
	logger      *logrus.Logger
	now         func() time.Time

	mu          sync.Mutex
	cache       map[string]any
	path        string
	lastRefresh time.Time
}

// NewTokenManager creates a token manager for tokenDir.
func NewTokenManager(tokenDir, oauthServer string, client *http.Client, logger *logrus.Logger) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: tokenRefreshHTTPTimeout}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &TokenManager{
		dir:         tokenDir,
		oauthServer: strings.TrimSuffix(oauthServer, "/"),
		client:      client,
		logger:      logger,
		now:         time.Now,
	}
}

// Path returns the token file currently in use.
func (m *TokenManager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Token returns a valid access token, refreshing it when forced, when no
// token has been loaded, or when it is within a minute of expiring.
func (m *TokenManager) Token(ctx context.Context, force bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := m.cache
	if force || tokens == nil {
		loaded, err := m.load()
		if err != nil {
			return "", err
		}
		tokens = loaded
	}

	now := m.now()
	if !m.shouldRefresh(tokens, now, force) {
		if access, _ := tokens["access_token"].(string); access != "" {
			return access, nil
		}
	}

	refreshed, err := m.refresh(ctx, tokens, now)
	if err != nil {
		// A still-valid cached token beats failing outright.
		if access, _ := tokens["access_token"].(string); access != "" && !force && !m.expired(tokens, now) {
			m.logger.WithError(err).Warn("Token refresh failed, using cached access token")
			return access, nil
		}
		return "", err
	}
	access, _ := refreshed["access_token"].(string)
	if access == "" {
		return "", ErrNoToken
	}
	return access, nil
}

// tokenFile picks the most recently modified mcp-remote-*/*_tokens.json.
func (m *TokenManager) tokenFile() (string, error) {
	candidates, err := filepath.Glob(filepath.Join(m.dir, "mcp-remote-*", "*_tokens.json"))
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no token file found in %s: %w", m.dir, ErrNoToken)
	}

	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(candidates))
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: c, mod: info.ModTime()})
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no readable token file in %s: %w", m.dir, ErrNoToken)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod.After(entries[j].mod) })
	return entries[0].path, nil
}

func (m *TokenManager) load() (map[string]any, error) {
	path, err := m.tokenFile()
	if err != nil {
		return nil, err
	}
	if err := security.ValidateFilePath(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var tokens map[string]any
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", path, err)
	}
	m.cache = tokens
	m.path = path
	return tokens, nil
}

func (m *TokenManager) save(tokens map[string]any) error {
	if m.path == "" {
		return errors.New("no token file selected")
	}
	raw, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.path, raw, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	m.cache = tokens
	return nil
}

func (m *TokenManager) shouldRefresh(tokens map[string]any, now time.Time, force bool) bool {
	if force || tokens == nil {
		return true
	}
	expiresAt, ok := expiresAt(tokens)
	if !ok {
		// Without expiry information fall back to a fixed cadence.
		return now.Sub(m.lastRefresh) >= tokenRefreshInterval
	}
	return !now.Before(expiresAt.Add(-tokenRefreshSkew))
}

func (m *TokenManager) expired(tokens map[string]any, now time.Time) bool {
	expiresAt, ok := expiresAt(tokens)
	return ok && !now.Before(expiresAt)
}

func (m *TokenManager) refresh(ctx context.Context, tokens map[string]any, now time.Time) (map[string]any, error) {
	refreshToken, _ := tokens["refresh_token"].(string)
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available: %w", ErrNoToken)
	}
	if m.oauthServer == "" {
		return nil, errors.New("oauth server is not configured")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {oauthClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.oauthServer+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var fresh map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&fresh); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}

	merged := make(map[string]any, len(tokens)+len(fresh)+1)
	for k, v := range tokens {
		merged[k] = v
	}
	for k, v := range fresh {
		merged[k] = v
	}
	if _, hasExpiry := fresh["expires_at"]; !hasExpiry {
		if _, hasLifetime := fresh["expires_in"]; hasLifetime {
			delete(merged, "expires_at")
		}
	}
	merged["refreshed_at"] = now.Unix()

	if err := m.save(merged); err != nil {
		return nil, err
	}
	m.lastRefresh = now
	m.logger.WithField("token_file", filepath.Base(m.path)).Info("Token refreshed successfully")
	return merged, nil
}

// expiresAt reads expires_at as unix seconds or RFC3339, falling back to
// refreshed_at + expires_in.
func expiresAt(tokens map[string]any) (time.Time, bool) {
	switch v := tokens["expires_at"].(type) {
	case float64:
		return unixFloat(v), true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		return time.Time{}, false
	}

	expiresIn, ok1 := tokens["expires_in"].(float64)
	refreshedAt, ok2 := numeric(tokens["refreshed_at"])
	if ok1 && ok2 {
		return unixFloat(refreshedAt + expiresIn), true
	}
	return time.Time{}, false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func unixFloat(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second)))
}
