package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// stallMargin is the minimum gap between the long-poll timeout and the stall
// threshold. Anything tighter would flag every healthy long poll as stalled.
const stallMargin = constants.DefaultStallMarginSec * time.Second

// Load reads an optional .env file, populates the configuration from the
// environment and validates it.
func Load() (*models.Config, error) {
	// A missing .env is fine; real environment variables always win.
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv populates the configuration from the process environment
// without touching .env files.
func LoadFromEnv() (*models.Config, error) {
	var cfg models.Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, models.ConfigError{Message: fmt.Sprintf("failed to process environment configuration: %v", err)}
	}

	if cfg.MCP.ConfigPath != "" {
		server, err := LoadMCPServer(cfg.MCP.ConfigPath, cfg.MCP.ServerName)
		if err != nil {
			return nil, err
		}
		applyMCPServer(&cfg.MCP, server)
	}
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyMCPServer fills unset MCP fields from a server entry. Explicit
// environment values take precedence.
func applyMCPServer(mcp *models.MCPConfig, server *MCPServer) {
	if mcp.ServerURL == "" {
		mcp.ServerURL = server.ServerURL
	}
	if mcp.OAuthServer == "" {
		mcp.OAuthServer = server.OAuthServer
	}
	if mcp.TokenDir == "" {
		mcp.TokenDir = server.TokenDir
	}
	if mcp.AgentName == "" {
		mcp.AgentName = server.AgentName
	}
}

func applyDefaults(cfg *models.Config) {
	mcp := &cfg.MCP
	if mcp.OAuthServer == "" && mcp.ServerURL != "" {
		mcp.OAuthServer = oauthBase(mcp.ServerURL)
	}
	if mcp.AgentName == "" && mcp.TokenDir != "" {
		mcp.AgentName = filepath.Base(filepath.Clean(mcp.TokenDir))
	}
	mcp.AgentName = strings.TrimPrefix(strings.TrimSpace(mcp.AgentName), "@")
}

// Validate checks struct tags and the cross-field rules envconfig cannot
// express.
func Validate(cfg *models.Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("configuration validation failed: %v", err)}
	}

	mcp := cfg.MCP
	if mcp.ServerURL == "" {
		return models.ConfigError{Message: "MCP server URL is required (set MCP_SERVER_URL or MCP_CONFIG_PATH)"}
	}
	u, err := url.Parse(mcp.ServerURL)
	if err != nil || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid MCP server URL %q", mcp.ServerURL)}
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return models.ConfigError{Message: fmt.Sprintf("unsupported MCP server URL scheme %q", u.Scheme)}
	}
	if mcp.AgentName == "" {
		return models.ConfigError{Message: "agent name is required (set AX_AGENT_NAME or MCP_REMOTE_CONFIG_DIR)"}
	}
	if mcp.BearerToken == "" && mcp.TokenDir == "" {
		return models.ConfigError{Message: "credentials are required (set MCP_BEARER_TOKEN or MCP_REMOTE_CONFIG_DIR)"}
	}

	durations := []struct {
		name  string
		value models.Seconds
	}{
		{"MCP_LONG_POLL_TIMEOUT", mcp.LongPollTimeout},
		{"MCP_LONG_POLL_GUARD", mcp.LongPollGuard},
		{"AX_STALL_THRESHOLD", cfg.Monitor.StallThreshold},
		{"AX_SHUTDOWN_TIMEOUT", cfg.Monitor.ShutdownTimeout},
		{"AX_HEALTH_CHECK_INTERVAL", cfg.Health.CheckInterval},
		{"AX_HEALTH_PROBE_TIMEOUT", cfg.Health.ProbeTimeout},
		{"AX_MESSAGE_TIMEOUT", cfg.Retry.MessageTimeout},
		{"AX_RETRY_SWEEP_INTERVAL", cfg.Retry.SweepInterval},
		{"AX_CLEANUP_INTERVAL", cfg.Retry.CleanupInterval},
		{"AX_RETENTION", cfg.Retry.Retention},
		{"AX_BACKOFF_BASE", cfg.Backoff.Base},
		{"AX_BACKOFF_MAX", cfg.Backoff.Max},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return models.ConfigError{Message: fmt.Sprintf("%s must be positive, got %s", d.name, d.value)}
		}
	}
	// A zero heartbeat interval disables the heartbeat.
	if mcp.HeartbeatInterval < 0 || mcp.HeartbeatTimeout < 0 {
		return models.ConfigError{Message: "heartbeat durations must not be negative"}
	}

	if cfg.Monitor.StallThreshold.Duration() < mcp.LongPollTimeout.Duration()+stallMargin {
		return models.ConfigError{Message: fmt.Sprintf(
			"AX_STALL_THRESHOLD (%s) must be at least MCP_LONG_POLL_TIMEOUT (%s) plus %s",
			cfg.Monitor.StallThreshold, mcp.LongPollTimeout, stallMargin)}
	}
	if cfg.Backoff.Max < cfg.Backoff.Base {
		return models.ConfigError{Message: "AX_BACKOFF_MAX must not be smaller than AX_BACKOFF_BASE"}
	}
	if cfg.Database.EnableEncryption && cfg.Database.EncryptionSecret == "" {
		return models.ConfigError{Message: "AX_ENCRYPTION_SECRET is required when encryption is enabled"}
	}
	return nil
}

// oauthBase returns scheme://host for the server, mapping websocket schemes
// to their HTTP equivalents.
func oauthBase(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
