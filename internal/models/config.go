package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds the monitor configuration. It is populated from the
// environment once at startup and never mutated afterwards.
type Config struct {
	LogLevel   string `envconfig:"AX_LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn warning error"`
	LogFormat  string `envconfig:"AX_LOG_FORMAT" default:"json" validate:"oneof=json text"`
	StatusAddr string `envconfig:"AX_STATUS_ADDR"`

	MCP      MCPConfig
	Plugin   PluginConfig
	Monitor  MonitorConfig
	Health   HealthConfig
	Retry    RetryConfig
	Backoff  BackoffConfig
	Database DatabaseConfig
	Tracing  TracingConfig
}

// MCPConfig describes how to reach the platform endpoint.
type MCPConfig struct {
	ConfigPath        string  `envconfig:"MCP_CONFIG_PATH"`
	ServerName        string  `envconfig:"MCP_SERVER_NAME"`
	ServerURL         string  `envconfig:"MCP_SERVER_URL"`
	OAuthServer       string  `envconfig:"MCP_OAUTH_SERVER"`
	TokenDir          string  `envconfig:"MCP_REMOTE_CONFIG_DIR"`
	AgentName         string  `envconfig:"AX_AGENT_NAME"`
	AgentEmoji        string  `envconfig:"AGENT_EMOJI"`
	BearerToken       string  `envconfig:"MCP_BEARER_TOKEN"`
	LongPollTimeout   Seconds `envconfig:"MCP_LONG_POLL_TIMEOUT" default:"35"`
	LongPollGuard     Seconds `envconfig:"MCP_LONG_POLL_GUARD" default:"1200"`
	HeartbeatInterval Seconds `envconfig:"MCP_HEARTBEAT_INTERVAL" default:"45"`
	HeartbeatTimeout  Seconds `envconfig:"MCP_HEARTBEAT_TIMEOUT" default:"15"`
	CheckLimit        int     `envconfig:"MCP_CHECK_LIMIT" default:"5" validate:"min=1,max=100"`
}

// PluginConfig selects the responder.
type PluginConfig struct {
	Type        string `envconfig:"PLUGIN_TYPE" default:"echo" validate:"required"`
	ConfigPath  string `envconfig:"PLUGIN_CONFIG"`
	WatchConfig bool   `envconfig:"PLUGIN_CONFIG_WATCH" default:"true"`
}

// MonitorConfig drives the control loop.
type MonitorConfig struct {
	StallThreshold     Seconds  `envconfig:"AX_STALL_THRESHOLD" default:"120"`
	StartupMaxAttempts int      `envconfig:"AX_STARTUP_MAX_ATTEMPTS" default:"10" validate:"min=1,max=100"`
	SendAttempts       int      `envconfig:"AX_SEND_ATTEMPTS" default:"3" validate:"min=1,max=10"`
	ShutdownTimeout    Seconds  `envconfig:"AX_SHUTDOWN_TIMEOUT" default:"10"`
	IgnoreMentions     []string `envconfig:"AX_IGNORE_MENTIONS"`
	RequiredMentions   []string `envconfig:"AX_REQUIRED_MENTIONS"`
}

// HealthConfig configures the liveness probe.
type HealthConfig struct {
	CheckInterval Seconds `envconfig:"AX_HEALTH_CHECK_INTERVAL" default:"60"`
	MaxFailures   int     `envconfig:"AX_HEALTH_MAX_FAILURES" default:"3" validate:"min=1,max=100"`
	ProbeTimeout  Seconds `envconfig:"AX_HEALTH_PROBE_TIMEOUT" default:"10"`
}

// RetryConfig configures the retry, dead-letter and cleanup sweeps.
type RetryConfig struct {
	MaxRetries      int     `envconfig:"AX_MAX_RETRIES" default:"5" validate:"min=1,max=100"`
	MessageTimeout  Seconds `envconfig:"AX_MESSAGE_TIMEOUT" default:"300"`
	SweepInterval   Seconds `envconfig:"AX_RETRY_SWEEP_INTERVAL" default:"30"`
	CleanupInterval Seconds `envconfig:"AX_CLEANUP_INTERVAL" default:"3600"`
	Retention       Seconds `envconfig:"AX_RETENTION" default:"86400"`
}

// BackoffConfig configures the shared backoff policy.
type BackoffConfig struct {
	Base       Seconds `envconfig:"AX_BACKOFF_BASE" default:"1"`
	Max        Seconds `envconfig:"AX_BACKOFF_MAX" default:"300"`
	Multiplier float64 `envconfig:"AX_BACKOFF_MULTIPLIER" default:"2.0" validate:"gte=1,lte=10"`
	Jitter     bool    `envconfig:"AX_BACKOFF_JITTER" default:"true"`
}

// DatabaseConfig holds store settings.
type DatabaseConfig struct {
	Path             string `envconfig:"AX_DB_PATH" default:"./data/ax-monitor.db" validate:"required"`
	EnableEncryption bool   `envconfig:"AX_ENABLE_ENCRYPTION" default:"false"`
	EncryptionSecret string `envconfig:"AX_ENCRYPTION_SECRET"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `envconfig:"AX_TRACING_ENABLED" default:"false"`
	UseStdout    bool    `envconfig:"AX_TRACING_STDOUT" default:"false"`
	OTLPEndpoint string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`
	SampleRate   float64 `envconfig:"AX_TRACING_SAMPLE_RATE" default:"0.1" validate:"gte=0,lte=1"`
	Environment  string  `envconfig:"AX_ENVIRONMENT" default:"development"`
}

// Seconds is a duration that accepts either a bare number of seconds
// ("35", "0.5") or a Go duration string ("35s", "2m").
type Seconds time.Duration

// Decode implements envconfig.Decoder.
func (s *Seconds) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*s = 0
		return nil
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		*s = Seconds(time.Duration(f * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*s = Seconds(d)
	return nil
}

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

func (s Seconds) String() string {
	return time.Duration(s).String()
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
