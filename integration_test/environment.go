package integration_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/database"
	"github.com/ax-platform/ax-mcp-monitor/internal/plugin"
	"github.com/ax-platform/ax-mcp-monitor/internal/retry"
	"github.com/ax-platform/ax-mcp-monitor/internal/service"
	"github.com/ax-platform/ax-mcp-monitor/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentHandle = "monitor_bot"

// TestEnvironment wires a real monitor to a fake platform, a SQLite store
// and the echo plugin.
type TestEnvironment struct {
	t        *testing.T
	Platform *FakePlatform
	DB       *database.Database
	Client   *transport.Client
	Monitor  *service.Monitor
	Config   service.MonitorConfig

	cancel context.CancelFunc
	done   chan error
}

func NewTestEnvironment(t *testing.T, mutate func(*service.MonitorConfig)) *TestEnvironment {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	platform := NewFakePlatform(t)

	db, err := database.New(filepath.Join(t.TempDir(), "monitor.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client, err := transport.NewClient(transport.ClientConfig{
		ServerURL:      platform.URL(),
		AgentName:      agentHandle,
		LongPollGuard:  time.Minute,
		RequestTimeout: 2 * time.Second,
		Logger:         logger,
	})
	require.NoError(t, err)

	echo, err := plugin.NewEcho(nil, logger)
	require.NoError(t, err)

	config := service.MonitorConfig{
		AgentHandle:        agentHandle,
		LongPollTimeout:    50 * time.Millisecond,
		CheckLimit:         5,
		StallThreshold:     time.Minute,
		StartupMaxAttempts: 3,
		ReconnectAttempts:  2,
		SendAttempts:       1,
		ShutdownTimeout:    2 * time.Second,
		Health:             service.HealthConfig{CheckInterval: time.Hour, MaxFailures: 3, ProbeTimeout: time.Second},
		Retry:              service.RetryConfig{MaxRetries: 3, MessageTimeout: time.Hour, SweepInterval: 20 * time.Millisecond},
		CleanupInterval:    time.Hour,
		Retention:          24 * time.Hour,
		BacklogInterval:    time.Hour,
		ErrorPause:         10 * time.Millisecond,
		MinPollInterval:    5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}

	backoff := retry.NewBackoff(retry.BackoffConfig{
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 3,
	})

	return &TestEnvironment{
		t:        t,
		Platform: platform,
		DB:       db,
		Client:   client,
		Monitor:  service.NewMonitor(client, db, echo, config, logger, service.WithBackoff(backoff)),
		Config:   config,
	}
}

// Start runs the monitor until the test ends.
func (e *TestEnvironment) Start() {
	e.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() { e.done <- e.Monitor.Run(ctx) }()

	e.t.Cleanup(e.Stop)
	require.Eventually(e.t, func() bool {
		return e.Monitor.Status(context.Background()).Running
	}, 2*time.Second, 5*time.Millisecond)
}

// Stop cancels the monitor and waits for Run to return.
func (e *TestEnvironment) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.cancel = nil

	select {
	case err := <-e.done:
		assert.NoError(e.t, err)
	case <-time.After(5 * time.Second):
		e.t.Error("monitor did not shut down")
	}
}

// WaitForSent blocks until the platform has received n replies.
func (e *TestEnvironment) WaitForSent(n int) []sentMessage {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return len(e.Platform.Sent()) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return e.Platform.Sent()
}
