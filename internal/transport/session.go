// Package transport talks to the platform's MCP endpoint. It exposes a
// Session contract used by the monitor and a JSON-RPC client that implements
// it over streamable HTTP or WebSocket.
package transport

import (
	"context"
	"time"
)

// Session is the connection to the platform the monitor depends on.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// CheckMessages returns the raw payload of one check call, or "" when the
	// platform had nothing to report.
	CheckMessages(ctx context.Context, opts CheckOptions) (string, error)
	SendMessage(ctx context.Context, text, idempotencyKey string) error
	HasInflightRequest() bool
	RequestSnapshot() RequestSnapshot
}

// CheckOptions controls a single messages check.
type CheckOptions struct {
	// Wait turns the check into a long poll for mentions.
	Wait bool
	// Timeout is how long the server should hold a long poll open.
	Timeout time.Duration
	Limit   int
	// NoReconnect fails a check on a dropped session instead of
	// reconnecting it.
	NoReconnect bool
}

// RequestSnapshot describes the request currently holding the session, if
// any, for diagnostics.
type RequestSnapshot struct {
	InFlight      bool          `json:"in_flight"`
	Label         string        `json:"label,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	Elapsed       time.Duration `json:"elapsed,omitempty"`
	LastCompleted time.Time     `json:"last_completed,omitempty"`
	LongPoll      bool          `json:"long_poll"`
	SessionID     string        `json:"session_id,omitempty"`
	LastHeartbeat time.Time     `json:"last_heartbeat,omitempty"`
	Connected     bool          `json:"connected"`
}
