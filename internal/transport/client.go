package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	apperrors "github.com/ax-platform/ax-mcp-monitor/internal/errors"
	"github.com/ax-platform/ax-mcp-monitor/internal/metrics"
	"github.com/ax-platform/ax-mcp-monitor/internal/privacy"
	"github.com/ax-platform/ax-mcp-monitor/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultRequestTimeout bounds every call that is not a long poll.
	DefaultRequestTimeout = 30 * time.Second
	// LongPollSlack is added to the server-side wait before the client gives up.
	LongPollSlack = constants.DefaultLongPollGuardSlackSec * time.Second

	cancelNotifyTimeout = 2 * time.Second
	staleCloseTimeout   = 5 * time.Second
)

// ErrBusy is returned by Ping when another request holds the session.
var ErrBusy = errors.New("session busy")

// ClientConfig configures a Client.
type ClientConfig struct {
	ServerURL      string
	AgentName      string
	Tokens         TokenSource
	HTTPClient     *http.Client
	LongPollGuard  time.Duration
	RequestTimeout time.Duration
	ClientName     string
	ClientVersion  string
	Logger         *logrus.Logger
}

// Client is an MCP JSON-RPC session to the platform. The transport is chosen
// from the URL scheme: http(s) uses streamable HTTP, ws(s) uses WebSocket.
type Client struct {
	cfg        ClientConfig
	transport  rpcTransport
	guard      *RequestGuard
	instanceID string
	logger     *logrus.Logger
	slack      time.Duration

	connMu        sync.Mutex
	connected     atomic.Bool
	forceRefresh  atomic.Bool
	lastHeartbeat atomic.Int64
}

var _ Session = (*Client)(nil)

// NewClient validates cfg and builds a disconnected client.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", cfg.ServerURL)
	}
	if cfg.HTTPClient == nil {
		// Long polls are bounded per call by context, not by the client.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.LongPollGuard <= 0 {
		cfg.LongPollGuard = constants.DefaultLongPollGuardSec * time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "ax-monitor"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}

	c := &Client{
		cfg:        cfg,
		guard:      NewRequestGuard(),
		instanceID: uuid.NewString(),
		logger:     cfg.Logger,
		slack:      LongPollSlack,
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		c.transport = newHTTPTransport(cfg.ServerURL, cfg.HTTPClient, c.headers, cfg.Logger)
	case "ws", "wss":
		c.transport = newWSTransport(cfg.ServerURL, cfg.HTTPClient, c.headers, cfg.Logger)
	default:
		return nil, fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	return c, nil
}

// InstanceID identifies this client process to the platform.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Connected reports whether an initialized session is believed to be live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect opens the transport and performs the MCP initialize handshake. It
// is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	release, err := c.guard.Acquire(ctx, "initialize", false)
	if err != nil {
		return err
	}
	defer release()

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected.Load() {
		return nil
	}

	closeCtx, cancelClose := context.WithTimeout(ctx, staleCloseTimeout)
	_ = c.transport.Close(closeCtx)
	cancelClose()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := c.transport.Open(callCtx); err != nil {
		return c.classify(ctx, "connect", err)
	}

	resp, err := c.transport.Call(callCtx, newCall(methodInitialize, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.cfg.ClientName,
			"version": c.cfg.ClientVersion,
		},
	}))
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	if err == nil {
		err = c.transport.Notify(callCtx, newNotification(methodInitialized, nil))
	}
	if err != nil {
		cleanupCtx, cleanup := context.WithTimeout(context.WithoutCancel(ctx), staleCloseTimeout)
		_ = c.transport.Close(cleanupCtx)
		cleanup()
		return c.classify(ctx, "connect", err)
	}

	c.connected.Store(true)
	c.logger.WithFields(logrus.Fields{
		"session_id": privacy.MaskSessionID(c.transport.SessionID()),
		"instance":   privacy.ShortID(c.instanceID),
		"agent":      c.cfg.AgentName,
	}).Info("Connected to platform")
	return nil
}

// Disconnect tears the session down. Safe to call when not connected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	wasConnected := c.connected.Swap(false)
	err := c.transport.Close(ctx)
	if wasConnected {
		c.logger.Info("Disconnected from platform")
	}
	return err
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	return c.Connect(ctx)
}

// CheckMessages calls the messages tool in check mode. A long poll is held
// open by the server for at most min(opts.Timeout, LongPollGuard); if it has
// not answered LongPollSlack after that, the request is cancelled and the
// session recycled.
func (c *Client) CheckMessages(ctx context.Context, opts CheckOptions) (string, error) {
	const op = "messages.check"

	if opts.NoReconnect && !c.connected.Load() {
		return "", apperrors.NewNotConnectedError(op)
	}
	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}

	release, err := c.guard.Acquire(ctx, op, opts.Wait)
	if err != nil {
		return "", err
	}
	defer release()

	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}
	args := map[string]any{
		"action":    "check",
		"wait":      opts.Wait,
		"wait_mode": nil,
		"timeout":   nil,
		"mode":      "latest",
		"limit":     limit,
	}

	timeout := c.cfg.RequestTimeout
	var wait time.Duration
	if opts.Wait {
		wait = c.effectiveWait(opts.Timeout)
		args["wait_mode"] = "mentions"
		args["timeout"] = int(wait.Seconds())
		timeout = wait + c.slack
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := newCall(methodToolsCall, toolCallParams{Name: messagesTool, Arguments: args})
	start := time.Now()
	resp, err := c.transport.Call(callCtx, req)
	c.observe(op, start, err)
	if err != nil {
		if opts.Wait && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			c.abandon(ctx, req.ID, "long poll guard exceeded")
			return "", apperrors.NewTimeoutError(op, timeout)
		}
		return "", c.classify(ctx, op, err)
	}

	text, err := decodeToolResult(messagesTool, resp)
	if err != nil {
		return "", c.classify(ctx, op, err)
	}
	return text, nil
}

// SendMessage posts content through the messages tool. The idempotency key
// lets the platform drop a resend of the same reply.
func (c *Client) SendMessage(ctx context.Context, text, idempotencyKey string) error {
	const op = "messages.send"

	ctx, span := tracing.StartSpan(ctx, "transport.send",
		attribute.String("message.id", privacy.ShortID(idempotencyKey)),
		attribute.Int("message.length", len(text)),
	)
	defer span.End()

	if err := c.ensureConnected(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	release, err := c.guard.Acquire(ctx, op, false)
	if err != nil {
		return err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	args := map[string]any{
		"action":  "send",
		"content": text,
	}
	if idempotencyKey != "" {
		args["idempotency_key"] = idempotencyKey
	}

	start := time.Now()
	resp, err := c.transport.Call(callCtx, newCall(methodToolsCall, toolCallParams{Name: messagesTool, Arguments: args}))
	c.observe(op, start, err)
	if err == nil {
		_, err = decodeToolResult(messagesTool, resp)
	}
	if err != nil {
		err = c.classify(ctx, op, err)
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// Ping sends an MCP ping when the session is idle. It returns ErrBusy without
// touching the wire when another request holds the session.
func (c *Client) Ping(ctx context.Context) error {
	const op = "heartbeat.ping"

	release, ok := c.guard.TryAcquire(op)
	if !ok {
		return ErrBusy
	}
	defer release()

	start := time.Now()
	resp, err := c.transport.Call(ctx, newCall(methodPing, nil))
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	c.observe(op, start, err)
	if err != nil {
		return c.classify(ctx, op, err)
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return nil
}

func (c *Client) HasInflightRequest() bool {
	return c.guard.InFlight()
}

// IsLongPollActive reports whether the in-flight request is a long poll.
func (c *Client) IsLongPollActive() bool {
	return c.guard.LongPollActive()
}

func (c *Client) RequestSnapshot() RequestSnapshot {
	snap := c.guard.Snapshot()
	snap.SessionID = c.transport.SessionID()
	snap.Connected = c.connected.Load()
	if hb := c.lastHeartbeat.Load(); hb != 0 {
		snap.LastHeartbeat = time.Unix(0, hb)
	}
	return snap
}

func (c *Client) effectiveWait(requested time.Duration) time.Duration {
	wait := requested
	if guard := c.cfg.LongPollGuard; guard > 0 && (wait <= 0 || wait > guard) {
		wait = guard
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// abandon gives up on a stuck request: it tells the server, best effort, and
// drops the session so the next call starts fresh.
func (c *Client) abandon(ctx context.Context, id json.RawMessage, reason string) {
	c.logger.WithField("reason", reason).Warn("Abandoning stuck platform request")

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelNotifyTimeout)
	defer cancel()
	if err := c.transport.Notify(notifyCtx, newNotification(methodCancelled, map[string]any{
		"requestId": id,
		"reason":    reason,
	})); err != nil {
		c.logger.WithError(err).Debug("Cancel notification failed")
	}
	_ = c.Disconnect(notifyCtx)
}

func (c *Client) headers(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	if c.cfg.Tokens != nil {
		token, err := c.cfg.Tokens.Token(ctx, c.forceRefresh.Swap(false))
		if err != nil {
			return nil, apperrors.NewAuthError("token", err)
		}
		h.Set("Authorization", "Bearer "+token)
	}
	if c.cfg.AgentName != "" {
		h.Set("X-Agent-Name", c.cfg.AgentName)
	}
	h.Set("X-Client-Instance", c.instanceID)
	return h, nil
}

// classify maps a failed call onto the error taxonomy and drops the session
// when it can no longer be trusted.
func (c *Client) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}

	var statusErr *StatusError
	var rpcErr *RPCError
	var toolErr *ToolError

	switch {
	case errors.As(err, &statusErr):
		code := statusErr.StatusCode
		switch {
		case code == http.StatusUnauthorized:
			c.forceRefresh.Store(true)
			c.connected.Store(false)
		case code == http.StatusNotFound:
			// Session expired server-side.
			c.connected.Store(false)
			appErr := apperrors.NewTransportError(op, code, err).WithContext("reason", "session expired")
			appErr.Retryable = true
			return appErr
		case code >= 500:
			c.connected.Store(false)
		}
		return apperrors.NewTransportError(op, code, err)
	case errors.As(err, &rpcErr), errors.As(err, &toolErr):
		return apperrors.Wrap(err, apperrors.ErrCodeTransport, fmt.Sprintf("%s rejected", op)).
			WithContext("operation", op)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperrors.WrapRetryable(err, apperrors.ErrCodeTransport, "circuit breaker open").
			WithContext("operation", op)
	}

	c.connected.Store(false)
	return apperrors.NewTransportError(op, 0, err)
}

func (c *Client) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.IncrementCounter("transport_requests_total", map[string]string{
		"operation": op,
		"result":    result,
	}, "Platform requests by operation and result")
	metrics.RecordTimer("transport_request", time.Since(start), map[string]string{
		"operation": op,
	}, "Platform request latency")
}
