package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"

	"github.com/sirupsen/logrus"
)

// pinger is the part of Client the heartbeat drives.
type pinger interface {
	Connected() bool
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Heartbeat keeps an idle session warm with MCP pings. A failed ping drops
// the session so the next real request reconnects.
type Heartbeat struct {
	client   pinger
	logger   *logrus.Logger
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewHeartbeat returns a heartbeat for client. An interval <= 0 disables it.
func NewHeartbeat(client *Client, interval, timeout time.Duration, logger *logrus.Logger) *Heartbeat {
	return newHeartbeat(client, interval, timeout, logger)
}

func newHeartbeat(client pinger, interval, timeout time.Duration, logger *logrus.Logger) *Heartbeat {
	if timeout <= 0 {
		timeout = constants.DefaultHeartbeatTimeoutSec * time.Second
	}
	return &Heartbeat{
		client:   client,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Start launches the ping loop.
func (h *Heartbeat) Start(ctx context.Context) {
	if h.interval <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})

	h.wg.Add(1)
	go h.loop(ctx, h.stopCh)
	h.logger.WithField("interval", h.interval).Debug("Heartbeat started")
}

// Stop ends the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	close(h.stopCh)
	h.running = false
	h.mu.Unlock()

	h.wg.Wait()
}

func (h *Heartbeat) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	if !h.client.Connected() {
		return
	}

	beatCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := h.client.Ping(beatCtx)
	switch {
	case err == nil:
		h.logger.WithField("latency_ms", time.Since(start).Milliseconds()).Debug("Heartbeat ok")
	case errors.Is(err, ErrBusy):
		h.logger.Debug("Skipping heartbeat; another request is in flight")
	case ctx.Err() != nil:
	default:
		h.logger.WithError(err).Warn("Heartbeat failed, closing session for reconnect")
		disconnectCtx, cancelDisconnect := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancelDisconnect()
		_ = h.client.Disconnect(disconnectCtx)
	}
}
