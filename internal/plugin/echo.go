package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	EchoType          = "echo"
	defaultEchoPrefix = "[Echo] You said: "
)

// Echo replies with the message it was given. Handy for wiring tests.
type Echo struct {
	logger *logrus.Logger

	mu     sync.RWMutex
	prefix string
	count  int
}

// NewEcho builds an echo plugin. cfg may set "prefix".
func NewEcho(cfg map[string]any, logger *logrus.Logger) (Plugin, error) {
	e := &Echo{logger: logger, prefix: defaultEchoPrefix}
	if err := e.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Echo) Name() string { return EchoType }

func (e *Echo) ProcessMessage(ctx context.Context, message string, pctx Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.count++
	prefix := e.prefix
	e.mu.Unlock()

	reply := prefix + message
	if pctx.StreamHandler != nil {
		pctx.StreamHandler(reply)
	}
	return reply, nil
}

// Reconfigure applies a new prefix.
func (e *Echo) Reconfigure(cfg map[string]any) error {
	raw, ok := cfg["prefix"]
	if !ok {
		return nil
	}
	prefix, ok := raw.(string)
	if !ok {
		return fmt.Errorf("echo prefix must be a string, got %T", raw)
	}

	e.mu.Lock()
	e.prefix = prefix
	e.mu.Unlock()
	e.logger.WithField("prefix", prefix).Debug("Echo plugin reconfigured")
	return nil
}

// ResetContext clears the processed-message counter.
func (e *Echo) ResetContext() {
	e.mu.Lock()
	e.count = 0
	e.mu.Unlock()
}

// Processed returns how many messages have been echoed since the last reset.
func (e *Echo) Processed() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count
}
