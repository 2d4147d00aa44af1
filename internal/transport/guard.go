package transport

import (
	"context"
	"sync"
	"time"
)

// RequestGuard admits one request at a time onto a session. Long polls and
// sends would otherwise interleave on the same stream.
type RequestGuard struct {
	sem chan struct{}

	mu            sync.Mutex
	label         string
	started       time.Time
	lastCompleted time.Time
	longPoll      bool
}

// NewRequestGuard returns an idle guard.
func NewRequestGuard() *RequestGuard {
	return &RequestGuard{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the guard is free or ctx is done. The returned release
// func must be called exactly once.
func (g *RequestGuard) Acquire(ctx context.Context, label string, longPoll bool) (func(), error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.mark(label, longPoll)
	return g.releaseOnce(), nil
}

// TryAcquire takes the guard only if it is free.
func (g *RequestGuard) TryAcquire(label string) (func(), bool) {
	select {
	case g.sem <- struct{}{}:
	default:
		return nil, false
	}
	g.mark(label, false)
	return g.releaseOnce(), true
}

func (g *RequestGuard) mark(label string, longPoll bool) {
	g.mu.Lock()
	g.label = label
	g.started = time.Now()
	g.longPoll = longPoll
	g.mu.Unlock()
}

func (g *RequestGuard) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.label = ""
			g.started = time.Time{}
			g.longPoll = false
			g.lastCompleted = time.Now()
			g.mu.Unlock()
			<-g.sem
		})
	}
}

// InFlight reports whether a request currently holds the guard.
func (g *RequestGuard) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.started.IsZero()
}

// LongPollActive reports whether the holder is a long poll.
func (g *RequestGuard) LongPollActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.longPoll
}

// Snapshot returns the guard state.
func (g *RequestGuard) Snapshot() RequestSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := RequestSnapshot{
		InFlight:      !g.started.IsZero(),
		Label:         g.label,
		StartedAt:     g.started,
		LastCompleted: g.lastCompleted,
		LongPoll:      g.longPoll,
	}
	if snap.InFlight {
		snap.Elapsed = time.Since(g.started)
	}
	return snap
}
