package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	"github.com/ax-platform/ax-mcp-monitor/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Prober runs one lightweight liveness check against the platform.
type Prober interface {
	Probe(ctx context.Context) error
}

// inflightReporter is implemented by probers that can tell whether the
// transport is already busy with a request.
type inflightReporter interface {
	HasInflightRequest() bool
}

// HealthConfig configures the liveness probe.
type HealthConfig struct {
	CheckInterval time.Duration
	MaxFailures   int
	ProbeTimeout  time.Duration
}

// DefaultHealthConfig returns the probe defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval: constants.DefaultHealthCheckIntervalSec * time.Second,
		MaxFailures:   constants.DefaultHealthMaxFailures,
		ProbeTimeout:  constants.DefaultHealthProbeTimeoutSec * time.Second,
	}
}

// HealthSnapshot is the health state as reported on the status endpoint.
type HealthSnapshot struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessfulCheck time.Time `json:"last_successful_check"`
	LastError           string    `json:"last_error,omitempty"`
	SkippedProbes       int64     `json:"skipped_probes"`
}

// HealthMonitor tracks whether the connection to the platform still works.
// The connection is healthy while consecutive failures stay below the limit
// and the last success is no older than two check intervals.
type HealthMonitor struct {
	prober Prober
	config HealthConfig
	logger *logrus.Logger
	now    func() time.Time

	mu                  sync.RWMutex
	consecutiveFailures int
	lastSuccess         time.Time
	lastError           string
	skipped             int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthMonitor creates a health monitor. Zero config fields fall back to
// the defaults.
func NewHealthMonitor(prober Prober, config HealthConfig, logger *logrus.Logger) *HealthMonitor {
	defaults := DefaultHealthConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthMonitor{
		prober:      prober,
		config:      config,
		logger:      logger,
		now:         time.Now,
		lastSuccess: time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start probes on every interval until ctx is done or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(h.config.CheckInterval)
	defer ticker.Stop()

	h.logger.WithFields(logrus.Fields{
		LogFieldComponent: "health",
		"interval":        h.config.CheckInterval,
		"max_failures":    h.config.MaxFailures,
	}).Info("Starting health monitor")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.stopCh:
			return nil
		case <-ticker.C:
			_ = h.Check(ctx)
		}
	}
}

// Stop ends a running Start loop.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Check runs one probe and records its outcome. A probe that would compete
// with a request already in flight is skipped and leaves the state alone.
func (h *HealthMonitor) Check(ctx context.Context) error {
	if h.busy() {
		h.recordSkip()
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.config.ProbeTimeout)
	defer cancel()

	err := h.prober.Probe(probeCtx)
	if err == nil {
		h.RecordSuccess()
		metrics.IncrementCounter("health_probes_total", map[string]string{"result": "success"}, "Health probes by result")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// The probe timed out because another request took the session first.
	if errors.Is(err, context.DeadlineExceeded) && h.busy() {
		h.recordSkip()
		return nil
	}

	h.RecordFailure(err)
	metrics.IncrementCounter("health_probes_total", map[string]string{"result": "failure"}, "Health probes by result")
	return err
}

// RecordSuccess marks the connection as working. The control loop calls it
// after every completed long poll.
func (h *HealthMonitor) RecordSuccess() {
	h.mu.Lock()
	h.consecutiveFailures = 0
	h.lastSuccess = h.now()
	h.lastError = ""
	h.mu.Unlock()
	h.publish()
}

// RecordFailure counts a failed interaction with the platform.
func (h *HealthMonitor) RecordFailure(err error) {
	h.mu.Lock()
	h.consecutiveFailures++
	failures := h.consecutiveFailures
	if err != nil {
		h.lastError = err.Error()
	}
	h.mu.Unlock()

	entry := h.logger.WithFields(logrus.Fields{
		LogFieldComponent:      "health",
		"consecutive_failures": failures,
		"max_failures":         h.config.MaxFailures,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("Health check failed")
	h.publish()
}

// IsHealthy reports whether the connection is considered usable.
func (h *HealthMonitor) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthyLocked()
}

func (h *HealthMonitor) healthyLocked() bool {
	if h.consecutiveFailures >= h.config.MaxFailures {
		return false
	}
	return h.now().Sub(h.lastSuccess) < 2*h.config.CheckInterval
}

// Reset clears the failure count after a successful reconnect.
func (h *HealthMonitor) Reset() {
	h.RecordSuccess()
}

// Snapshot returns the current health state.
func (h *HealthMonitor) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Healthy:             h.healthyLocked(),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessfulCheck: h.lastSuccess,
		LastError:           h.lastError,
		SkippedProbes:       h.skipped,
	}
}

func (h *HealthMonitor) busy() bool {
	r, ok := h.prober.(inflightReporter)
	return ok && r.HasInflightRequest()
}

func (h *HealthMonitor) recordSkip() {
	h.mu.Lock()
	h.skipped++
	h.mu.Unlock()
	h.logger.WithField(LogFieldComponent, "health").Debug("Skipping health probe: request in flight")
	metrics.IncrementCounter("health_probes_total", map[string]string{"result": "skipped"}, "Health probes by result")
}

func (h *HealthMonitor) publish() {
	snap := h.Snapshot()
	healthy := 0.0
	if snap.Healthy {
		healthy = 1
	}
	metrics.SetGauge("health_healthy", healthy, nil, "Whether the platform connection is considered healthy")
	metrics.SetGauge("health_consecutive_failures", float64(snap.ConsecutiveFailures), nil, "Consecutive failed interactions with the platform")
}
