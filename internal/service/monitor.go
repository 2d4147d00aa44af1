package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	apperrors "github.com/ax-platform/ax-mcp-monitor/internal/errors"
	"github.com/ax-platform/ax-mcp-monitor/internal/metrics"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/parser"
	"github.com/ax-platform/ax-mcp-monitor/internal/plugin"
	"github.com/ax-platform/ax-mcp-monitor/internal/retry"
	"github.com/ax-platform/ax-mcp-monitor/internal/tracing"
	"github.com/ax-platform/ax-mcp-monitor/internal/transport"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// MonitorConfig drives the control loop and the tasks it supervises.
type MonitorConfig struct {
	AgentHandle        string
	LongPollTimeout    time.Duration
	CheckLimit         int
	StallThreshold     time.Duration
	StartupMaxAttempts int
	ReconnectAttempts  int
	SendAttempts       int
	ShutdownTimeout    time.Duration
	PendingBatchSize   int
	IgnoreMentions     []string
	RequiredMentions   []string

	Health          HealthConfig
	Retry           RetryConfig
	Backoff         retry.BackoffConfig
	CleanupInterval time.Duration
	Retention       time.Duration
	BacklogInterval time.Duration

	// Optional background components, on unless disabled.
	DisableCleanup        bool
	DisableBacklogMonitor bool

	// ErrorPause is the wait after a cycle that could not reach the platform.
	ErrorPause time.Duration
	// MinPollInterval spaces out cycles whose long poll returned immediately.
	MinPollInterval time.Duration
}

// MonitorConfigFromModel maps the loaded configuration onto a MonitorConfig.
func MonitorConfigFromModel(cfg *models.Config) MonitorConfig {
	return MonitorConfig{
		AgentHandle:        cfg.MCP.AgentName,
		LongPollTimeout:    cfg.MCP.LongPollTimeout.Duration(),
		CheckLimit:         cfg.MCP.CheckLimit,
		StallThreshold:     cfg.Monitor.StallThreshold.Duration(),
		StartupMaxAttempts: cfg.Monitor.StartupMaxAttempts,
		ReconnectAttempts:  constants.DefaultReconnectAttempts,
		SendAttempts:       cfg.Monitor.SendAttempts,
		ShutdownTimeout:    cfg.Monitor.ShutdownTimeout.Duration(),
		PendingBatchSize:   constants.DefaultPendingBatchSize,
		IgnoreMentions:     cfg.Monitor.IgnoreMentions,
		RequiredMentions:   cfg.Monitor.RequiredMentions,
		Health: HealthConfig{
			CheckInterval: cfg.Health.CheckInterval.Duration(),
			MaxFailures:   cfg.Health.MaxFailures,
			ProbeTimeout:  cfg.Health.ProbeTimeout.Duration(),
		},
		Retry: RetryConfig{
			MaxRetries:     cfg.Retry.MaxRetries,
			MessageTimeout: cfg.Retry.MessageTimeout.Duration(),
			SweepInterval:  cfg.Retry.SweepInterval.Duration(),
		},
		Backoff: retry.BackoffConfig{
			BaseDelay:   cfg.Backoff.Base.Duration(),
			MaxDelay:    cfg.Backoff.Max.Duration(),
			Multiplier:  cfg.Backoff.Multiplier,
			MaxAttempts: cfg.Monitor.StartupMaxAttempts,
			Jitter:      cfg.Backoff.Jitter,
		},
		CleanupInterval: cfg.Retry.CleanupInterval.Duration(),
		Retention:       cfg.Retry.Retention.Duration(),
		BacklogInterval: constants.DefaultBacklogCheckIntervalSec * time.Second,
		ErrorPause:      constants.DefaultErrorPauseSec * time.Second,
		MinPollInterval: constants.DefaultMinPollInterval,
	}
}

func (c *MonitorConfig) applyDefaults() {
	if c.LongPollTimeout <= 0 {
		c.LongPollTimeout = constants.DefaultLongPollTimeoutSec * time.Second
	}
	if c.CheckLimit <= 0 {
		c.CheckLimit = constants.DefaultCheckLimit
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = constants.DefaultStallThresholdSec * time.Second
	}
	if c.StartupMaxAttempts <= 0 {
		c.StartupMaxAttempts = constants.DefaultStartupMaxAttempts
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = constants.DefaultReconnectAttempts
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = constants.DefaultSendAttempts
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = constants.DefaultGracefulShutdownSec * time.Second
	}
	if c.PendingBatchSize <= 0 {
		c.PendingBatchSize = constants.DefaultPendingBatchSize
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff = retry.DefaultBackoffConfig()
	}
	if c.BacklogInterval <= 0 {
		c.BacklogInterval = constants.DefaultBacklogCheckIntervalSec * time.Second
	}
	if c.ErrorPause < 0 {
		c.ErrorPause = 0
	}
}

// Status is the monitor state served on the status endpoint.
type Status struct {
	Agent      string                    `json:"agent"`
	Plugin     string                    `json:"plugin"`
	Running    bool                      `json:"running"`
	Health     HealthSnapshot            `json:"health"`
	Request    transport.RequestSnapshot `json:"request"`
	Backlog    *models.BacklogStats      `json:"backlog,omitempty"`
	Violations int                       `json:"self_mention_violations"`
	Reconnects int64                     `json:"reconnects"`
	LastPoll   time.Time                 `json:"last_poll"`
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithBackoff replaces the backoff policy built from the configuration.
func WithBackoff(b *retry.Backoff) Option {
	return func(m *Monitor) {
		m.backoff = b
	}
}

// WithClock overrides the clock used for health and retry timing.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor owns the session to the platform. It long-polls for mentions,
// stores them durably, hands them to the plugin and keeps the connection
// alive, recovering from failures without losing messages.
type Monitor struct {
	session transport.Session
	store   MessageStore
	plugin  plugin.Plugin
	config  MonitorConfig
	logger  *logrus.Logger
	errLog  *apperrors.Logger
	backoff *retry.Backoff
	now     func() time.Time

	parser    *parser.Parser
	ingestor  *Ingestor
	processor *Processor
	health    *HealthMonitor
	retrier   *RetryScheduler
	cleaner   *CleanupScheduler
	backlog   *BacklogMonitor

	wake chan struct{}

	mu         sync.RWMutex
	running    bool
	lastPoll   time.Time
	reconnects int64
}

// NewMonitor wires a monitor around session, store and the responder p.
func NewMonitor(session transport.Session, store MessageStore, p plugin.Plugin, config MonitorConfig, logger *logrus.Logger, opts ...Option) *Monitor {
	config.applyDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	m := &Monitor{
		session: session,
		store:   store,
		plugin:  p,
		config:  config,
		logger:  logger,
		errLog:  apperrors.NewLoggerFrom(logger),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.backoff == nil {
		m.backoff = retry.NewBackoff(config.Backoff)
	}

	m.parser = parser.NewParser(config.AgentHandle)
	m.ingestor = NewIngestor(store, m.parser, logger)
	m.ingestor.now = m.now
	m.processor = NewProcessor(store, session, p, m.parser, parser.NewGuard(config.AgentHandle), m.backoff, ProcessorConfig{
		SessionID:        func() string { return session.RequestSnapshot().SessionID },
		SendAttempts:     config.SendAttempts,
		IgnoreMentions:   config.IgnoreMentions,
		RequiredMentions: config.RequiredMentions,
	}, logger)
	m.health = NewHealthMonitor(sessionProber{session: session}, config.Health, logger)
	m.health.now = m.now
	m.retrier = NewRetryScheduler(store, m.backoff, config.Retry, logger, func(int) { m.signalWorker() })
	m.retrier.now = m.now
	m.cleaner = NewCleanupScheduler(store, config.Retention, config.CleanupInterval, logger)
	m.cleaner.now = m.now
	m.backlog = NewBacklogMonitor(store, m.retrier.config.MaxRetries, config.BacklogInterval, m.retrier.config.MessageTimeout/2, logger)
	return m
}

// Health exposes the connection health monitor.
func (m *Monitor) Health() *HealthMonitor {
	return m.health
}

// Run connects, recovers interrupted work and runs the control loop and its
// background tasks until ctx is cancelled. It returns an error only when
// startup fails.
func (m *Monitor) Run(ctx context.Context) error {
	entry := m.logger.WithFields(logrus.Fields{
		LogFieldAgent:  m.parser.Handle(),
		LogFieldPlugin: m.plugin.Name(),
	})
	entry.Info("Starting monitor")

	if err := m.connect(ctx, m.config.StartupMaxAttempts); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewStartupError("connect", err)
	}

	recovered, err := m.store.RecoverStaleProcessing(ctx, m.now())
	if err != nil {
		m.disconnect()
		return apperrors.NewStartupError("recover", err)
	}
	if recovered > 0 {
		entry.WithField(LogFieldCount, recovered).Info("Recovered interrupted messages")
	}

	m.health.Reset()
	m.markPoll()
	m.setRunning(true)
	defer m.setRunning(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return m.health.Start(gctx) })
	g.Go(func() error { return m.retrier.Start(gctx) })
	if !m.config.DisableCleanup {
		g.Go(func() error { return m.cleaner.Start(gctx) })
	}
	if !m.config.DisableBacklogMonitor {
		g.Go(func() error { return m.backlog.Start(gctx) })
	}
	g.Go(func() error { return m.worker(gctx) })
	g.Go(func() error { return m.loop(gctx) })

	// Pick up anything recovered or requeued before the first long poll.
	m.signalWorker()

	<-gctx.Done()
	entry.Info("Stopping monitor")
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(m.config.ShutdownTimeout):
		entry.WithField("timeout", m.config.ShutdownTimeout).Warn("Timed out waiting for background tasks")
	}

	m.disconnect()
	entry.Info("Monitor stopped")
	return runErr
}

// Status reports the monitor state. The backlog is omitted when the store
// cannot be read.
func (m *Monitor) Status(ctx context.Context) Status {
	m.mu.RLock()
	st := Status{
		Agent:      m.parser.Handle(),
		Plugin:     m.plugin.Name(),
		Running:    m.running,
		Reconnects: m.reconnects,
		LastPoll:   m.lastPoll,
	}
	m.mu.RUnlock()

	st.Health = m.health.Snapshot()
	st.Request = m.session.RequestSnapshot()
	st.Violations = m.processor.Violations()
	if stats, err := m.store.GetBacklogStats(ctx, m.retrier.config.MaxRetries); err == nil {
		st.Backlog = stats
	}
	return st
}

func (m *Monitor) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		start := time.Now()
		m.cycle(tracing.StartCycle(ctx))

		if wait := m.config.MinPollInterval - time.Since(start); wait > 0 {
			_ = retry.Sleep(ctx, wait)
		}
	}
	return nil
}

// cycle runs one iteration: heal the connection if needed, drain stored
// work, then long-poll for new mentions.
func (m *Monitor) cycle(ctx context.Context) {
	if reason := m.needsReconnect(); reason != "" {
		if err := m.reconnect(ctx, reason); err != nil {
			_ = retry.Sleep(ctx, m.config.ErrorPause)
			return
		}
	}

	m.drainPending(ctx)
	if ctx.Err() != nil {
		return
	}

	if err := m.poll(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.health.RecordFailure(err)
		m.errLog.LogRetryableError(err, "Long poll failed", tracing.LogFields(ctx))
		if rerr := m.reconnect(ctx, "poll_error"); rerr != nil {
			_ = retry.Sleep(ctx, m.config.ErrorPause)
		}
	}
}

// needsReconnect returns why the session should be recycled, or "".
func (m *Monitor) needsReconnect() string {
	if !m.health.IsHealthy() {
		return "unhealthy"
	}
	if m.stalled() {
		return "stall"
	}
	return ""
}

// stalled reports whether no long poll has completed for longer than the
// stall threshold. It never fires while a request is in flight.
func (m *Monitor) stalled() bool {
	if m.session.HasInflightRequest() {
		return false
	}
	m.mu.RLock()
	last := m.lastPoll
	m.mu.RUnlock()
	return m.now().Sub(last) > m.config.StallThreshold
}

func (m *Monitor) poll(ctx context.Context) error {
	ctx, span := tracing.WithOtelTracing(ctx, "monitor.poll",
		attribute.Int("check.limit", m.config.CheckLimit),
	)
	defer span.End()

	start := time.Now()
	raw, err := m.session.CheckMessages(ctx, transport.CheckOptions{
		Wait:    true,
		Timeout: m.config.LongPollTimeout,
		Limit:   m.config.CheckLimit,
	})
	metrics.RecordTimer("long_poll", time.Since(start), nil, "Long-poll round trip time")
	if err != nil {
		metrics.IncrementCounter("long_polls_total", map[string]string{LogFieldResult: "error"}, "Long polls by result")
		tracing.RecordError(ctx, err)
		return err
	}

	m.health.RecordSuccess()
	m.markPoll()

	if IsNoData(raw) {
		metrics.IncrementCounter("long_polls_total", map[string]string{LogFieldResult: "empty"}, "Long polls by result")
		LogWithContext(ctx, m.logger).Debug("No new mentions")
		return nil
	}
	metrics.IncrementCounter("long_polls_total", map[string]string{LogFieldResult: "payload"}, "Long polls by result")

	result, _, err := m.ingestor.Ingest(ctx, raw)
	span.SetAttributes(attribute.String("ingest.result", string(result)))
	if err != nil {
		// Already logged; the payload is dropped for this cycle.
		return nil
	}
	if result == IngestStored {
		m.signalWorker()
	}
	return nil
}

// drainPending claims and processes PENDING rows oldest first until none
// are left. Rows claimed by the worker are skipped.
func (m *Monitor) drainPending(ctx context.Context) int {
	processed := 0
	for ctx.Err() == nil {
		batch, err := m.store.GetPendingMessages(ctx, m.config.PendingBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.WithError(err).Error("Failed to load pending messages")
			}
			return processed
		}
		if len(batch) == 0 {
			return processed
		}

		claimed := 0
		for _, msg := range batch {
			if ctx.Err() != nil {
				return processed
			}
			ok, err := m.store.ClaimMessage(ctx, msg.ID)
			if err != nil {
				m.logger.WithError(err).WithField(LogFieldMessageID, SanitizeMessageID(msg.ID)).Error("Failed to claim message")
				continue
			}
			if !ok {
				continue
			}
			claimed++
			msg.Status = models.MessageStatusProcessing

			if _, err := m.processor.Process(ctx, msg); err != nil && ctx.Err() == nil {
				m.logger.WithFields(logrus.Fields{
					LogFieldMessageID: SanitizeMessageID(msg.ID),
					LogFieldErrorCode: apperrors.GetCode(err),
				}).Debug("Message left for the retry sweep")
			}
			processed++
		}
		if claimed == 0 {
			return processed
		}
	}
	return processed
}

func (m *Monitor) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			if n := m.drainPending(ctx); n > 0 {
				m.logger.WithField(LogFieldCount, n).Debug("Worker drained pending messages")
			}
		}
	}
}

func (m *Monitor) signalWorker() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// connect establishes the session, retrying transient failures with backoff
// up to attempts times. A rejected handshake fails on the first attempt.
func (m *Monitor) connect(ctx context.Context, attempts int) error {
	cfg := m.backoff.Config()
	cfg.MaxAttempts = attempts
	policy := retry.NewBackoff(cfg)

	return policy.RetryWithPredicateNotify(ctx, func() error {
		return m.session.Connect(ctx)
	}, apperrors.IsTransient, func(attempt int, err error, wait time.Duration) {
		m.errLog.LogWarn(err, fmt.Sprintf("Retrying connect (attempt %d/%d)", attempt, attempts), logrus.Fields{
			"wait": wait,
		})
	})
}

// reconnect tears the session down and builds it again. Failure is logged
// and left for the next cycle.
func (m *Monitor) reconnect(ctx context.Context, reason string) error {
	entry := LogWithContext(ctx, m.logger).WithField(LogFieldReason, reason)
	entry.Warn("Reconnecting to platform")

	if err := m.session.Disconnect(ctx); err != nil && ctx.Err() == nil {
		entry.WithError(err).Debug("Disconnect before reconnect failed")
	}

	if err := m.connect(ctx, m.config.ReconnectAttempts); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.IncrementCounter("reconnects_total", map[string]string{LogFieldReason: reason, LogFieldResult: "failure"}, "Session reconnects by reason and result")
		m.errLog.LogError(err, "Failed to reconnect", logrus.Fields{LogFieldReason: reason})
		return err
	}

	m.health.Reset()
	m.markPoll()
	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()
	metrics.IncrementCounter("reconnects_total", map[string]string{LogFieldReason: reason, LogFieldResult: "success"}, "Session reconnects by reason and result")
	entry.Info("Reconnected to platform")
	return nil
}

func (m *Monitor) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ShutdownTimeout)
	defer cancel()
	if err := m.session.Disconnect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.WithError(err).Warn("Failed to disconnect cleanly")
	}
}

func (m *Monitor) markPoll() {
	m.mu.Lock()
	m.lastPoll = m.now()
	m.mu.Unlock()
}

func (m *Monitor) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

// sessionProber checks liveness with a zero-wait messages check. Whatever
// the check returns is left for the long poll to deliver. A dropped session
// counts as a failure; reconnecting is left to the control loop.
type sessionProber struct {
	session transport.Session
}

func (p sessionProber) Probe(ctx context.Context) error {
	_, err := p.session.CheckMessages(ctx, transport.CheckOptions{Limit: 1, NoReconnect: true})
	return err
}

func (p sessionProber) HasInflightRequest() bool {
	return p.session.HasInflightRequest()
}
