package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	"github.com/ax-platform/ax-mcp-monitor/internal/metrics"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/retry"

	"github.com/sirupsen/logrus"
)

// RetryConfig configures the retry and dead-letter sweep.
type RetryConfig struct {
	MaxRetries     int
	MessageTimeout time.Duration
	SweepInterval  time.Duration
}

// DefaultRetryConfig returns the sweep defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     constants.DefaultMaxRetries,
		MessageTimeout: constants.DefaultMessageTimeoutSec * time.Second,
		SweepInterval:  constants.DefaultRetrySweepIntervalSec * time.Second,
	}
}

// SweepResult summarizes one pass of the retry scheduler.
type SweepResult struct {
	DeadLettered int
	Requeued     int
	Stats        *models.BacklogStats
}

// RetryScheduler periodically dead-letters hopeless messages and returns
// failed ones to PENDING once their backoff has elapsed.
type RetryScheduler struct {
	store     MessageStore
	backoff   *retry.Backoff
	config    RetryConfig
	logger    *logrus.Logger
	now       func() time.Time
	onRequeue func(n int)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRetryScheduler creates a scheduler. onRequeue, when set, is called after
// a sweep that moved rows back to PENDING.
func NewRetryScheduler(store MessageStore, backoff *retry.Backoff, config RetryConfig, logger *logrus.Logger, onRequeue func(n int)) *RetryScheduler {
	defaults := DefaultRetryConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.MessageTimeout <= 0 {
		config.MessageTimeout = defaults.MessageTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if backoff == nil {
		backoff = retry.NewBackoff(retry.DefaultBackoffConfig())
	}
	return &RetryScheduler{
		store:     store,
		backoff:   backoff,
		config:    config,
		logger:    logger,
		now:       time.Now,
		onRequeue: onRequeue,
		stopCh:    make(chan struct{}),
	}
}

// Start sweeps on every interval until ctx is done or Stop is called.
func (s *RetryScheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		LogFieldComponent: "retry",
		"interval":        s.config.SweepInterval,
		"max_retries":     s.config.MaxRetries,
	}).Info("Starting retry scheduler")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("Retry sweep failed")
			}
		}
	}
}

// Stop ends a running Start loop.
func (s *RetryScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Sweep runs one pass. Dead-lettering runs before requeueing so a message
// that has run out of retries is never requeued.
func (s *RetryScheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	dead, err := s.deadLetter(ctx)
	result.DeadLettered = dead
	if err != nil {
		return result, err
	}

	requeued, err := s.requeue(ctx)
	result.Requeued = requeued
	if err != nil {
		return result, err
	}
	if requeued > 0 && s.onRequeue != nil {
		s.onRequeue(requeued)
	}

	stats, err := s.store.GetBacklogStats(ctx, s.config.MaxRetries)
	if err != nil {
		return result, fmt.Errorf("failed to read backlog stats: %w", err)
	}
	publishBacklogGauges(stats)
	result.Stats = stats

	return result, nil
}

func (s *RetryScheduler) deadLetter(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.MessageTimeout)
	candidates, err := s.store.GetDeadLetterCandidates(ctx, s.config.MaxRetries, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to load dead-letter candidates: %w", err)
	}

	moved := 0
	for _, msg := range candidates {
		reason, kind := s.deadLetterReason(msg)
		ok, err := s.store.DeadLetterMessage(ctx, msg.ID, reason)
		if err != nil {
			return moved, fmt.Errorf("failed to dead-letter message %s: %w", SanitizeMessageID(msg.ID), err)
		}
		if !ok {
			continue
		}
		moved++
		metrics.IncrementCounter("messages_dead_lettered_total", map[string]string{LogFieldReason: kind}, "Messages moved to the dead-letter state")
		s.logger.WithFields(logrus.Fields{
			LogFieldMessageID:  SanitizeMessageID(msg.ID),
			LogFieldRetryCount: msg.RetryCount,
			LogFieldReason:     reason,
		}).Error("Message dead-lettered")
	}
	return moved, nil
}

func (s *RetryScheduler) deadLetterReason(msg *models.Message) (string, string) {
	if msg.RetryCount >= s.config.MaxRetries {
		return fmt.Sprintf("Exceeded max retries (%d)", s.config.MaxRetries), "max_retries"
	}
	return fmt.Sprintf("Message timeout (%ds)", int(s.config.MessageTimeout.Seconds())), "timeout"
}

func (s *RetryScheduler) requeue(ctx context.Context) (int, error) {
	failed, err := s.store.GetFailedForRetry(ctx, s.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to load failed messages: %w", err)
	}

	now := s.now()
	requeued := 0
	for _, msg := range failed {
		if now.Sub(msg.UpdatedAt) < s.backoff.Delay(msg.RetryCount) {
			continue
		}
		ok, err := s.store.RequeueFailed(ctx, msg.ID)
		if err != nil {
			return requeued, fmt.Errorf("failed to requeue message %s: %w", SanitizeMessageID(msg.ID), err)
		}
		if !ok {
			continue
		}
		requeued++
		s.logger.WithFields(logrus.Fields{
			LogFieldMessageID:  SanitizeMessageID(msg.ID),
			LogFieldRetryCount: msg.RetryCount,
		}).Info("Requeued failed message")
	}
	if requeued > 0 {
		metrics.AddToCounter("messages_requeued_total", float64(requeued), nil, "Failed messages returned to PENDING")
	}
	return requeued, nil
}
