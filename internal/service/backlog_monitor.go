package service

import (
	"context"
	"sync"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/metrics"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"

	"github.com/sirupsen/logrus"
)

// BacklogMonitor publishes backlog gauges and warns when pending messages
// wait longer than expected.
type BacklogMonitor struct {
	store          BacklogReader
	maxRetries     int
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBacklogMonitor(store BacklogReader, maxRetries int, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *BacklogMonitor {
	return &BacklogMonitor{
		store:          store,
		maxRetries:     maxRetries,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

func (m *BacklogMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting backlog monitor")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			m.checkBacklog(ctx)
		}
	}
}

func (m *BacklogMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *BacklogMonitor) checkBacklog(ctx context.Context) {
	stats, err := m.store.GetBacklogStats(ctx, m.maxRetries)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithError(err).Error("Failed to read backlog stats")
		}
		return
	}
	publishBacklogGauges(stats)

	if m.staleThreshold > 0 && stats.Pending > 0 && stats.OldestPendingAge > m.staleThreshold {
		m.logger.WithFields(logrus.Fields{
			"pending":      stats.Pending,
			"oldest_age":   stats.OldestPendingAge.Round(time.Second),
			"threshold":    m.staleThreshold,
			"dead_letters": stats.DeadLetter,
		}).Warn("Pending messages are waiting longer than expected")
	}
}

func publishBacklogGauges(stats *models.BacklogStats) {
	if stats == nil {
		return
	}
	for status, count := range map[models.MessageStatus]int{
		models.MessageStatusPending:    stats.Pending,
		models.MessageStatusProcessing: stats.Processing,
		models.MessageStatusCompleted:  stats.Completed,
		models.MessageStatusFailed:     stats.Failed,
		models.MessageStatusDeadLetter: stats.DeadLetter,
	} {
		metrics.SetGauge("backlog_messages", float64(count), map[string]string{LogFieldStatus: string(status)}, "Stored messages by status")
	}
	metrics.SetGauge("backlog_retry_eligible", float64(stats.RetryEligible), nil, "Failed messages still eligible for retry")
	metrics.SetGauge("backlog_oldest_pending_seconds", stats.OldestPendingAge.Seconds(), nil, "Age of the oldest pending message")
}
