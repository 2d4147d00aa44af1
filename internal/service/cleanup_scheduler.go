package service

import (
	"context"
	"sync"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	"github.com/ax-platform/ax-mcp-monitor/internal/metrics"

	"github.com/sirupsen/logrus"
)

// CleanupScheduler purges COMPLETED messages older than the retention
// window, once at start and then on every interval.
type CleanupScheduler struct {
	store     CompletedCleaner
	retention time.Duration
	interval  time.Duration
	logger    *logrus.Logger
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewCleanupScheduler(store CompletedCleaner, retention, interval time.Duration, logger *logrus.Logger) *CleanupScheduler {
	if interval <= 0 {
		interval = constants.DefaultCleanupIntervalHours * time.Hour
	}
	if retention <= 0 {
		retention = constants.DefaultRetentionHours * time.Hour
	}
	return &CleanupScheduler{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

func (s *CleanupScheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		LogFieldComponent: "cleanup",
		"retention":       s.retention,
		"interval":        s.interval,
	}).Info("Starting cleanup scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Cleanup scheduler context cancelled, stopping")
			return nil
		case <-s.stopCh:
			s.logger.Debug("Cleanup scheduler stop signal received, stopping")
			return nil
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *CleanupScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce purges once with the configured retention and returns the number
// of rows removed.
func (s *CleanupScheduler) RunOnce(ctx context.Context) (int64, error) {
	removed, err := s.store.CleanupCompleted(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.AddToCounter("messages_cleaned_total", float64(removed), nil, "Completed messages purged by retention")
	}
	return removed, nil
}

func (s *CleanupScheduler) runCleanup(ctx context.Context) {
	removed, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WithError(err).Error("Failed to cleanup completed messages")
		}
		return
	}
	entry := s.logger.WithFields(logrus.Fields{
		LogFieldCount: removed,
		"retention":   s.retention,
	})
	if removed > 0 {
		entry.Info("Purged completed messages")
	} else {
		entry.Debug("No completed messages to purge")
	}
}
