package service

import (
	"context"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/models"
)

// MessageStore is the durable queue the monitor works against. It is
// implemented by database.Database.
type MessageStore interface {
	StoreMessage(ctx context.Context, msg *models.Message) (bool, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetPendingMessages(ctx context.Context, limit int) ([]*models.Message, error)
	GetFailedForRetry(ctx context.Context, maxRetries int) ([]*models.Message, error)
	GetDeadLetterCandidates(ctx context.Context, maxRetries int, olderThan time.Time) ([]*models.Message, error)
	IsDuplicate(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status models.MessageStatus, errMsg *string) (bool, error)
	DeadLetterMessage(ctx context.Context, id, reason string) (bool, error)
	RequeueFailed(ctx context.Context, id string) (bool, error)
	IncrementRetry(ctx context.Context, id string) (int, error)
	MarkFailed(ctx context.Context, id, reason string) (int, error)
	ClaimMessage(ctx context.Context, id string) (bool, error)
	RecoverStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error)
	CleanupCompleted(ctx context.Context, olderThan time.Time) (int64, error)
	GetBacklogStats(ctx context.Context, maxRetries int) (*models.BacklogStats, error)
}

// BacklogReader is the part of the store the backlog gauges need.
type BacklogReader interface {
	GetBacklogStats(ctx context.Context, maxRetries int) (*models.BacklogStats, error)
}

// CompletedCleaner purges finished rows.
type CompletedCleaner interface {
	CleanupCompleted(ctx context.Context, olderThan time.Time) (int64, error)
}
