package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	"github.com/ax-platform/ax-mcp-monitor/internal/migrations"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"
	"github.com/ax-platform/ax-mcp-monitor/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by operations that address a single message id
// which is not in the store.
var ErrNotFound = errors.New("message not found")

// Database is the durable message store. All status transitions are single
// statements or transactions, so it is safe to share across goroutines.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	now       func() time.Time
}

// Option configures a Database.
type Option func(*Database)

// WithClock overrides the time source used for created/updated/processed stamps.
func WithClock(now func() time.Time) Option {
	return func(d *Database) {
		d.now = now
	}
}

// New opens (creating if needed) the SQLite store at dbPath and applies the
// schema. A non-empty encryptionSecret enables at-rest encryption of the
// payload columns.
func New(dbPath, encryptionSecret string, opts ...Option) (*Database, error) {
	// Validate database path to prevent directory traversal
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", dbPath, constants.DefaultBusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor(encryptionSecret)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	d := &Database{db: db, encryptor: encryptor, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SchemaVersion returns the highest applied schema version.
func (d *Database) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := d.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// StoreMessage upserts msg by id. It reports false when the existing row is
// dead-lettered and was left untouched.
func (d *Database) StoreMessage(ctx context.Context, msg *models.Message) (bool, error) {
	if msg == nil || msg.ID == "" {
		return false, fmt.Errorf("message id is required")
	}
	if !msg.Status.Valid() {
		return false, fmt.Errorf("invalid message status %q", msg.Status)
	}

	raw, err := d.encryptor.Encrypt(msg.RawContent)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt raw content: %w", err)
	}
	mention, err := d.encryptor.encryptPtr(msg.ParsedMention)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt parsed mention: %w", err)
	}

	now := d.now()
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := msg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	processedAt := msg.ProcessedAt
	if processedAt == nil && (msg.Status == models.MessageStatusCompleted || msg.Status == models.MessageStatusDeadLetter) {
		processedAt = &now
	}

	return retryableDBOperation(ctx, func() (bool, error) {
		res, err := d.db.ExecContext(ctx, UpsertMessageQuery,
			msg.ID,
			raw,
			msg.ParsedAuthor,
			mention,
			msg.SenderHandle,
			string(msg.Status),
			toMillis(createdAt),
			toMillis(updatedAt),
			toMillisPtr(processedAt),
			msg.RetryCount,
			msg.ErrorMessage,
		)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}, "store message")
}

// GetMessage returns the message with id, or nil when it does not exist.
func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := d.db.QueryRowContext(ctx, SelectMessageByIDQuery, id)
	msg, err := d.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetPendingMessages returns up to limit PENDING messages, oldest first.
func (d *Database) GetPendingMessages(ctx context.Context, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = constants.DefaultPendingBatchSize
	}
	return d.queryMessages(ctx, "get pending messages", SelectPendingMessagesQuery, limit)
}

// GetFailedForRetry returns FAILED messages that still have retries left.
func (d *Database) GetFailedForRetry(ctx context.Context, maxRetries int) ([]*models.Message, error) {
	return d.queryMessages(ctx, "get failed messages", SelectFailedForRetryQuery, maxRetries)
}

// GetDeadLetterCandidates returns PENDING or FAILED messages that either
// exhausted their retries or were first seen before olderThan.
func (d *Database) GetDeadLetterCandidates(ctx context.Context, maxRetries int, olderThan time.Time) ([]*models.Message, error) {
	return d.queryMessages(ctx, "get dead letter candidates", SelectDeadLetterCandidatesQuery, maxRetries, toMillis(olderThan))
}

// GetDeadLetters returns the most recently dead-lettered messages.
func (d *Database) GetDeadLetters(ctx context.Context, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = constants.DefaultPendingBatchSize
	}
	return d.queryMessages(ctx, "get dead letters", SelectDeadLettersQuery, limit)
}

// IsDuplicate reports whether a message with id has already been stored.
func (d *Database) IsDuplicate(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := d.db.QueryRowContext(ctx, MessageExistsQuery, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check duplicate: %w", err)
	}
	return exists, nil
}

// UpdateStatus moves a message to status. It reports false when the message
// does not exist or is dead-lettered; neither case is an error.
func (d *Database) UpdateStatus(ctx context.Context, id string, status models.MessageStatus, errMsg *string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid message status %q", status)
	}

	now := toMillis(d.now())
	return retryableDBOperation(ctx, func() (bool, error) {
		res, err := d.db.ExecContext(ctx, UpdateMessageStatusQuery,
			string(status), errMsg, now, string(status), now, id)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}, "update message status")
}

// DeadLetterMessage moves a PENDING or FAILED message to DEAD_LETTER. It
// reports false when the message is in any other state, including one a
// worker has claimed since it was selected.
func (d *Database) DeadLetterMessage(ctx context.Context, id, reason string) (bool, error) {
	now := toMillis(d.now())
	return d.execTransition(ctx, "dead-letter message", DeadLetterMessageQuery, reason, now, now, id)
}

// RequeueFailed returns a FAILED message to PENDING, keeping its error and
// retry count. It reports false when the message is no longer FAILED.
func (d *Database) RequeueFailed(ctx context.Context, id string) (bool, error) {
	return d.execTransition(ctx, "requeue failed message", RequeueFailedQuery, toMillis(d.now()), id)
}

func (d *Database) execTransition(ctx context.Context, name, query string, args ...any) (bool, error) {
	return retryableDBOperation(ctx, func() (bool, error) {
		res, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}, name)
}

// IncrementRetry bumps retry_count and returns the new value.
func (d *Database) IncrementRetry(ctx context.Context, id string) (int, error) {
	now := toMillis(d.now())
	return d.updateAndCount(ctx, "increment retry", func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, IncrementRetryQuery, now, id)
	}, id)
}

// MarkFailed sets FAILED with reason and bumps retry_count in one
// transaction, returning the new count.
func (d *Database) MarkFailed(ctx context.Context, id, reason string) (int, error) {
	now := toMillis(d.now())
	return d.updateAndCount(ctx, "mark failed", func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, MarkFailedQuery, reason, now, id)
	}, id)
}

func (d *Database) updateAndCount(ctx context.Context, name string, update func(*sql.Tx) (sql.Result, error), id string) (int, error) {
	return retryableDBOperation(ctx, func() (count int, err error) {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()

		res, err := update(tx)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}

		if err = tx.QueryRowContext(ctx, SelectRetryCountQuery, id).Scan(&count); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				err = ErrNotFound
			}
			return 0, err
		}
		if n == 0 {
			// Row exists but is dead-lettered
			err = fmt.Errorf("message %s is dead-lettered", id)
			return 0, err
		}

		if err = tx.Commit(); err != nil {
			return 0, err
		}
		return count, nil
	}, name)
}

// ClaimMessage atomically moves a PENDING message to PROCESSING. Only one
// caller wins the claim.
func (d *Database) ClaimMessage(ctx context.Context, id string) (bool, error) {
	now := toMillis(d.now())
	return retryableDBOperation(ctx, func() (bool, error) {
		res, err := d.db.ExecContext(ctx, ClaimMessageQuery, now, id)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}, "claim message")
}

// RecoverStaleProcessing returns PROCESSING messages last touched at or before
// olderThan to PENDING. It is run at startup to pick up rows abandoned by a crash.
func (d *Database) RecoverStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	now := toMillis(d.now())
	return retryableDBOperation(ctx, func() (int64, error) {
		res, err := d.db.ExecContext(ctx, RecoverStaleProcessingQuery, now, toMillis(olderThan))
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}, "recover stale processing")
}

// CleanupCompleted deletes COMPLETED messages processed before olderThan.
func (d *Database) CleanupCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	return retryableDBOperation(ctx, func() (int64, error) {
		res, err := d.db.ExecContext(ctx, DeleteCompletedBeforeQuery, toMillis(olderThan))
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}, "cleanup completed messages")
}

// GetBacklogStats counts messages per status. Failed messages with fewer than
// maxRetries attempts are reported as retry-eligible.
func (d *Database) GetBacklogStats(ctx context.Context, maxRetries int) (*models.BacklogStats, error) {
	stats := &models.BacklogStats{}

	rows, err := d.db.QueryContext(ctx, CountByStatusQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch models.MessageStatus(status) {
		case models.MessageStatusPending:
			stats.Pending = count
		case models.MessageStatusProcessing:
			stats.Processing = count
		case models.MessageStatusCompleted:
			stats.Completed = count
		case models.MessageStatusFailed:
			stats.Failed = count
		case models.MessageStatusDeadLetter:
			stats.DeadLetter = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}

	var oldest sql.NullInt64
	if err := d.db.QueryRowContext(ctx, OldestPendingQuery).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("failed to read oldest pending: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAge = d.now().Sub(fromMillis(oldest.Int64))
	}

	if err := d.db.QueryRowContext(ctx, CountRetryEligibleQuery, maxRetries).Scan(&stats.RetryEligible); err != nil {
		return nil, fmt.Errorf("failed to count retry-eligible messages: %w", err)
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *Database) queryMessages(ctx context.Context, name, query string, args ...any) ([]*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", name, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var messages []*models.Message
	for rows.Next() {
		msg, err := d.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to %s: %w", name, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", name, err)
	}
	return messages, nil
}

func (d *Database) scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg         models.Message
		status      string
		createdAt   int64
		updatedAt   int64
		processedAt sql.NullInt64
	)

	err := row.Scan(
		&msg.ID,
		&msg.RawContent,
		&msg.ParsedAuthor,
		&msg.ParsedMention,
		&msg.SenderHandle,
		&status,
		&createdAt,
		&updatedAt,
		&processedAt,
		&msg.RetryCount,
		&msg.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	msg.Status = models.MessageStatus(status)
	msg.CreatedAt = fromMillis(createdAt)
	msg.UpdatedAt = fromMillis(updatedAt)
	if processedAt.Valid {
		t := fromMillis(processedAt.Int64)
		msg.ProcessedAt = &t
	}

	if msg.RawContent, err = d.encryptor.Decrypt(msg.RawContent); err != nil {
		return nil, fmt.Errorf("failed to decrypt raw content: %w", err)
	}
	if msg.ParsedMention, err = d.encryptor.decryptPtr(msg.ParsedMention); err != nil {
		return nil, fmt.Errorf("failed to decrypt parsed mention: %w", err)
	}

	return &msg, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func toMillisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
