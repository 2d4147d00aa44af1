package database

const messageColumns = `id, raw_content, parsed_author, parsed_mention, sender_handle,
		       status, created_at, updated_at, processed_at, retry_count, error_message`

// Message queries
const (
	// UpsertMessageQuery stores a message by id. An existing row keeps the
	// larger retry_count and a dead-lettered row is never overwritten.
	UpsertMessageQuery = `
		INSERT INTO messages (
			id, raw_content, parsed_author, parsed_mention, sender_handle,
			status, created_at, updated_at, processed_at, retry_count, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			raw_content    = excluded.raw_content,
			parsed_author  = excluded.parsed_author,
			parsed_mention = excluded.parsed_mention,
			sender_handle  = excluded.sender_handle,
			status         = excluded.status,
			updated_at     = excluded.updated_at,
			processed_at   = excluded.processed_at,
			retry_count    = MAX(messages.retry_count, excluded.retry_count),
			error_message  = excluded.error_message
		WHERE messages.status != 'dead_letter'
	`

	SelectMessageByIDQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE id = ?
	`

	SelectPendingMessagesQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = 'pending'
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`

	SelectFailedForRetryQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = 'failed' AND retry_count < ?
		ORDER BY updated_at ASC, rowid ASC
	`

	SelectDeadLetterCandidatesQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status IN ('pending', 'failed')
		  AND (retry_count >= ? OR created_at < ?)
		ORDER BY created_at ASC, rowid ASC
	`

	SelectDeadLettersQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = 'dead_letter'
		ORDER BY processed_at DESC, rowid DESC
		LIMIT ?
	`

	MessageExistsQuery = `SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)`

	UpdateMessageStatusQuery = `
		UPDATE messages
		SET status = ?,
		    error_message = ?,
		    updated_at = ?,
		    processed_at = CASE WHEN ? IN ('completed', 'dead_letter') THEN ? ELSE processed_at END
		WHERE id = ? AND status != 'dead_letter'
	`

	DeadLetterMessageQuery = `
		UPDATE messages
		SET status = 'dead_letter',
		    error_message = ?,
		    updated_at = ?,
		    processed_at = ?
		WHERE id = ? AND status IN ('pending', 'failed')
	`

	RequeueFailedQuery = `
		UPDATE messages
		SET status = 'pending',
		    updated_at = ?
		WHERE id = ? AND status = 'failed'
	`

	IncrementRetryQuery = `
		UPDATE messages
		SET retry_count = retry_count + 1,
		    updated_at = ?
		WHERE id = ?
	`

	SelectRetryCountQuery = `SELECT retry_count FROM messages WHERE id = ?`

	ClaimMessageQuery = `
		UPDATE messages
		SET status = 'processing',
		    updated_at = ?
		WHERE id = ? AND status = 'pending'
	`

	MarkFailedQuery = `
		UPDATE messages
		SET status = 'failed',
		    error_message = ?,
		    retry_count = retry_count + 1,
		    updated_at = ?
		WHERE id = ? AND status != 'dead_letter'
	`

	RecoverStaleProcessingQuery = `
		UPDATE messages
		SET status = 'pending',
		    updated_at = ?
		WHERE status = 'processing' AND updated_at <= ?
	`

	DeleteCompletedBeforeQuery = `
		DELETE FROM messages
		WHERE status = 'completed' AND processed_at < ?
	`

	CountByStatusQuery = `
		SELECT status, COUNT(*)
		FROM messages
		GROUP BY status
	`

	OldestPendingQuery = `SELECT MIN(created_at) FROM messages WHERE status = 'pending'`

	CountRetryEligibleQuery = `SELECT COUNT(*) FROM messages WHERE status = 'failed' AND retry_count < ?`
)
