package service

// Logging Standards for ax-monitor
//
// This file defines standard field names and log levels so the control loop,
// the processor and the sweeps log the same things the same way.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldAgent     = "agent"
	LogFieldSender    = "sender"
	LogFieldMessageID = "message_id"
	LogFieldSessionID = "session_id"
	LogFieldStatus    = "status"

	// Service and operation fields
	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldPlugin    = "plugin"

	// Message fields
	LogFieldContent    = "content"
	LogFieldResult     = "result"
	LogFieldReason     = "reason"
	LogFieldViolations = "violations"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	// Error and debugging
	LogFieldErrorCode  = "error_code"
	LogFieldRetryCount = "retry_count"
	LogFieldAttempt    = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: empty polls, skipped probes, sweep passes that found nothing.
//
// INFO: startup and shutdown, reconnects, messages stored, replies sent,
// requeues and cleanups that touched rows.
//
// WARN: retryable failures. A failed probe, a send attempt that will be
// retried, a stalled long poll, a self-mention rewritten.
//
// ERROR: a message moved to FAILED or DEAD_LETTER, a store failure, a
// reconnect that exhausted its attempts.
//
// FATAL: only from main, when startup cannot complete.

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Failed operations: "Failed to [operation]"
// Retrying operations: "Retrying [operation] (attempt X/Y)"
// Skipping operations: "Skipping [operation]: [reason]"
