package service

import (
	"context"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	"github.com/ax-platform/ax-mcp-monitor/internal/privacy"
	"github.com/ax-platform/ax-mcp-monitor/internal/tracing"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx so message content is included in logs.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// SanitizeMessageID removes or shortens message IDs for privacy
func SanitizeMessageID(msgID string) string {
	if msgID == "" {
		return ""
	}
	if len(msgID) > constants.DefaultMessageIDLength {
		return privacy.ShortID(msgID) + "..."
	}
	return msgID
}

// SanitizeContent hides message content unless verbose logging is on, in
// which case a short preview is kept.
func SanitizeContent(ctx context.Context, content string) string {
	if content == "" {
		return ""
	}
	if IsVerboseLogging(ctx) {
		return privacy.Preview(content, constants.DefaultPreviewLength)
	}
	return "[hidden]"
}

// LogWithContext creates a logger entry carrying the correlation IDs in ctx.
// Identifiers are shortened unless verbose logging is on.
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	fields := tracing.LogFields(ctx)
	if IsVerboseLogging(ctx) {
		return logger.WithFields(fields)
	}
	return logger.WithFields(privacy.MaskSensitiveFields(fields))
}

// LogMessageProcessing logs message processing with appropriate privacy controls
func LogMessageProcessing(ctx context.Context, logger *logrus.Logger, stage, msgID, sender, content string) {
	fields := logrus.Fields{
		LogFieldOperation: stage,
		LogFieldMessageID: SanitizeMessageID(msgID),
		LogFieldSender:    sender,
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldMessageID] = msgID
		fields[LogFieldContent] = SanitizeContent(ctx, content)
	}
	LogWithContext(ctx, logger).WithFields(fields).Info("Processing message")
}
