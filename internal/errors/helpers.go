package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"time"
)

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewTransportError classifies a failed platform call. Server-side and
// network failures are retryable; client errors other than 401/408/429 are
// not. A 401 becomes an authentication error so the caller can refresh.
func NewTransportError(operation string, statusCode int, err error) *AppError {
	if statusCode == 401 {
		return NewAuthError(operation, err)
	}

	retryable := statusCode == 0 || statusCode >= 500 || statusCode == 429 || statusCode == 408

	appErr := Wrap(err, ErrCodeTransport, fmt.Sprintf("%s failed", operation)).
		WithContext("operation", operation)
	if statusCode != 0 {
		appErr = appErr.WithContext("status_code", statusCode)
	}
	appErr.Retryable = retryable
	return appErr
}

// NewAuthError creates a retryable authentication error. The retry is
// expected to happen after a credential refresh.
func NewAuthError(operation string, err error) *AppError {
	appErr := Wrap(err, ErrCodeAuthentication, "authentication failed").
		WithContext("operation", operation)
	appErr.Retryable = true
	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration time.Duration) *AppError {
	appErr := New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration.String())
	appErr.Retryable = true
	return appErr
}

// NewNotConnectedError is returned by transports used before Connect.
func NewNotConnectedError(operation string) *AppError {
	appErr := New(ErrCodeNotConnected, "transport is not connected").
		WithContext("operation", operation)
	appErr.Retryable = true
	return appErr
}

// NewPluginError wraps a responder failure for one message.
func NewPluginError(plugin, messageID string, err error) *AppError {
	appErr := Wrap(err, ErrCodePluginFailed, "plugin failed to process message").
		WithContext("plugin", plugin).
		WithContext("message_id", messageID)
	appErr.Retryable = true
	return appErr
}

// NewSendError wraps an exhausted local send loop.
func NewSendError(messageID string, attempts int, err error) *AppError {
	appErr := Wrap(err, ErrCodeSendFailed, "failed to send response").
		WithContext("message_id", messageID).
		WithContext("attempts", attempts)
	appErr.Retryable = true
	return appErr
}

// NewParseError records an envelope that looked addressed but could not be
// decomposed.
func NewParseError(messageID, reason string) *AppError {
	return New(ErrCodeParseFailed, reason).
		WithContext("message_id", messageID)
}

// NewStartupError wraps an unrecoverable setup failure.
func NewStartupError(stage string, err error) *AppError {
	return Wrap(err, ErrCodeStartupFailed, fmt.Sprintf("startup failed during %s", stage)).
		WithContext("stage", stage)
}

// IsTransient reports whether err is worth retrying at the transport level:
// AppErrors marked retryable, deadlines, and network errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}
