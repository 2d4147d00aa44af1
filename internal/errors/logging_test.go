package errors

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger()

	assert.NotNil(t, logger)
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "Logger should use JSON formatter")
}

func TestLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)

	err := NewPluginError("echo", "abc123", errors.New("model offline"))
	logger.LogError(err, "Plugin processing failed", logrus.Fields{"agent": "@bot"})

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"error_code":"PLUGIN_FAILED"`)
	assert.Contains(t, out, `"retryable":true`)
	assert.Contains(t, out, `"plugin":"echo"`)
	assert.Contains(t, out, `"message_id":"abc123"`)
	assert.Contains(t, out, `"agent":"@bot"`)
	assert.Contains(t, out, `"msg":"Plugin processing failed"`)
}

func TestLogger_LogRetryableError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
	}{
		{name: "retryable logs at warn", err: NewTransportError("check", 503, errors.New("unavailable")), level: `"level":"warning"`},
		{name: "non-retryable logs at error", err: NewStartupError("connect", errors.New("exhausted")), level: `"level":"error"`},
		{name: "plain error logs at error", err: errors.New("plain"), level: `"level":"error"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := logrus.New()
			base.SetFormatter(&logrus.JSONFormatter{})
			base.SetOutput(&buf)
			logger := NewLoggerFrom(base)

			logger.LogRetryableError(tt.err, "operation failed")
			assert.Contains(t, buf.String(), tt.level)
		})
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := NewLogger()
	entry := logger.WithError(NewAuthError("connect", errors.New("401")))

	assert.Equal(t, ErrCodeAuthentication, entry.Data["error_code"])
	assert.Equal(t, "connect", entry.Data["operation"])
}
