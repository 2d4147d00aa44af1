package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ax-platform/ax-mcp-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testSecret)
	require.NoError(t, err)
	require.True(t, enc.Enabled())

	sealed, err := enc.Encrypt("• alice: @bot ping")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, encryptedPrefix))
	assert.NotContains(t, sealed, "@bot")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "• alice: @bot ping", plain)
}

func TestEncryptor_NonceIsRandom(t *testing.T) {
	enc, err := NewEncryptor(testSecret)
	require.NoError(t, err)

	a, err := enc.Encrypt("same")
	require.NoError(t, err)
	b, err := enc.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor("")
	require.NoError(t, err)
	assert.False(t, enc.Enabled())

	out, err := enc.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	_, err = enc.Decrypt(encryptedPrefix + "AAAA")
	assert.Error(t, err)
}

func TestEncryptor_DecryptInvalidData(t *testing.T) {
	enc, err := NewEncryptor(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
	}{
		{name: "bad base64", input: encryptedPrefix + "!!!not-base64!!!"},
		{name: "too short", input: encryptedPrefix + "AAAA"},
		{name: "tampered", input: encryptedPrefix + "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.input)
			assert.Error(t, err)
		})
	}

	// Values without the prefix pass through untouched
	out, err := enc.Decrypt("legacy plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy plaintext", out)
}

func TestDatabase_EncryptsPayloadColumns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "enc.db")
	db, err := New(dbPath, testSecret)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	raw := "• alice: @bot secret plans"
	msg := models.NewPendingMessage(hashID(raw), raw, db.now())
	msg.ParsedMention = models.StringPtr("@bot secret plans")
	msg.SenderHandle = models.StringPtr("@alice")
	_, err = db.StoreMessage(ctx, msg)
	require.NoError(t, err)

	var storedRaw, storedMention string
	err = db.db.QueryRowContext(ctx, `SELECT raw_content, parsed_mention FROM messages WHERE id = ?`, msg.ID).
		Scan(&storedRaw, &storedMention)
	require.NoError(t, err)
	assert.NotContains(t, storedRaw, "secret")
	assert.NotContains(t, storedMention, "secret")

	got, err := db.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, raw, got.RawContent)
	assert.Equal(t, "@bot secret plans", models.Deref(got.ParsedMention))

	// Dedup keys on the plaintext hash
	dup, err := db.IsDuplicate(ctx, hashID(raw))
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestDatabase_EncryptedRowsNeedSecret(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "enc.db")
	db, err := New(dbPath, testSecret)
	require.NoError(t, err)

	ctx := context.Background()
	msg := models.NewPendingMessage(hashID("x"), "x", db.now())
	_, err = db.StoreMessage(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	plainDB, err := New(dbPath, "")
	require.NoError(t, err)
	defer plainDB.Close()

	_, err = plainDB.GetMessage(ctx, msg.ID)
	assert.Error(t, err)
}

func TestIsRetryableDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "generic error", err: assert.AnError, want: false},
		{name: "locked message", err: errString("database is locked"), want: true},
		{name: "disk io", err: errString("disk I/O error"), want: true},
		{name: "constraint", err: errString("UNIQUE constraint failed"), want: false},
		{name: "no rows", err: sql.ErrNoRows, want: false},
		{name: "canceled", err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableDBError(tt.err))
		})
	}
}

func TestRetryableDBOperation(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		attempts := 0
		got, err := retryableDBOperation(context.Background(), func() (int, error) {
			attempts++
			if attempts < 2 {
				return 0, errString("database is locked")
			}
			return 42, nil
		}, "test op")
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 2, attempts)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		attempts := 0
		_, err := retryableDBOperation(context.Background(), func() (int, error) {
			attempts++
			return 0, errString("no such table: messages")
		}, "test op")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "non-retryable")
		assert.Equal(t, 1, attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		attempts := 0
		_, err := retryableDBOperation(context.Background(), func() (int, error) {
			attempts++
			return 0, errString("database is locked")
		}, "test op")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, attempts)
	})
}

type errString string

func (e errString) Error() string { return string(e) }
