package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
	"github.com/ax-platform/ax-mcp-monitor/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

// encryptedPrefix marks sealed column values so plaintext rows written
// before encryption was enabled stay readable.
const encryptedPrefix = "enc:v1:"

type encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor returns an encryptor for the given secret. An empty secret
// yields a pass-through encryptor.
func NewEncryptor(secret string) (*encryptor, error) {
	if secret == "" {
		return &encryptor{gcm: nil}, nil
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) Enabled() bool {
	return e != nil && e.gcm != nil
}

func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || !e.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, models.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	// Prepend nonce to ciphertext for storage
	result := append(nonce, ciphertext...)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(result), nil
}

func (e *encryptor) Decrypt(ciphertext string) (string, error) {
	if len(ciphertext) < len(encryptedPrefix) || ciphertext[:len(encryptedPrefix)] != encryptedPrefix {
		return ciphertext, nil
	}
	if !e.Enabled() {
		return "", fmt.Errorf("value is encrypted but no encryption secret is configured")
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[len(encryptedPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	if len(data) < models.NonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:models.NonceSize], data[models.NonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func (e *encryptor) encryptPtr(s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	out, err := e.Encrypt(*s)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *encryptor) decryptPtr(s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	out, err := e.Decrypt(*s)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func deriveKey(secret string) ([]byte, error) {
	// Validate secret strength
	if len(secret) < 32 {
		return nil, fmt.Errorf("encryption secret must be at least 32 characters long")
	}

	salt := []byte(constants.EncryptionSalt)

	key := pbkdf2.Key([]byte(secret), salt, models.Iterations, models.KeySize, sha256.New)
	return key, nil
}
