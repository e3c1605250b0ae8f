// Package crypto provides AES-256-GCM encryption for sensitive provider
// configuration fields (API keys) stored in the database.
//
// Encrypted values use the three-field format "v1:<base64(nonce)>:<base64(ciphertext||tag)>",
// which keeps the nonce and sealed data independently addressable instead of
// concatenated into one token. This makes it trivial to distinguish
// encrypted values from legacy plaintext on read.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	v1Prefix  = "v1:"
	keyEnvVar = "MAWI_MASTER_KEY"
)

// KeyFromEnv reads MAWI_MASTER_KEY and derives a 32-byte AES-256 key from its
// first 32 bytes. The caller should treat a non-nil error as fatal at
// startup: the variable is required and must be at least 32 bytes.
func KeyFromEnv() ([]byte, error) {
	raw := os.Getenv(keyEnvVar)
	if raw == "" {
		return nil, fmt.Errorf("%s must be set", keyEnvVar)
	}

	if len(raw) < 32 {
		return nil, fmt.Errorf("%s must be at least 32 bytes", keyEnvVar)
	}

	return []byte(raw)[:32], nil
}

// Encrypt encrypts plaintext using AES-256-GCM and returns
// "v1:<base64(nonce)>:<base64(ciphertext||tag)>". The key must be exactly
// 32 bytes. Returns the original string unchanged if it is empty.
func Encrypt(plaintext string, key []byte) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return v1Prefix +
		base64.StdEncoding.EncodeToString(nonce) + ":" +
		base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a value previously produced by Encrypt. If the value
// does not start with "v1:", it is returned as-is (plaintext passthrough,
// supporting in-place migration from unencrypted storage). The key must be
// exactly 32 bytes.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	parts := strings.SplitN(strings.TrimPrefix(ciphertext, v1Prefix), ":", 2)
	if len(parts) != 2 {
		return "", errors.New("malformed ciphertext: expected v1:<nonce>:<sealed>")
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return "", errors.New("invalid nonce size")
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether the value carries the "v1:" prefix, meaning
// it was produced by Encrypt.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, v1Prefix)
}
