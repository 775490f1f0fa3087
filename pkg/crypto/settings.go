// Package crypto seals secrets that are persisted in the settings file.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// sealedPrefix marks a value produced by Seal so plaintext is never
// mistaken for ciphertext.
const sealedPrefix = "gcm1:"

var (
	ErrInvalidKey       = errors.New("invalid settings key: must not be empty")
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
	ErrNotSealed        = errors.New("value is not a sealed secret")
)

// SettingsCipher seals settings secrets with AES-256-GCM. Each sealed
// value is bound to the settings field it was written for, so a value
// copied into another field fails to open.
type SettingsCipher struct {
	gcm cipher.AEAD
}

// NewSettingsCipher accepts a base64 encoded 32 byte key or any passphrase,
// which is hashed with SHA-256.
func NewSettingsCipher(keyInput string) (*SettingsCipher, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key := deriveKey(keyInput)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SettingsCipher{gcm: gcm}, nil
}

func deriveKey(keyInput string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(keyInput); err == nil && len(decoded) == 32 {
		return decoded
	}
	hash := sha256.Sum256([]byte(keyInput))
	return hash[:]
}

// Seal encrypts plaintext for field. Empty input stays empty.
func (c *SettingsCipher) Seal(field, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	// nonce || ciphertext || tag
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(field))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same field.
func (c *SettingsCipher) Open(field, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize+c.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], []byte(field))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}

// IsSealed reports whether v looks like output of Seal.
func IsSealed(v string) bool { return strings.HasPrefix(v, sealedPrefix) }
