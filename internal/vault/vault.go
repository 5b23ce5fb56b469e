// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package vault seals and unseals opaque credential blobs with an
// authenticated symmetric primitive. The vault holds a single process-wide
// key derived at startup from an injected secret; without one, a fresh key is
// generated and the credentials sealed with it are ephemeral.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/toeirei/taskmaster/internal/logging"
)

// ErrCredentialIntegrity is returned when a sealed blob fails authentication,
// i.e. it was tampered with or sealed under a different key.
var ErrCredentialIntegrity = errors.New("credential integrity check failed")

// Vault seals and unseals byte blobs. Safe for concurrent use; the key is
// immutable after construction.
type Vault struct {
	key []byte
}

// New builds a vault from a base64-encoded 32-byte key. An empty key string
// generates a fresh random key and logs a single warning: anything sealed
// with it cannot be unsealed after a restart.
func New(encodedKey string) (*Vault, error) {
	if encodedKey == "" {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate vault key: %w", err)
		}
		logging.Warnf("no vault key configured; generated an ephemeral key (sealed credentials will not survive a restart)")
		return &Vault{key: key}, nil
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("vault key is not valid base64: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Vault{key: key}, nil
}

// GenerateKey returns a fresh base64-encoded key suitable for configuration.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext under the vault key with a fresh random nonce.
// The nonce is prepended to the returned blob.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts a blob produced by Seal. Any tampering, truncation, or key
// mismatch yields ErrCredentialIntegrity. The caller must zero the returned
// plaintext after use.
func (v *Vault) Unseal(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCredentialIntegrity
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCredentialIntegrity
	}
	return plaintext, nil
}
