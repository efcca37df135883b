// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings persists client settings in a local SQLite database.
package settings

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/util"
)

// =============================================================================
// ENCRYPTION CONSTANTS
// =============================================================================

// encryptedPrefix marks a stored value as encrypted
// (format: ENC:base64(nonce|ciphertext|tag)).
const encryptedPrefix = "ENC:"

const (
	// nonceSize is the size of the nonce/IV for AES-GCM (12 bytes / 96 bits)
	nonceSize = 12
	// keySize is the size of the AES-256 key (32 bytes / 256 bits)
	keySize = 32
	// saltSize is the size of the salt for key derivation (32 bytes)
	saltSize = 32
	// kdfIterations is the PBKDF2-SHA-256 iteration count.
	// OWASP recommends 600,000+ iterations for PBKDF2-SHA-256.
	kdfIterations = 600000
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidCiphertext indicates the stored ciphertext format is invalid
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	// ErrDecryptionFailed indicates decryption failed (wrong key or tampered data)
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// zeroBytes zeros sensitive byte slices after use.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// SECRET OPERATIONS
// =============================================================================

// SetSecret encrypts value with AES-256-GCM and stores it under key.
func (s *Store) SetSecret(key, value string) error {
	aead, err := s.sealer()
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext and tag to the nonce, giving nonce|ciphertext|tag
	blob := aead.Seal(nonce, nonce, []byte(value), nil)
	return s.Set(key, encryptedPrefix+base64.StdEncoding.EncodeToString(blob))
}

// GetSecret returns the decrypted value stored under key. Values without the
// encryption prefix are returned as-is, so a hand-edited plain value still
// works.
func (s *Store) GetSecret(key string) (string, error) {
	raw, err := s.Get(key)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(raw, encryptedPrefix) {
		return raw, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	aead, err := s.sealer()
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// =============================================================================
// KEY MATERIAL
// =============================================================================

// sealer returns the AES-GCM cipher, deriving it on first use. Processes
// that never touch a secret never pay for the key derivation.
func (s *Store) sealer() (cipher.AEAD, error) {
	s.sealOnce.Do(func() {
		s.aead, s.sealErr = newSealer(filepath.Dir(s.path))
	})
	return s.aead, s.sealErr
}

// newSealer builds an AES-256-GCM cipher from key material stored alongside
// the database. The machine secret and salt are generated on first use and
// written with 0600 permissions.
func newSealer(dir string) (cipher.AEAD, error) {
	seed, err := loadOrCreateKeyMaterial(filepath.Join(dir, "secret.key"), keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to load machine secret: %w", err)
	}
	defer zeroBytes(seed)

	salt, err := loadOrCreateKeyMaterial(filepath.Join(dir, "secret.salt"), saltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load key salt: %w", err)
	}

	// PBKDF2-SHA-256 key derivation per NIST SP 800-132
	key := pbkdf2.Key(seed, salt, kdfIterations, keySize, sha256.New)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return aead, nil
}

// loadOrCreateKeyMaterial reads exactly n bytes from path, generating and
// persisting fresh random bytes on first use.
func loadOrCreateKeyMaterial(path string, n int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != n {
			return nil, fmt.Errorf("%s: expected %d bytes, found %d", filepath.Base(path), n, len(data))
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data = make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents a torn key file on crash
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return nil, err
	}
	return data, nil
}
