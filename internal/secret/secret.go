// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secret seals stored credentials (GitHub tokens, S3 keys) at rest.
//
// Values are encrypted with AES-256-GCM under a key loaded from a local
// keyfile, or derived from a passphrase via PBKDF2-SHA-256. Sealed values
// carry the ENC: prefix so plain values pass through unchanged.
package secret

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
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/flashio/flashd/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// SealedPrefix marks a value as sealed (format: ENC:base64(nonce|ciphertext|tag)).
const SealedPrefix = "ENC:"

// NonceSize is the AES-GCM nonce size (96 bits).
const NonceSize = 12

// KeySize is the AES-256 key size.
const KeySize = 32

// SaltSize is the salt size for key derivation.
const SaltSize = 32

// PBKDF2Iterations follows OWASP guidance for PBKDF2-SHA-256.
const PBKDF2Iterations = 600000

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotInitialized indicates no key material is available.
	ErrNotInitialized = errors.New("secret sealing not initialized")
	// ErrInvalidCiphertext indicates the sealed value is malformed.
	ErrInvalidCiphertext = errors.New("invalid sealed value")
	// ErrOpenFailed indicates decryption failed (wrong key or tampered data).
	ErrOpenFailed = errors.New("unseal failed: authentication tag mismatch")
)

// =============================================================================
// SEALER
// =============================================================================

// Sealer encrypts and decrypts credential strings.
type Sealer struct {
	mu     sync.Mutex
	aead   cipher.AEAD
	keyPat string
}

// NewSealer creates a sealer from the keyfile at keyPath, generating a fresh
// random key on first use.
func NewSealer(keyPath string) (*Sealer, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	s := &Sealer{keyPat: keyPath}
	if err := s.initCipher(key); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSealerWithPassphrase creates a sealer whose key is derived from a
// passphrase and a salt stored next to the keyfile.
func NewSealerWithPassphrase(keyPath, passphrase string) (*Sealer, error) {
	saltPath := keyPath + ".salt"

	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		// RELIABILITY: Atomic write with fsync prevents data loss on crash
		if err := util.AtomicWriteFileWithDir(saltPath, salt, 0600, 0700); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	key := DeriveKey(passphrase, salt)
	defer zeroBytes(key)

	s := &Sealer{keyPat: keyPath}
	if err := s.initCipher(key); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultKeyPath returns the default keyfile location (~/.flashio/master.key).
func DefaultKeyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".flashio", "master.key"), nil
}

// DeriveKey derives an AES-256 key from a passphrase using PBKDF2-SHA-256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	encoded, err := os.ReadFile(keyPath)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
		if decErr != nil || len(key) != KeySize {
			return nil, fmt.Errorf("corrupt keyfile %s", keyPath)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read keyfile: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	data := []byte(base64.StdEncoding.EncodeToString(key))
	if err := util.AtomicWriteFileWithDir(keyPath, data, 0600, 0700); err != nil {
		zeroBytes(key)
		return nil, fmt.Errorf("failed to save keyfile: %w", err)
	}
	return key, nil
}

func (s *Sealer) initCipher(key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	s.aead = aead
	return nil
}

// zeroBytes zeros key material to limit exposure in crash dumps.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// SEAL / OPEN
// =============================================================================

// Seal encrypts value and returns an ENC:-prefixed string. Empty and
// already-sealed values are returned unchanged.
func (s *Sealer) Seal(value string) (string, error) {
	if value == "" || IsSealed(value) {
		return value, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aead == nil {
		return "", ErrNotInitialized
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := s.aead.Seal(nonce, nonce, []byte(value), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts an ENC:-prefixed value. Plain values pass through unchanged,
// so callers can hand any configured credential to Open.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aead == nil {
		return "", ErrNotInitialized
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: bad base64", ErrInvalidCiphertext)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:NonceSize], data[NonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether a value carries the ENC: prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}
