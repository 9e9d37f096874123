// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secret seals the stored API key at rest with AES-256-GCM.
//
// The sealing key is derived with PBKDF2-SHA-256 from a machine-local random
// secret kept in a 0600 key file, so encrypted values are only readable on
// the machine that wrote them.
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

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// SealedPrefix marks a value as encrypted (format: ENC:base64(nonce|ciphertext|tag)).
const SealedPrefix = "ENC:"

// NonceSize is the AES-GCM nonce size (12 bytes / 96 bits).
const NonceSize = 12

// KeySize is the AES-256 key size (32 bytes).
const KeySize = 32

// SaltSize is the key-derivation salt size (32 bytes).
const SaltSize = 32

// PBKDF2Iterations follows the OWASP 2023 recommendation for PBKDF2-SHA-256.
const PBKDF2Iterations = 600000

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidCiphertext indicates the sealed value format is invalid.
	ErrInvalidCiphertext = errors.New("invalid sealed value format")
	// ErrOpenFailed indicates decryption failed (wrong key or tampered data).
	ErrOpenFailed = errors.New("open failed: authentication tag mismatch")
)

// =============================================================================
// BOX
// =============================================================================

// Box seals and opens short secrets using a key file on disk. The key file
// holds salt (32 bytes) followed by a random secret (32 bytes).
type Box struct {
	aead cipher.AEAD
}

// Open loads or creates the key file at keyPath and returns a ready Box.
func Open(keyPath string) (*Box, error) {
	material, err := os.ReadFile(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		material, err = createKeyFile(keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key file: %w", err)
	}
	if len(material) != SaltSize+KeySize {
		return nil, fmt.Errorf("key file %s has wrong size %d", keyPath, len(material))
	}

	salt, seed := material[:SaltSize], material[SaltSize:]
	key := pbkdf2.Key(seed, salt, PBKDF2Iterations, KeySize, sha256.New)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns the ENC:-prefixed encoding. Sealing an
// already sealed value returns it unchanged.
func (b *Box) Seal(plaintext string) (string, error) {
	if IsSealed(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts an ENC:-prefixed value. A value without the prefix is
// returned as-is (legacy plaintext).
func (b *Box) Unseal(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertext := raw[:NonceSize], raw[NonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Fingerprint returns a short SHA-256 fingerprint of a secret, safe for
// logging. Never log the secret itself.
func Fingerprint(secret string) string {
	if secret == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("sha256:%x", sum[:6])
}

func createKeyFile(keyPath string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	material := make([]byte, SaltSize+KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	if err := os.WriteFile(keyPath, material, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return material, nil
}

// zero wipes key material so it does not linger in crash dumps.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
