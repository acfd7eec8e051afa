// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package crypto implements the symmetric encryption envelope protecting
// message bodies at rest.
//
// Algorithm:
//   - AES-256-GCM (authenticated encryption)
//   - 12-byte random nonce per encryption
//   - Token format: base64url(nonce || ciphertext || tag)
//
// The key is supplied at startup as a base64-encoded 32-byte value. A key
// that is not valid base64 of 32 bytes is treated as a passphrase and run
// through HKDF-SHA256, matching how credential encryption derives keys
// elsewhere in the stack.
//
// The envelope is pure: it holds no state beyond the key. Its purpose is to
// keep plaintext OTPs out of serialized structures, logs, and the DLO.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// envelopeSalt is the fixed HKDF salt binding derived keys to this
	// application's body-encryption use case.
	envelopeSalt = "smsbridge-body-envelope"

	// envelopeInfo is the HKDF info parameter for key derivation.
	envelopeInfo = "body-encryption-v1"

	// aesKeySize is the size of the AES key in bytes (256 bits).
	aesKeySize = 32

	// gcmNonceSize is the size of the GCM nonce in bytes.
	gcmNonceSize = 12
)

var (
	// ErrEmptyKey is returned when no encryption key is provided.
	ErrEmptyKey = errors.New("encryption key cannot be empty")

	// ErrEmptyPlaintext is returned when attempting to encrypt empty data.
	ErrEmptyPlaintext = errors.New("plaintext cannot be empty")

	// ErrInvalidToken is returned when a token is malformed, truncated,
	// tampered with, or encrypted under a different key.
	ErrInvalidToken = errors.New("invalid_token")
)

// Envelope provides AES-256-GCM encryption over message bodies.
type Envelope struct {
	cipher cipher.AEAD
}

// NewEnvelope creates an envelope from the configured key string. The key
// is preferably base64 of exactly 32 bytes; anything else is treated as a
// passphrase and stretched with HKDF-SHA256.
func NewEnvelope(key string) (*Envelope, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	raw, err := decodeKey(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Envelope{cipher: gcm}, nil
}

// Encrypt encrypts a plaintext body and returns a base64url token of
// nonce || ciphertext || tag.
func (e *Envelope) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.cipher.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a token produced by Encrypt. All failure modes
// (malformed base64, truncation, authentication failure, wrong key) map to
// ErrInvalidToken so callers cannot distinguish tampering from corruption.
func (e *Envelope) Decrypt(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		// Tokens produced before the URL-safe switch used standard base64.
		data, err = base64.StdEncoding.DecodeString(token)
		if err != nil {
			return "", ErrInvalidToken
		}
	}

	if len(data) < gcmNonceSize+e.cipher.Overhead() {
		return "", ErrInvalidToken
	}

	nonce := data[:gcmNonceSize]
	plaintext, err := e.cipher.Open(nil, nonce, data[gcmNonceSize:], nil)
	if err != nil {
		return "", ErrInvalidToken
	}
	return string(plaintext), nil
}

// decodeKey accepts base64 of exactly 32 bytes, otherwise derives a
// 256-bit key from the string via HKDF-SHA256.
func decodeKey(key string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		if raw, err := enc.DecodeString(key); err == nil && len(raw) == aesKeySize {
			return raw, nil
		}
	}

	hkdfReader := hkdf.New(sha256.New, []byte(key), []byte(envelopeSalt), []byte(envelopeInfo))
	raw := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdfReader, raw); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return raw, nil
}

// MaskSecret returns a masked form of a secret for diagnostics: only the
// last 4 characters survive.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****..." + secret[len(secret)-4:]
}
