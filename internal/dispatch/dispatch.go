// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package dispatch implements the downstream delivery channels.
//
// Two dispatchers exist: Telegram (primary) and SMTP email (fallback).
// Both implement the Dispatcher interface and classify every send into
// one of four outcomes so the queue worker can decide between retry,
// fallback, and dead-lettering:
//
//   - Delivered: the downstream accepted the message
//   - RateLimited: the downstream asked us to back off (does not consume
//     a retry budget)
//   - Transient: network error, timeout, 5xx; worth retrying
//   - Terminal: the request will never succeed on this channel
//
// Message bodies are decrypted on the dispatcher's call stack immediately
// before the network write and are never stored or logged in plaintext.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ambicuity/smsbridge/internal/crypto"
	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/models"
)

// Status classifies a send attempt.
type Status int

// Send outcomes.
const (
	StatusDelivered Status = iota
	StatusRateLimited
	StatusTransient
	StatusTerminal
)

// String returns the metric label for the status.
func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRateLimited:
		return "rate_limited"
	case StatusTransient:
		return "transient"
	default:
		return "terminal"
	}
}

// ReasonInvalidToken marks an outcome caused by an undecryptable body.
// The queue sends such messages straight to the DLO: no channel can
// deliver a body that cannot be decrypted.
const ReasonInvalidToken = "invalid_token"

// Outcome is the result of one send attempt.
type Outcome struct {
	Status Status

	// RetryAfter is the server-provided or derived backoff for
	// StatusRateLimited outcomes.
	RetryAfter time.Duration

	// Reason describes the failure for non-delivered outcomes. It becomes
	// the message's last_error.
	Reason string
}

// Delivered is the success outcome.
func Delivered() Outcome { return Outcome{Status: StatusDelivered} }

// RateLimited builds a rate-limit outcome with the given backoff.
func RateLimited(after time.Duration) Outcome {
	return Outcome{Status: StatusRateLimited, RetryAfter: after, Reason: "rate_limited"}
}

// Transient builds a retriable failure outcome.
func Transient(reason string) Outcome {
	return Outcome{Status: StatusTransient, Reason: reason}
}

// Terminal builds a non-retriable failure outcome.
func Terminal(reason string) Outcome {
	return Outcome{Status: StatusTerminal, Reason: reason}
}

// Dispatcher sends one message through a delivery channel.
type Dispatcher interface {
	// Name returns the channel identifier ("telegram", "email").
	Name() string

	// Send attempts delivery of one message. The context bounds the
	// network call; classification happens inside.
	Send(ctx context.Context, msg *models.Message) Outcome
}

// legacyBase64Warning fires at most once per process when an edge node is
// seen sending plain base64 labeled as encrypted.
var legacyBase64Warning sync.Once

// decodeBody resolves the plaintext of a message. Encrypted bodies are
// decrypted with the envelope. A body labeled encrypted that is actually
// plain base64 of UTF-8 text (the legacy edge encoding) is accepted as
// plaintext after a one-time configuration warning.
func decodeBody(env *crypto.Envelope, msg *models.Message) (string, error) {
	if !msg.Encrypted {
		return msg.Body, nil
	}

	plaintext, err := env.Decrypt(msg.Body)
	if err == nil {
		return plaintext, nil
	}
	if !errors.Is(err, crypto.ErrInvalidToken) {
		return "", err
	}

	if raw, decErr := base64.StdEncoding.DecodeString(msg.Body); decErr == nil && utf8.Valid(raw) {
		legacyBase64Warning.Do(func() {
			logging.Warn().
				Str("node_id", msg.NodeID).
				Msg("Edge node sends plain base64 labeled as encrypted; check firmware encryption config")
		})
		return string(raw), nil
	}

	return "", crypto.ErrInvalidToken
}
