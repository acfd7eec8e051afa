// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package models defines the core data types flowing through the gateway:
// messages, dead letters, node telemetry, alerts, and incidents.
package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Priority is the advisory delivery priority of a message. Ordering is FIFO
// within a priority; higher priorities drain first when workers are idle.
type Priority int

// Priority levels. Lower value means higher urgency so buckets can be
// scanned in ascending order.
const (
	PriorityHigh   Priority = 0 // OTP messages (time-sensitive)
	PriorityNormal Priority = 1 // Regular SMS
	PriorityLow    Priority = 2 // Telemetry / system messages
)

// NumPriorities is the number of priority buckets.
const NumPriorities = 3

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority converts a wire name to a Priority. Unknown and empty
// values map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// MarshalJSON encodes the priority as its wire name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority from its wire name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	*p = ParsePriority(s)
	return nil
}

// Message is the immutable unit of work flowing through the pipeline.
//
// The body field holds ciphertext whenever Encrypted is true and is only
// decrypted on the dispatcher's call stack immediately before the network
// send. Message values are never logged with their body.
type Message struct {
	// SMSID uniquely identifies the message across the entire pipeline
	// lifetime, including the Dead Letter Office. It is the idempotency key.
	SMSID string `json:"sms_id"`

	// Sender is the phone-number-shaped origin address. Not validated.
	Sender string `json:"sender"`

	// Body is the message content: ciphertext when Encrypted, else plaintext.
	Body string `json:"body"`

	// Timestamp is the origin wall-clock in seconds since epoch.
	Timestamp int64 `json:"timestamp"`

	// NodeID identifies the edge node that received the message.
	NodeID string `json:"node_id"`

	// Priority orders queue draining. Advisory only.
	Priority Priority `json:"priority"`

	// Encrypted marks the body as an authenticated-encryption token.
	Encrypted bool `json:"encrypted"`

	// RetryCount is mutated only by the queue worker.
	RetryCount int `json:"retry_count"`

	// LastError holds the most recent dispatcher failure reason.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt is set on enqueue, seconds since epoch.
	CreatedAt int64 `json:"created_at"`
}

// RedactedBody is the sentinel that replaces message bodies in every
// serialized dead letter.
const RedactedBody = "[ENCRYPTED]"

// DeadLetter is a message that exhausted its retry budget, retained by the
// Dead Letter Office until manual retry or TTL expiry.
type DeadLetter struct {
	Message

	// DeadLetteredAt is when the message entered the DLO, seconds since epoch.
	DeadLetteredAt int64 `json:"dead_lettered_at"`

	// ExpiresAt is DeadLetteredAt + the configured DLO TTL.
	ExpiresAt int64 `json:"expires_at"`

	// ManualRetryCount counts operator-triggered retries of this letter.
	ManualRetryCount int `json:"manual_retry_count"`
}

// Expired reports whether the letter's TTL has elapsed at the given time.
func (d *DeadLetter) Expired(now time.Time) bool {
	return now.Unix() >= d.ExpiresAt
}

// MarshalJSON serializes the dead letter with the body replaced by the
// RedactedBody sentinel. The ciphertext stays in memory for manual retry
// but never leaves the process in serialized form.
func (d DeadLetter) MarshalJSON() ([]byte, error) {
	type alias DeadLetter
	redacted := alias(d)
	redacted.Body = RedactedBody
	return json.Marshal(redacted)
}
