// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package dlo implements the Dead Letter Office: retention for messages
// that exhausted their delivery retries.
//
// Messages are too important to silently drop. The DLO keeps every failed
// delivery listable, alertable, and manually recoverable until its TTL
// expires. Serialized dead letters never expose the message body; the
// ciphertext stays in memory so a manual retry can still deliver.
//
// The office is bounded: when full, the oldest letter is evicted to make
// room and the overflow counter is incremented.
package dlo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/events"
	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/metrics"
	"github.com/ambicuity/smsbridge/internal/models"
)

// Office is the dead letter store. All operations are O(n) under one
// mutex; the office holds at most cfg.MaxEntries letters (default 1000).
type Office struct {
	cfg config.DLOConfig
	bus *events.Bus

	mu      sync.Mutex
	letters []*models.DeadLetter // oldest first

	totalCaptured atomic.Int64
	totalRetried  atomic.Int64
	totalPurged   atomic.Int64
	totalOverflow atomic.Int64
}

// New creates an empty office. The bus may be nil in tests.
func New(cfg config.DLOConfig, bus *events.Bus) *Office {
	return &Office{cfg: cfg, bus: bus}
}

// Capture retains a message that exhausted its retries. When the office
// is full the oldest letter is evicted first. A capture event with the
// new occupancy is published so growth alerts can fire.
func (o *Office) Capture(msg *models.Message, lastError string) {
	now := time.Now().Unix()
	letter := &models.DeadLetter{
		Message:        *msg,
		DeadLetteredAt: now,
		ExpiresAt:      now + o.cfg.TTLSec,
	}
	letter.LastError = lastError

	o.mu.Lock()
	if len(o.letters) >= o.cfg.MaxEntries {
		evicted := o.letters[0]
		o.letters = o.letters[1:]
		o.totalOverflow.Add(1)
		metrics.DLOOverflow.Inc()
		logging.Warn().
			Str("sms_id", evicted.SMSID).
			Msg("DLO full, oldest letter evicted")
	}
	o.letters = append(o.letters, letter)
	size := len(o.letters)
	o.mu.Unlock()

	o.totalCaptured.Add(1)
	metrics.DLOCaptured.Inc()
	metrics.DLOSize.Set(float64(size))

	logging.Warn().
		Str("sms_id", msg.SMSID).
		Str("last_error", truncate(lastError, 100)).
		Int("retries", msg.RetryCount).
		Int("dlo_size", size).
		Msg("Message captured by Dead Letter Office")

	if o.bus != nil {
		if err := o.bus.PublishDLOCaptured(events.DLOCaptured{
			SMSID:     msg.SMSID,
			NodeID:    msg.NodeID,
			LastError: lastError,
			Size:      size,
		}); err != nil {
			logging.Error().Err(err).Msg("Failed to publish DLO capture event")
		}
	}
}

// List returns the current letters, newest first, after pruning expired
// entries. The returned values serialize with redacted bodies.
func (o *Office) List() []*models.DeadLetter {
	o.PruneExpired()

	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.DeadLetter, len(o.letters))
	for i, l := range o.letters {
		out[len(o.letters)-1-i] = l
	}
	return out
}

// Size returns the current number of letters.
func (o *Office) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.letters)
}

// RetryFunc re-enqueues a message; it returns true when the queue
// accepted it. Wired to the queue at startup.
type RetryFunc func(msg *models.Message) bool

// Retry removes the letter with the given sms_id, resets its retry count,
// and hands it back to the queue through re-enqueue. If the queue refuses
// (full), the letter is re-inserted so nothing is lost. Returns false
// when no letter with that id exists, and also when the queue refused it.
func (o *Office) Retry(smsID string, reenqueue RetryFunc) bool {
	o.mu.Lock()
	idx := -1
	for i, l := range o.letters {
		if l.SMSID == smsID {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false
	}
	letter := o.letters[idx]
	o.letters = append(o.letters[:idx], o.letters[idx+1:]...)
	o.mu.Unlock()

	letter.ManualRetryCount++

	msg := letter.Message
	msg.RetryCount = 0
	msg.LastError = ""

	if !reenqueue(&msg) {
		// Queue refused; keep the letter rather than lose the message.
		o.mu.Lock()
		o.letters = append(o.letters, letter)
		o.mu.Unlock()
		logging.Warn().Str("sms_id", smsID).Msg("DLO retry refused by queue")
		return false
	}

	o.totalRetried.Add(1)
	metrics.DLOSize.Set(float64(o.Size()))
	logging.Info().
		Str("sms_id", smsID).
		Int("manual_retry", letter.ManualRetryCount).
		Msg("Dead letter re-enqueued")
	return true
}

// Purge removes every letter and returns how many were removed.
func (o *Office) Purge() int {
	o.mu.Lock()
	n := len(o.letters)
	o.letters = nil
	o.mu.Unlock()

	o.totalPurged.Add(int64(n))
	metrics.DLOPurged.Add(float64(n))
	metrics.DLOSize.Set(0)
	if n > 0 {
		logging.Info().Int("purged", n).Msg("DLO purged")
	}
	return n
}

// PruneExpired removes letters past their TTL and returns the count.
// Runs on a timer and on every List; both are idempotent under late
// firing.
func (o *Office) PruneExpired() int {
	now := time.Now()

	o.mu.Lock()
	kept := o.letters[:0]
	pruned := 0
	for _, l := range o.letters {
		if l.Expired(now) {
			pruned++
			continue
		}
		kept = append(kept, l)
	}
	o.letters = kept
	size := len(o.letters)
	o.mu.Unlock()

	if pruned > 0 {
		o.totalPurged.Add(int64(pruned))
		metrics.DLOPurged.Add(float64(pruned))
		metrics.DLOSize.Set(float64(size))
		logging.Info().Int("pruned", pruned).Msg("Expired dead letters pruned")
	}
	return pruned
}

// Metrics is the counter snapshot exposed on /api/metrics.
type Metrics struct {
	CurrentCount  int   `json:"current_count"`
	TotalCaptured int64 `json:"total_captured"`
	TotalRetried  int64 `json:"total_retried"`
	TotalPurged   int64 `json:"total_purged"`
	TotalOverflow int64 `json:"total_overflow"`
}

// Snapshot returns the current counters.
func (o *Office) Snapshot() Metrics {
	return Metrics{
		CurrentCount:  o.Size(),
		TotalCaptured: o.totalCaptured.Load(),
		TotalRetried:  o.totalRetried.Load(),
		TotalPurged:   o.totalPurged.Load(),
		TotalOverflow: o.totalOverflow.Load(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
