// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package dlo

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/models"
)

func testConfig() config.DLOConfig {
	return config.DLOConfig{
		TTLSec:          72 * 3600,
		MaxEntries:      5,
		GrowthThreshold: 3,
		PruneInterval:   time.Minute,
	}
}

func failedMessage(id string) *models.Message {
	return &models.Message{
		SMSID:      id,
		Sender:     "+919876543210",
		Body:       "ciphertext-" + id,
		NodeID:     "esp32-01",
		RetryCount: 5,
	}
}

func TestCaptureAndList(t *testing.T) {
	office := New(testConfig(), nil)

	office.Capture(failedMessage("sms-1"), "telegram http 500")
	office.Capture(failedMessage("sms-2"), "smtp timeout")

	letters := office.List()
	if len(letters) != 2 {
		t.Fatalf("List() returned %d letters, want 2", len(letters))
	}
	// Newest first.
	if letters[0].SMSID != "sms-2" || letters[1].SMSID != "sms-1" {
		t.Errorf("order = %s, %s; want sms-2, sms-1", letters[0].SMSID, letters[1].SMSID)
	}
	if letters[0].LastError != "smtp timeout" {
		t.Errorf("last_error = %q", letters[0].LastError)
	}
	if letters[0].ExpiresAt != letters[0].DeadLetteredAt+72*3600 {
		t.Error("expires_at not dead_lettered_at + TTL")
	}
}

func TestListRedactsBodies(t *testing.T) {
	office := New(testConfig(), nil)
	office.Capture(failedMessage("sms-1"), "boom")

	data, err := json.Marshal(office.List())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(data), "ciphertext-sms-1") {
		t.Error("serialized DLO listing exposes body")
	}
	if !strings.Contains(string(data), models.RedactedBody) {
		t.Error("redaction sentinel missing")
	}
}

func TestRetry(t *testing.T) {
	office := New(testConfig(), nil)
	office.Capture(failedMessage("sms-1"), "boom")

	var requeued *models.Message
	ok := office.Retry("sms-1", func(msg *models.Message) bool {
		requeued = msg
		return true
	})
	if !ok {
		t.Fatal("Retry returned false for existing letter")
	}
	if requeued == nil {
		t.Fatal("re-enqueue callback never called")
	}
	if requeued.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 after manual retry", requeued.RetryCount)
	}
	if requeued.SMSID != "sms-1" {
		t.Errorf("sms_id = %q, identity must survive the DLO round trip", requeued.SMSID)
	}
	if requeued.Body != "ciphertext-sms-1" {
		t.Error("ciphertext lost on retry")
	}
	if office.Size() != 0 {
		t.Errorf("Size = %d after successful retry, want 0", office.Size())
	}
}

func TestRetryNotFound(t *testing.T) {
	office := New(testConfig(), nil)
	if office.Retry("sms-missing", func(*models.Message) bool { return true }) {
		t.Error("Retry returned true for missing letter")
	}
}

func TestRetryQueueRefusedReinserts(t *testing.T) {
	office := New(testConfig(), nil)
	office.Capture(failedMessage("sms-1"), "boom")

	ok := office.Retry("sms-1", func(*models.Message) bool { return false })
	if ok {
		t.Error("Retry reported success though queue refused")
	}
	if office.Size() != 1 {
		t.Errorf("Size = %d after refused retry, want letter re-inserted", office.Size())
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	office := New(testConfig(), nil) // MaxEntries = 5

	for i := 0; i < 7; i++ {
		office.Capture(failedMessage(fmt.Sprintf("sms-%d", i)), "boom")
	}

	if office.Size() != 5 {
		t.Fatalf("Size = %d, want bounded at 5", office.Size())
	}
	letters := office.List()
	// sms-0 and sms-1 were evicted; newest first means sms-6 leads.
	if letters[0].SMSID != "sms-6" {
		t.Errorf("newest = %s, want sms-6", letters[0].SMSID)
	}
	if letters[len(letters)-1].SMSID != "sms-2" {
		t.Errorf("oldest = %s, want sms-2 (0 and 1 evicted)", letters[len(letters)-1].SMSID)
	}
	if office.Snapshot().TotalOverflow != 2 {
		t.Errorf("TotalOverflow = %d, want 2", office.Snapshot().TotalOverflow)
	}
}

func TestPurge(t *testing.T) {
	office := New(testConfig(), nil)
	office.Capture(failedMessage("sms-1"), "boom")
	office.Capture(failedMessage("sms-2"), "boom")

	if n := office.Purge(); n != 2 {
		t.Errorf("Purge = %d, want 2", n)
	}
	if office.Size() != 0 {
		t.Errorf("Size = %d after purge", office.Size())
	}
}

func TestPruneExpired(t *testing.T) {
	cfg := testConfig()
	cfg.TTLSec = 1
	office := New(cfg, nil)

	office.Capture(failedMessage("sms-old"), "boom")

	// Force the letter past its TTL rather than sleeping.
	office.mu.Lock()
	office.letters[0].ExpiresAt = time.Now().Unix() - 10
	office.mu.Unlock()

	office.Capture(failedMessage("sms-new"), "boom")

	if n := office.PruneExpired(); n != 1 {
		t.Errorf("PruneExpired = %d, want 1", n)
	}
	letters := office.List()
	if len(letters) != 1 || letters[0].SMSID != "sms-new" {
		t.Errorf("surviving letters = %v", letters)
	}
}

func TestSnapshotCounters(t *testing.T) {
	office := New(testConfig(), nil)
	office.Capture(failedMessage("sms-1"), "boom")
	office.Retry("sms-1", func(*models.Message) bool { return true })
	office.Capture(failedMessage("sms-2"), "boom")
	office.Purge()

	snap := office.Snapshot()
	if snap.TotalCaptured != 2 || snap.TotalRetried != 1 || snap.TotalPurged != 1 || snap.CurrentCount != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}
