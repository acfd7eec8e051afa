// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/crypto"
	"github.com/ambicuity/smsbridge/internal/models"
)

func testEnvelope(t *testing.T) *crypto.Envelope {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	env, err := crypto.NewEnvelope(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func testMessage(t *testing.T, env *crypto.Envelope, body string) *models.Message {
	t.Helper()
	token, err := env.Encrypt(body)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return &models.Message{
		SMSID:     "sms-00001",
		Sender:    "+919876543210",
		Body:      token,
		Timestamp: time.Now().Unix(),
		NodeID:    "esp32-01",
		Priority:  models.PriorityHigh,
		Encrypted: true,
	}
}

func newTestTelegram(env *crypto.Envelope, serverURL string) *TelegramDispatcher {
	d := NewTelegramDispatcher(config.TelegramConfig{
		BotToken: "12345:test-token",
		ChatID:   "-100200300",
		SendRate: 1000, // keep tests fast
		Timeout:  2 * time.Second,
	}, env)
	d.baseURL = serverURL
	return d
}

func TestTelegramSendDelivered(t *testing.T) {
	env := testEnvelope(t)
	var captured telegramSendRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bot12345:test-token/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d := newTestTelegram(env, srv.URL)
	msg := testMessage(t, env, "Your OTP is 884312")

	outcome := d.Send(context.Background(), msg)
	if outcome.Status != StatusDelivered {
		t.Fatalf("Send() = %v (%s), want Delivered", outcome.Status, outcome.Reason)
	}

	if captured.ChatID != "-100200300" {
		t.Errorf("chat_id = %q", captured.ChatID)
	}
	if captured.ParseMode != "Markdown" {
		t.Errorf("parse_mode = %q, want Markdown", captured.ParseMode)
	}
	if !strings.Contains(captured.Text, "Your OTP is 884312") {
		t.Error("decrypted body missing from message text")
	}
	if strings.Contains(captured.Text, msg.Body) {
		t.Error("ciphertext leaked into message text")
	}

	m := d.Metrics()
	if m.TotalSent != 1 || !m.Connected {
		t.Errorf("metrics = %+v, want TotalSent=1 Connected=true", m)
	}
}

func TestTelegramSendRateLimited(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantAfter time.Duration
	}{
		{
			name: "retry_after header",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantAfter: 7 * time.Second,
		},
		{
			name: "retry_after in body parameters",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"parameters":{"retry_after":3}}`))
			},
			wantAfter: 3 * time.Second,
		},
		{
			name: "no retry_after falls back to exponential",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantAfter: time.Second, // first step of the ladder
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnvelope(t)
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			d := newTestTelegram(env, srv.URL)
			outcome := d.Send(context.Background(), testMessage(t, env, "884312"))

			if outcome.Status != StatusRateLimited {
				t.Fatalf("Send() = %v, want RateLimited", outcome.Status)
			}
			if outcome.RetryAfter != tt.wantAfter {
				t.Errorf("RetryAfter = %v, want %v", outcome.RetryAfter, tt.wantAfter)
			}
			if m := d.Metrics(); m.TotalRateLimited != 1 || !m.RateLimited {
				t.Errorf("metrics = %+v, want TotalRateLimited=1 RateLimited=true", m)
			}
		})
	}
}

func TestTelegramRateLimitLadderGrows(t *testing.T) {
	env := testEnvelope(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := newTestTelegram(env, srv.URL)
	msg := testMessage(t, env, "884312")

	var prev time.Duration
	for i := 0; i < 4; i++ {
		outcome := d.Send(context.Background(), msg)
		if outcome.Status != StatusRateLimited {
			t.Fatalf("attempt %d: %v", i, outcome.Status)
		}
		if outcome.RetryAfter < prev {
			t.Errorf("attempt %d: backoff %v shrank below %v", i, outcome.RetryAfter, prev)
		}
		prev = outcome.RetryAfter
	}
	if prev > rateLimitCap {
		t.Errorf("backoff %v exceeds cap %v", prev, rateLimitCap)
	}
}

func TestTelegramSendClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Status
	}{
		{"server error is transient", http.StatusInternalServerError, StatusTransient},
		{"bad gateway is transient", http.StatusBadGateway, StatusTransient},
		{"unauthorized is terminal", http.StatusUnauthorized, StatusTerminal},
		{"bad request is terminal", http.StatusBadRequest, StatusTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnvelope(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d := newTestTelegram(env, srv.URL)
			outcome := d.Send(context.Background(), testMessage(t, env, "884312"))
			if outcome.Status != tt.want {
				t.Errorf("Send() = %v, want %v", outcome.Status, tt.want)
			}
		})
	}
}

func TestTelegramSendNetworkError(t *testing.T) {
	env := testEnvelope(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse all connections

	d := newTestTelegram(env, srv.URL)
	outcome := d.Send(context.Background(), testMessage(t, env, "884312"))
	if outcome.Status != StatusTransient {
		t.Errorf("Send() = %v, want Transient on connection refused", outcome.Status)
	}
	if d.Connected() {
		t.Error("Connected() = true after network failure")
	}
}

func TestTelegramInvalidTokenIsTerminal(t *testing.T) {
	env := testEnvelope(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("network call made for undecryptable body")
	}))
	defer srv.Close()

	d := newTestTelegram(env, srv.URL)
	msg := &models.Message{
		SMSID:     "sms-00002",
		Sender:    "+911111111111",
		Body:      "%%%not-a-token%%%",
		Encrypted: true,
	}
	outcome := d.Send(context.Background(), msg)
	if outcome.Status != StatusTerminal || outcome.Reason != ReasonInvalidToken {
		t.Errorf("Send() = %v (%q), want Terminal invalid_token", outcome.Status, outcome.Reason)
	}
}

func TestTelegramNotConfigured(t *testing.T) {
	env := testEnvelope(t)
	d := NewTelegramDispatcher(config.TelegramConfig{}, env)
	outcome := d.Send(context.Background(), testMessage(t, env, "884312"))
	if outcome.Status != StatusTerminal {
		t.Errorf("Send() = %v, want Terminal when unconfigured", outcome.Status)
	}
}

func TestDecodeBodyLegacyBase64(t *testing.T) {
	env := testEnvelope(t)
	msg := &models.Message{
		SMSID:     "sms-00003",
		Body:      base64.StdEncoding.EncodeToString([]byte("plain base64 payload")),
		Encrypted: true,
	}
	got, err := decodeBody(env, msg)
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if got != "plain base64 payload" {
		t.Errorf("decodeBody = %q", got)
	}
}

func TestDecodeBodyPlaintext(t *testing.T) {
	env := testEnvelope(t)
	msg := &models.Message{SMSID: "sms-00004", Body: "hello", Encrypted: false}
	got, err := decodeBody(env, msg)
	if err != nil || got != "hello" {
		t.Errorf("decodeBody = %q, %v", got, err)
	}
}
