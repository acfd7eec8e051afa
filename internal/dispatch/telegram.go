// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/crypto"
	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/metrics"
	"github.com/ambicuity/smsbridge/internal/models"
)

// telegramAPIBase is the default Bot API endpoint; TelegramConfig.BaseURL
// replaces it when set.
const telegramAPIBase = "https://api.telegram.org"

// rateLimitCap bounds the derived backoff when the 429 response carries no
// retry_after.
const rateLimitCap = 60 * time.Second

// TelegramDispatcher sends messages through the Telegram Bot API.
//
// A process-wide rate limiter models the Bot API's per-chat send budget
// (default 30/sec); a circuit breaker short-circuits sends while the API
// is hard-down so the fallback path engages without burning the full HTTP
// timeout on every message.
type TelegramDispatcher struct {
	cfg     config.TelegramConfig
	env     *crypto.Envelope
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]

	totalSent       atomic.Int64
	totalRateLimit  atomic.Int64
	totalErrors     atomic.Int64
	connected       atomic.Bool
	rateLimited     atomic.Bool
	rateLimitStreak atomic.Int64
}

// NewTelegramDispatcher creates the primary dispatcher.
func NewTelegramDispatcher(cfg config.TelegramConfig, env *crypto.Envelope) *TelegramDispatcher {
	sendRate := cfg.SendRate
	if sendRate <= 0 {
		sendRate = 30
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = telegramAPIBase
	}

	d := &TelegramDispatcher{
		cfg:     cfg,
		env:     env,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(sendRate), sendRate),
	}
	d.connected.Store(true)

	d.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "telegram-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state transition")
		},
	})

	return d
}

// Name returns the channel identifier.
func (d *TelegramDispatcher) Name() string { return "telegram" }

// telegramSendRequest is the sendMessage API request body.
type telegramSendRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// telegramAPIResponse is the subset of the Bot API response we inspect.
type telegramAPIResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Send delivers one message. The plaintext body exists only on this call
// stack.
func (d *TelegramDispatcher) Send(ctx context.Context, msg *models.Message) Outcome {
	outcome := d.send(ctx, msg)
	metrics.DispatchAttempts.WithLabelValues(d.Name(), outcome.Status.String()).Inc()
	return outcome
}

func (d *TelegramDispatcher) send(ctx context.Context, msg *models.Message) Outcome {
	if d.cfg.BotToken == "" || d.cfg.ChatID == "" {
		return Terminal("telegram not configured")
	}

	// Acquire a send permit before anything else; a rate-limited process
	// must not even build the request burst.
	if err := d.limiter.Wait(ctx); err != nil {
		return Transient("send permit: " + err.Error())
	}

	body, err := decodeBody(d.env, msg)
	if err != nil {
		return Terminal(ReasonInvalidToken)
	}

	payload, err := json.Marshal(telegramSendRequest{
		ChatID:                d.cfg.ChatID,
		Text:                  d.formatMessage(msg, body),
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return Terminal("marshal request: " + err.Error())
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", d.baseURL, d.cfg.BotToken)
	started := time.Now()

	resp, err := d.breaker.Execute(func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		return d.client.Do(req)
	})
	metrics.DispatchDuration.WithLabelValues(d.Name()).Observe(time.Since(started).Seconds())

	if err != nil {
		d.totalErrors.Add(1)
		d.connected.Store(false)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Transient("circuit open")
		}
		return Transient(err.Error())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.totalSent.Add(1)
		d.connected.Store(true)
		d.rateLimited.Store(false)
		d.rateLimitStreak.Store(0)
		logging.Debug().Str("sms_id", msg.SMSID).Msg("Telegram delivered")
		return Delivered()

	case resp.StatusCode == http.StatusTooManyRequests:
		d.totalRateLimit.Add(1)
		d.rateLimited.Store(true)
		d.connected.Store(false)
		after := d.retryAfter(resp, raw)
		logging.Warn().
			Str("sms_id", msg.SMSID).
			Dur("retry_after", after).
			Msg("Telegram rate limited")
		return RateLimited(after)

	case resp.StatusCode >= 500:
		d.totalErrors.Add(1)
		d.connected.Store(false)
		return Transient(fmt.Sprintf("telegram http %d", resp.StatusCode))

	default:
		// Remaining 4xx: bad token, invalid chat, malformed payload.
		// Retrying on this channel cannot succeed.
		d.totalErrors.Add(1)
		d.connected.Store(false)
		var apiResp telegramAPIResponse
		reason := fmt.Sprintf("telegram http %d", resp.StatusCode)
		if json.Unmarshal(raw, &apiResp) == nil && apiResp.Description != "" {
			reason = fmt.Sprintf("telegram http %d: %s", resp.StatusCode, apiResp.Description)
		}
		return Terminal(reason)
	}
}

// retryAfter resolves the backoff for a 429: the Retry-After header wins,
// then the API response's parameters.retry_after, then an exponential
// ladder 1s, 2s, 4s, ... capped at 60s across consecutive 429s.
func (d *TelegramDispatcher) retryAfter(resp *http.Response, raw []byte) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	var apiResp telegramAPIResponse
	if json.Unmarshal(raw, &apiResp) == nil &&
		apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
		return time.Duration(apiResp.Parameters.RetryAfter) * time.Second
	}

	streak := d.rateLimitStreak.Add(1) - 1
	if streak > 6 {
		streak = 6
	}
	backoff := time.Second << uint(streak)
	if backoff > rateLimitCap {
		backoff = rateLimitCap
	}
	return backoff
}

// formatMessage renders the Telegram text. The decrypted body is passed
// in; the Message's own body field stays ciphertext.
func (d *TelegramDispatcher) formatMessage(msg *models.Message, body string) string {
	ts := time.Unix(msg.Timestamp, 0).UTC().Format(time.RFC3339)
	return fmt.Sprintf(
		"*SMS Gateway*\n\n*From:* `%s`\n*Node:* %s\n*Time:* %s\n\n%s\n\n_ID: %s_",
		msg.Sender, msg.NodeID, ts, body, msg.SMSID,
	)
}

// TelegramMetrics is the counter snapshot exposed on /api/metrics.
type TelegramMetrics struct {
	TotalSent        int64 `json:"total_sent"`
	TotalRateLimited int64 `json:"total_rate_limited"`
	TotalErrors      int64 `json:"total_errors"`
	Connected        bool  `json:"connected"`
	RateLimited      bool  `json:"rate_limited"`
}

// Metrics returns the current counter snapshot.
func (d *TelegramDispatcher) Metrics() TelegramMetrics {
	return TelegramMetrics{
		TotalSent:        d.totalSent.Load(),
		TotalRateLimited: d.totalRateLimit.Load(),
		TotalErrors:      d.totalErrors.Load(),
		Connected:        d.connected.Load(),
		RateLimited:      d.rateLimited.Load(),
	}
}

// Connected reports whether the last attempt succeeded (or none were made).
func (d *TelegramDispatcher) Connected() bool { return d.connected.Load() }
