// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/crypto"
	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/metrics"
	"github.com/ambicuity/smsbridge/internal/models"
)

// EmailDispatcher is the fallback channel. It opens an SMTP session per
// call; fallback traffic is light and a pooled connection would mostly
// sit idle waiting to go stale.
type EmailDispatcher struct {
	cfg config.SMTPConfig
	env *crypto.Envelope

	dial func(ctx context.Context, addr string) (net.Conn, error)

	totalSent   atomic.Int64
	totalErrors atomic.Int64
}

// NewEmailDispatcher creates the fallback dispatcher.
func NewEmailDispatcher(cfg config.SMTPConfig, env *crypto.Envelope) *EmailDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	return &EmailDispatcher{
		cfg: cfg,
		env: env,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
	}
}

// Name returns the channel identifier.
func (d *EmailDispatcher) Name() string { return "email" }

// Send delivers one message over SMTP. The subject carries the sender;
// the decrypted body exists only in the session write.
func (d *EmailDispatcher) Send(ctx context.Context, msg *models.Message) Outcome {
	outcome := d.send(ctx, msg)
	metrics.DispatchAttempts.WithLabelValues(d.Name(), outcome.Status.String()).Inc()
	return outcome
}

func (d *EmailDispatcher) send(ctx context.Context, msg *models.Message) Outcome {
	if !d.cfg.Enabled() {
		return Terminal("email not configured")
	}

	body, err := decodeBody(d.env, msg)
	if err != nil {
		return Terminal(ReasonInvalidToken)
	}

	started := time.Now()
	err = d.sendSMTP(ctx, msg, body)
	metrics.DispatchDuration.WithLabelValues(d.Name()).Observe(time.Since(started).Seconds())

	if err != nil {
		d.totalErrors.Add(1)
		if isTerminalSMTPError(err) {
			return Terminal(err.Error())
		}
		return Transient(err.Error())
	}

	d.totalSent.Add(1)
	logging.Info().Str("sms_id", msg.SMSID).Msg("Email fallback delivered")
	return Delivered()
}

// buildMessage constructs the RFC 5322 message.
func (d *EmailDispatcher) buildMessage(msg *models.Message, body string) string {
	var b strings.Builder
	ts := time.Unix(msg.Timestamp, 0).UTC().Format(time.RFC3339)

	b.WriteString(fmt.Sprintf("From: %s\r\n", d.cfg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", d.cfg.To))
	b.WriteString(fmt.Sprintf("Subject: OTP from %s\r\n", msg.Sender))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString(fmt.Sprintf("X-SMS-ID: %s\r\n", msg.SMSID))
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(fmt.Sprintf("From: %s\r\nNode: %s\r\nTime: %s\r\n\r\n%s\r\n\r\nSMS ID: %s\r\n",
		msg.Sender, msg.NodeID, ts, body, msg.SMSID))
	return b.String()
}

// sendSMTP runs one full SMTP session: dial, STARTTLS, auth, send.
func (d *EmailDispatcher) sendSMTP(ctx context.Context, msg *models.Message, body string) error {
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)

	conn, err := d.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, d.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: d.cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if d.cfg.User != "" && d.cfg.Pass != "" {
		auth := smtp.PlainAuth("", d.cfg.User, d.cfg.Pass, d.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(d.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(d.cfg.To); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(d.buildMessage(msg, body))); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// A failed QUIT after a completed DATA is not a delivery failure.
	_ = client.Quit()
	return nil
}

// isTerminalSMTPError separates failures no retry can fix (bad
// credentials, rejected addresses) from transient session problems.
// SMTP semantics: 4yz replies are temporary, 5yz are permanent.
func isTerminalSMTPError(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500
	}
	return strings.Contains(strings.ToLower(err.Error()), "authentication failed")
}

// EmailMetrics is the counter snapshot exposed on /api/metrics.
type EmailMetrics struct {
	TotalSent   int64 `json:"total_sent"`
	TotalErrors int64 `json:"total_errors"`
}

// Metrics returns the current counter snapshot.
func (d *EmailDispatcher) Metrics() EmailMetrics {
	return EmailMetrics{
		TotalSent:   d.totalSent.Load(),
		TotalErrors: d.totalErrors.Load(),
	}
}
