// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package config provides configuration management for the gateway.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: built-in sensible defaults for all optional settings
//  2. Config File: optional YAML config file (config.yaml)
//  3. Environment Variables: override any setting
//
// Config is immutable after Load() and safe for concurrent read access.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds all gateway configuration.
type Config struct {
	Telegram   TelegramConfig   `koanf:"telegram"`
	SMTP       SMTPConfig       `koanf:"smtp"`
	Encryption EncryptionConfig `koanf:"encryption"`
	Queue      QueueConfig      `koanf:"queue"`
	DLO        DLOConfig        `koanf:"dlo"`
	Health     HealthConfig     `koanf:"health"`
	Agent      AgentConfig      `koanf:"agent"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// TelegramConfig holds the primary delivery channel settings.
//
// Environment Variables:
//   - TELEGRAM_BOT_TOKEN: Bot API token
//   - TELEGRAM_CHAT_ID: destination chat or group ID
type TelegramConfig struct {
	BotToken string `koanf:"bot_token"`
	ChatID   string `koanf:"chat_id"`

	// BaseURL overrides the Bot API endpoint, for self-hosted bot API
	// servers and tests. Empty means the public endpoint.
	BaseURL string `koanf:"base_url"`

	// SendRate is the per-process send permit rate, matching the Bot API's
	// 30 messages/second per-chat limit.
	SendRate int `koanf:"send_rate"`

	// Timeout bounds one sendMessage HTTP call.
	Timeout time.Duration `koanf:"timeout"`
}

// SMTPConfig holds the fallback email channel settings.
//
// Environment Variables: SMTP_HOST, SMTP_PORT, SMTP_USER, SMTP_PASS,
// SMTP_FROM, SMTP_TO.
type SMTPConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	User    string        `koanf:"user"`
	Pass    string        `koanf:"pass"`
	From    string        `koanf:"from"`
	To      string        `koanf:"to"`
	Timeout time.Duration `koanf:"timeout"`
}

// Enabled reports whether the fallback channel is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.To != ""
}

// EncryptionConfig holds the body envelope key.
//
// Environment Variables:
//   - FERNET_ENCRYPTION_KEY: base64-encoded 32-byte key
type EncryptionConfig struct {
	Key string `koanf:"key"`
}

// QueueConfig holds the bounded work queue settings.
//
// Environment Variables: QUEUE_CAPACITY, WORKER_COUNT, MAX_RETRIES.
type QueueConfig struct {
	Capacity   int `koanf:"capacity"`
	Workers    int `koanf:"workers"`
	MaxRetries int `koanf:"max_retries"`

	// BackoffBase and BackoffCap bound the exponential retry delay;
	// BackoffJitter is the uniform jitter added on top.
	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffCap    time.Duration `koanf:"backoff_cap"`
	BackoffJitter time.Duration `koanf:"backoff_jitter"`

	// DrainGrace bounds how long Stop waits for workers to finish their
	// in-flight records.
	DrainGrace time.Duration `koanf:"drain_grace"`
}

// DLOConfig holds Dead Letter Office settings.
//
// Environment Variables: DLO_TTL_SEC, DLO_MAX, DLO_GROWTH_THRESHOLD.
type DLOConfig struct {
	TTLSec          int64 `koanf:"ttl_sec"`
	MaxEntries      int   `koanf:"max_entries"`
	GrowthThreshold int   `koanf:"growth_threshold"`

	PruneInterval time.Duration `koanf:"prune_interval"`
}

// TTL returns the retention period as a duration.
func (c DLOConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// HealthConfig holds monitor thresholds.
//
// Environment Variables: HEARTBEAT_TIMEOUT_SEC, BATTERY_LOW_MV, WIFI_WEAK_DBM.
type HealthConfig struct {
	HeartbeatTimeoutSec int64 `koanf:"heartbeat_timeout_sec"`
	BatteryLowMV        int   `koanf:"battery_low_mv"`
	WifiWeakDBM         int   `koanf:"wifi_weak_dbm"`

	// WdtStormDelta is how many watchdog resets above the hourly baseline
	// count as a storm.
	WdtStormDelta int `koanf:"wdt_storm_delta"`

	// QueueWarnRatio and QueueFullRatio are queue utilization thresholds
	// for the elevated and near-full alerts.
	QueueWarnRatio float64 `koanf:"queue_warn_ratio"`
	QueueFullRatio float64 `koanf:"queue_full_ratio"`

	EvalInterval time.Duration `koanf:"eval_interval"`
}

// HeartbeatTimeout returns the heartbeat window as a duration.
func (c HealthConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// AgentConfig holds CTO-Agent settings.
//
// Environment Variables: N8N_WEBHOOK_URL, N8N_WEBHOOK_SECRET, CTO_COOLDOWN_SEC.
type AgentConfig struct {
	WebhookURL    string `koanf:"webhook_url"`
	WebhookSecret string `koanf:"webhook_secret"`
	CooldownSec   int64  `koanf:"cooldown_sec"`

	// MaxIncidents bounds the in-memory incident ring.
	MaxIncidents int `koanf:"max_incidents"`

	// WebhookTimeout bounds one webhook POST.
	WebhookTimeout time.Duration `koanf:"webhook_timeout"`
}

// Cooldown returns the per-kind alert cooldown as a duration.
func (c AgentConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitReqs/RateLimitWindow bound ingest request rates per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validation errors.
var (
	ErrMissingEncryptionKey = errors.New("FERNET_ENCRYPTION_KEY is required")
	ErrMissingTelegram      = errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required")
)

// Validate checks the configuration for completeness and sane values.
// A validation failure is a startup error (exit code 1).
func (c *Config) Validate() error {
	if c.Encryption.Key == "" {
		return ErrMissingEncryptionKey
	}
	if c.Telegram.BotToken == "" || c.Telegram.ChatID == "" {
		return ErrMissingTelegram
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.Queue.MaxRetries)
	}
	if c.DLO.MaxEntries <= 0 {
		return fmt.Errorf("dlo max entries must be positive, got %d", c.DLO.MaxEntries)
	}
	if c.Agent.WebhookURL != "" {
		u, err := url.Parse(c.Agent.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid webhook URL %q", c.Agent.WebhookURL)
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Health.QueueFullRatio <= c.Health.QueueWarnRatio {
		return fmt.Errorf("queue_full_ratio (%v) must exceed queue_warn_ratio (%v)",
			c.Health.QueueFullRatio, c.Health.QueueWarnRatio)
	}
	return nil
}
