// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package config

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "12345:token")
	t.Setenv("TELEGRAM_CHAT_ID", "-100200300")
	t.Setenv("FERNET_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Queue.Capacity != 10000 {
		t.Errorf("queue capacity = %d, want 10000", cfg.Queue.Capacity)
	}
	if cfg.Queue.Workers != 3 {
		t.Errorf("workers = %d, want 3", cfg.Queue.Workers)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.Queue.MaxRetries)
	}
	if cfg.DLO.TTL() != 72*time.Hour {
		t.Errorf("DLO TTL = %v, want 72h", cfg.DLO.TTL())
	}
	if cfg.DLO.MaxEntries != 1000 {
		t.Errorf("DLO max = %d, want 1000", cfg.DLO.MaxEntries)
	}
	if cfg.Agent.Cooldown() != 5*time.Minute {
		t.Errorf("cooldown = %v, want 5m", cfg.Agent.Cooldown())
	}
	if cfg.Health.HeartbeatTimeout() != 2*time.Minute {
		t.Errorf("heartbeat timeout = %v, want 2m", cfg.Health.HeartbeatTimeout())
	}
	if cfg.Health.BatteryLowMV != 3300 {
		t.Errorf("battery threshold = %d, want 3300", cfg.Health.BatteryLowMV)
	}
	if cfg.Telegram.SendRate != 30 {
		t.Errorf("send rate = %d, want 30", cfg.Telegram.SendRate)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	validEnv(t)
	t.Setenv("QUEUE_CAPACITY", "500")
	t.Setenv("WORKER_COUNT", "7")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("DLO_TTL_SEC", "3600")
	t.Setenv("DLO_MAX", "50")
	t.Setenv("CTO_COOLDOWN_SEC", "60")
	t.Setenv("HEARTBEAT_TIMEOUT_SEC", "240")
	t.Setenv("BATTERY_LOW_MV", "3500")
	t.Setenv("WIFI_WEAK_DBM", "-90")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("SMTP_HOST", "mail.example.com")
	t.Setenv("SMTP_TO", "ops@example.com")
	t.Setenv("N8N_WEBHOOK_URL", "https://n8n.local/webhook/alerts")
	t.Setenv("N8N_WEBHOOK_SECRET", "hush")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Queue.Capacity != 500 || cfg.Queue.Workers != 7 || cfg.Queue.MaxRetries != 3 {
		t.Errorf("queue config = %+v", cfg.Queue)
	}
	if cfg.DLO.TTL() != time.Hour || cfg.DLO.MaxEntries != 50 {
		t.Errorf("dlo config = %+v", cfg.DLO)
	}
	if cfg.Agent.Cooldown() != time.Minute {
		t.Errorf("cooldown = %v", cfg.Agent.Cooldown())
	}
	if cfg.Health.HeartbeatTimeoutSec != 240 || cfg.Health.BatteryLowMV != 3500 || cfg.Health.WifiWeakDBM != -90 {
		t.Errorf("health config = %+v", cfg.Health)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if !cfg.SMTP.Enabled() {
		t.Error("SMTP not enabled with host and recipient set")
	}
	if cfg.Agent.WebhookURL != "https://n8n.local/webhook/alerts" {
		t.Errorf("webhook url = %q", cfg.Agent.WebhookURL)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T)
		want  error
	}{
		{
			name: "missing encryption key",
			setup: func(t *testing.T) {
				t.Setenv("TELEGRAM_BOT_TOKEN", "12345:token")
				t.Setenv("TELEGRAM_CHAT_ID", "-100")
			},
			want: ErrMissingEncryptionKey,
		},
		{
			name: "missing telegram",
			setup: func(t *testing.T) {
				t.Setenv("FERNET_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
			},
			want: ErrMissingTelegram,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup(t)
			_, err := Load()
			if !errors.Is(err, tt.want) {
				t.Errorf("Load() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.Encryption.Key = "key"
		cfg.Telegram.BotToken = "t"
		cfg.Telegram.ChatID = "c"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"zero workers", func(c *Config) { c.Queue.Workers = 0 }},
		{"zero retries", func(c *Config) { c.Queue.MaxRetries = 0 }},
		{"zero dlo max", func(c *Config) { c.DLO.MaxEntries = 0 }},
		{"bad webhook url", func(c *Config) { c.Agent.WebhookURL = "not a url" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"inverted queue ratios", func(c *Config) { c.Health.QueueFullRatio = 0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted invalid config")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Errorf("Validate() rejected valid config: %v", err)
	}
}

func TestEnvTransformIgnoresUnknown(t *testing.T) {
	if got := envTransformFunc("PATH"); got != "" {
		t.Errorf("envTransformFunc(PATH) = %q, want empty", got)
	}
	if got := envTransformFunc("TELEGRAM_BOT_TOKEN"); got != "telegram.bot_token" {
		t.Errorf("envTransformFunc(TELEGRAM_BOT_TOKEN) = %q", got)
	}
}
