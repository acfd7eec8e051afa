// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/smsbridge/config.yaml",
	"/etc/smsbridge/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. These are applied
// first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			BotToken: "",
			ChatID:   "",
			SendRate: 30, // Bot API per-chat limit
			Timeout:  30 * time.Second,
		},
		SMTP: SMTPConfig{
			Host:    "",
			Port:    587,
			User:    "",
			Pass:    "",
			From:    "",
			To:      "",
			Timeout: 30 * time.Second,
		},
		Encryption: EncryptionConfig{
			Key: "",
		},
		Queue: QueueConfig{
			Capacity:      10000,
			Workers:       3,
			MaxRetries:    5,
			BackoffBase:   2 * time.Second,
			BackoffCap:    60 * time.Second,
			BackoffJitter: 1 * time.Second,
			DrainGrace:    10 * time.Second,
		},
		DLO: DLOConfig{
			TTLSec:          72 * 3600,
			MaxEntries:      1000,
			GrowthThreshold: 10,
			PruneInterval:   time.Minute,
		},
		Health: HealthConfig{
			HeartbeatTimeoutSec: 120,
			BatteryLowMV:        3300,
			WifiWeakDBM:         -100,
			WdtStormDelta:       5,
			QueueWarnRatio:      0.7,
			QueueFullRatio:      0.9,
			EvalInterval:        15 * time.Second,
		},
		Agent: AgentConfig{
			WebhookURL:     "",
			WebhookSecret:  "",
			CooldownSec:    300,
			MaxIncidents:   200,
			WebhookTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Timeout:         30 * time.Second,
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML (if found)
//  3. Environment variables: highest priority
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// slices when supplied via environment variables.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars arrive as strings but the config expects
// slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]any); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envAliases maps flat operational environment variable names to nested
// config paths. Variables not listed here are ignored rather than guessed
// at, so unrelated process environment cannot leak into the config.
var envAliases = map[string]string{
	"TELEGRAM_BOT_TOKEN":    "telegram.bot_token",
	"TELEGRAM_CHAT_ID":      "telegram.chat_id",
	"TELEGRAM_SEND_RATE":    "telegram.send_rate",
	"TELEGRAM_API_BASE":     "telegram.base_url",
	"FERNET_ENCRYPTION_KEY": "encryption.key",
	"SMTP_HOST":             "smtp.host",
	"SMTP_PORT":             "smtp.port",
	"SMTP_USER":             "smtp.user",
	"SMTP_PASS":             "smtp.pass",
	"SMTP_FROM":             "smtp.from",
	"SMTP_TO":               "smtp.to",
	"N8N_WEBHOOK_URL":       "agent.webhook_url",
	"N8N_WEBHOOK_SECRET":    "agent.webhook_secret",
	"CTO_COOLDOWN_SEC":      "agent.cooldown_sec",
	"QUEUE_CAPACITY":        "queue.capacity",
	"WORKER_COUNT":          "queue.workers",
	"MAX_RETRIES":           "queue.max_retries",
	"DLO_TTL_SEC":           "dlo.ttl_sec",
	"DLO_MAX":               "dlo.max_entries",
	"DLO_GROWTH_THRESHOLD":  "dlo.growth_threshold",
	"HEARTBEAT_TIMEOUT_SEC": "health.heartbeat_timeout_sec",
	"BATTERY_LOW_MV":        "health.battery_low_mv",
	"WIFI_WEAK_DBM":         "health.wifi_weak_dbm",
	"HTTP_HOST":             "server.host",
	"HTTP_PORT":             "server.port",
	"CORS_ORIGINS":          "server.cors_origins",
	"LOG_LEVEL":             "logging.level",
	"LOG_FORMAT":            "logging.format",
	"LOG_CALLER":            "logging.caller",
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unknown variables return "" and are skipped.
func envTransformFunc(key string) string {
	if path, ok := envAliases[strings.ToUpper(key)]; ok {
		return path
	}
	return ""
}
