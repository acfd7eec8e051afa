// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package main is the entry point for the smsbridge server.
//
// Smsbridge forwards short text messages (primarily one-time passwords)
// from remote cellular edge nodes to operator-facing channels: Telegram
// as primary, email as fallback. It is built for zero message loss under
// transient network failures, downstream rate limiting, and edge hardware
// instability.
//
// # Architecture
//
//	MQTT-HTTP bridge → POST /api/sms/inbound → priority queue → workers
//	                                                │
//	                                    Telegram → Email fallback
//	                                                │ (retries exhausted)
//	                                        Dead Letter Office
//
// In parallel, edge telemetry feeds a health monitor whose alerts drive
// the CTO-Agent: signed webhooks to an automation endpoint with per-kind
// cooldown.
//
// # Configuration
//
// Loaded via Koanf v2 with layered sources (highest priority wins):
// environment variables, config.yaml, built-in defaults. Required:
//
//	TELEGRAM_BOT_TOKEN     Bot API token
//	TELEGRAM_CHAT_ID       destination chat
//	FERNET_ENCRYPTION_KEY  base64 32-byte body encryption key
//
// Optional: SMTP_HOST/PORT/USER/PASS/FROM/TO (email fallback),
// N8N_WEBHOOK_URL / N8N_WEBHOOK_SECRET (CTO-Agent), QUEUE_CAPACITY,
// WORKER_COUNT, MAX_RETRIES, DLO_TTL_SEC, DLO_MAX, CTO_COOLDOWN_SEC,
// HEARTBEAT_TIMEOUT_SEC, BATTERY_LOW_MV, WIFI_WEAK_DBM.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the queue drains
// in-flight records (10s grace), the HTTP server stops accepting
// connections, and the process exits 0. Exit codes: 0 clean shutdown,
// 1 configuration error, 2 unrecoverable runtime error.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ambicuity/smsbridge/internal/agent"
	"github.com/ambicuity/smsbridge/internal/api"
	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/crypto"
	"github.com/ambicuity/smsbridge/internal/dispatch"
	"github.com/ambicuity/smsbridge/internal/dlo"
	"github.com/ambicuity/smsbridge/internal/events"
	"github.com/ambicuity/smsbridge/internal/health"
	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/queue"
	"github.com/ambicuity/smsbridge/internal/supervisor"
	"github.com/ambicuity/smsbridge/internal/supervisor/services"
)

// Exit codes.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Int("workers", cfg.Queue.Workers).
		Int("queue_capacity", cfg.Queue.Capacity).
		Msg("Smsbridge starting")

	registry, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	defer registry.bus.Close()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(services.NewQueueService(registry.queue, cfg.Queue.Workers))
	tree.AddMonitoringService(services.NewAgentService(registry.agent, registry.bus))
	tree.AddMonitoringService(services.NewTimerService(
		registry.office, registry.monitor, cfg.DLO.PruneInterval, cfg.Health.EvalInterval))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(cfg.Server, registry.handler),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree failed")
		return exitRuntime
	}

	logging.Info().Msg("Smsbridge stopped")
	return exitOK
}

// registry holds the wired component graph. The application root builds
// it once and hands references to the facade; there are no process-wide
// singletons.
type registry struct {
	bus     *events.Bus
	queue   *queue.Queue
	office  *dlo.Office
	monitor *health.Monitor
	agent   *agent.Agent
	handler *api.Handler
}

// buildRegistry wires the component graph in dependency order: envelope,
// bus, dispatchers, DLO, queue, monitor, agent, HTTP handlers.
func buildRegistry(cfg *config.Config) (*registry, error) {
	envelope, err := crypto.NewEnvelope(cfg.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption envelope: %w", err)
	}

	bus := events.NewBus()

	telegram := dispatch.NewTelegramDispatcher(cfg.Telegram, envelope)
	var email *dispatch.EmailDispatcher
	var fallback dispatch.Dispatcher
	if cfg.SMTP.Enabled() {
		email = dispatch.NewEmailDispatcher(cfg.SMTP, envelope)
		fallback = email
	} else {
		logging.Warn().Msg("Email fallback not configured")
	}

	office := dlo.New(cfg.DLO, bus)
	q := queue.New(cfg.Queue, telegram, fallback, office)
	monitor := health.New(cfg.Health, bus, func() (int, int) {
		return q.Depth(), q.Capacity()
	})
	ag := agent.New(cfg.Agent, cfg.DLO.GrowthThreshold)

	handler := api.NewHandler(q, office, monitor, ag, telegram, email, envelope)

	return &registry{
		bus:     bus,
		queue:   q,
		office:  office,
		monitor: monitor,
		agent:   ag,
		handler: handler,
	}, nil
}
