// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the delivery pipeline:
// - queue throughput and depth
// - dispatcher outcomes per channel
// - DLO occupancy and overflow
// - CTO-Agent webhook deliveries and suppressions
// - API endpoint latency and throughput

var (
	// Queue metrics
	MessagesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsbridge_messages_enqueued_total",
			Help: "Total number of messages accepted into the queue",
		},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsbridge_messages_delivered_total",
			Help: "Total number of messages delivered downstream",
		},
		[]string{"channel"}, // "telegram", "email"
	)

	MessagesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsbridge_messages_failed_total",
			Help: "Total number of messages that exhausted retries and were dead-lettered",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smsbridge_queue_depth",
			Help: "Current number of messages waiting in the queue",
		},
	)

	QueueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsbridge_queue_rejections_total",
			Help: "Total number of enqueue rejections",
		},
		[]string{"reason"}, // "queue_full", "duplicate"
	)

	RetriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsbridge_retries_scheduled_total",
			Help: "Total number of backoff retries scheduled",
		},
	)

	// Dispatcher metrics
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsbridge_dispatch_attempts_total",
			Help: "Total dispatch attempts by channel and outcome",
		},
		[]string{"channel", "outcome"}, // outcome: "delivered", "rate_limited", "transient", "terminal"
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smsbridge_dispatch_duration_seconds",
			Help:    "Duration of downstream send calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	// DLO metrics
	DLOSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smsbridge_dlo_entries",
			Help: "Current number of dead letters retained",
		},
	)

	DLOCaptured = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsbridge_dlo_captured_total",
			Help: "Total number of messages captured by the Dead Letter Office",
		},
	)

	DLOOverflow = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsbridge_dlo_overflow_total",
			Help: "Total number of oldest-first evictions caused by a full DLO",
		},
	)

	DLOPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsbridge_dlo_purged_total",
			Help: "Total number of dead letters removed by TTL expiry or purge",
		},
	)

	// CTO-Agent metrics
	WebhookPosts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsbridge_webhook_posts_total",
			Help: "Total outbound webhook attempts by result",
		},
		[]string{"result"}, // "delivered", "failed", "suppressed"
	)

	AlertsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsbridge_alerts_received_total",
			Help: "Total alerts received by the CTO-Agent",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsbridge_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smsbridge_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)
