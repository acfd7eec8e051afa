// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package models

// AlertKind identifies what condition an alert describes. The kind is the
// cooldown key in the CTO-Agent.
type AlertKind string

// Alert kinds.
const (
	AlertHeartbeatTimeout AlertKind = "heartbeat_timeout"
	AlertLowBattery       AlertKind = "low_battery"
	AlertWeakSignal       AlertKind = "weak_signal"
	AlertQueueNearFull    AlertKind = "queue_near_full"
	AlertWdtStorm         AlertKind = "wdt_storm"
	AlertDLOGrowth        AlertKind = "dlo_growth"
)

// Severity grades an alert for routing in the automation endpoint.
type Severity string

// Severity levels, least to most urgent.
const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Alert is a health finding published on the event bus. The monitor emits
// alerts; the CTO-Agent decides what to do with them.
type Alert struct {
	Kind     AlertKind `json:"kind"`
	Severity Severity  `json:"severity"`

	// Issues holds ordered human-readable descriptions of what was found.
	Issues []string `json:"issues"`

	// SubjectNodeID names the affected node for node-specific alerts.
	SubjectNodeID string `json:"subject_node_id,omitempty"`
}

// Action is a corrective measure the automation endpoint can execute.
type Action string

// Corrective actions.
const (
	ActionNotifyOperator      Action = "notify_operator"
	ActionRestartSwitch       Action = "restart_network_switch"
	ActionRestartGatewayNode  Action = "restart_gateway_node"
	ActionEmergencyQueueDrain Action = "emergency_queue_drain"
	ActionLogOnly             Action = "log_only"
)

// WebhookStatus records the fate of an incident's outbound webhook.
type WebhookStatus string

// Webhook statuses.
const (
	WebhookPending    WebhookStatus = "pending"
	WebhookDelivered  WebhookStatus = "delivered"
	WebhookFailed     WebhookStatus = "failed"
	WebhookSuppressed WebhookStatus = "suppressed"
)

// Incident is an immutable record of one alert evaluation decision,
// including whether the webhook was delivered or suppressed.
type Incident struct {
	// ID is monotonic per day, e.g. inc-20260801-003.
	ID string `json:"id"`

	AlertType     AlertKind     `json:"alert_type"`
	Severity      Severity      `json:"severity"`
	Action        Action        `json:"action"`
	Issues        []string      `json:"issues"`
	Timestamp     int64         `json:"timestamp"`
	SubjectNodeID string        `json:"subject_node_id,omitempty"`
	WebhookStatus WebhookStatus `json:"webhook_status"`
}
