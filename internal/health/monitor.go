// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package health tracks edge node telemetry and the pipeline's own vitals.
//
// The monitor aggregates the latest telemetry per node, evaluates a fixed
// rule set on every ingest and on a timer, and publishes alerts to the
// event bus. It never sends anything itself; acting on alerts is the
// CTO-Agent's job.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/events"
	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/models"
)

// Status is the overall gateway health rollup.
type Status string

// Health statuses.
const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// wdtBaselineWindow is how long a watchdog-reset baseline stays valid.
const wdtBaselineWindow = time.Hour

// QueueStats reports the queue's occupancy to the monitor without a
// package dependency on the queue.
type QueueStats func() (depth, capacity int)

// Monitor aggregates node state and evaluates alert rules.
type Monitor struct {
	cfg        config.HealthConfig
	bus        *events.Bus
	queueStats QueueStats

	mu    sync.RWMutex
	nodes map[string]*models.NodeState
}

// New creates a monitor. queueStats and bus may be nil in tests.
func New(cfg config.HealthConfig, bus *events.Bus, queueStats QueueStats) *Monitor {
	return &Monitor{
		cfg:        cfg,
		bus:        bus,
		queueStats: queueStats,
		nodes:      make(map[string]*models.NodeState),
	}
}

// Ingest records a telemetry sample and runs an evaluation pass.
func (m *Monitor) Ingest(sample models.TelemetrySample) {
	now := time.Now()
	sample.ReceivedAt = now.Unix()

	m.mu.Lock()
	node, ok := m.nodes[sample.NodeID]
	if !ok {
		node = &models.NodeState{}
		m.nodes[sample.NodeID] = node
		logging.Info().Str("node_id", sample.NodeID).Msg("New edge node registered")
	}
	node.TelemetrySample = sample
	node.LastSeen = now.Unix()

	// Capture an hourly watchdog-reset baseline for storm detection.
	if node.WdtBaselineAt == 0 || now.Unix()-node.WdtBaselineAt > int64(wdtBaselineWindow.Seconds()) {
		node.WdtBaseline = sample.WdtResets
		node.WdtBaselineAt = now.Unix()
	}
	m.mu.Unlock()

	m.EvaluateAndPublish()
}

// Evaluate applies the rule set to the current state and returns the
// resulting alerts. Pure with respect to monitor state: it mutates
// nothing.
func (m *Monitor) Evaluate() []models.Alert {
	now := time.Now()
	var alerts []models.Alert

	m.mu.RLock()
	for id, node := range m.nodes {
		if node.Stale(now, m.cfg.HeartbeatTimeout()) {
			alerts = append(alerts, models.Alert{
				Kind:     models.AlertHeartbeatTimeout,
				Severity: models.SeverityCritical,
				Issues: []string{fmt.Sprintf("Node %s: heartbeat timeout (last seen %ds ago)",
					id, now.Unix()-node.LastSeen)},
				SubjectNodeID: id,
			})
			// A silent node's remaining telemetry is too old to act on.
			continue
		}
		if node.BatteryMV > 0 && node.BatteryMV < m.cfg.BatteryLowMV {
			alerts = append(alerts, models.Alert{
				Kind:     models.AlertLowBattery,
				Severity: models.SeverityWarning,
				Issues: []string{fmt.Sprintf("Node %s: battery low (%d mV, %d%%)",
					id, node.BatteryMV, node.BatteryPercent())},
				SubjectNodeID: id,
			})
		}
		if node.WifiRSSI < m.cfg.WifiWeakDBM && node.WifiRSSI > -127 {
			alerts = append(alerts, models.Alert{
				Kind:     models.AlertWeakSignal,
				Severity: models.SeverityWarning,
				Issues: []string{fmt.Sprintf("Node %s: signal weak (%d dBm)",
					id, node.WifiRSSI)},
				SubjectNodeID: id,
			})
		}
		if node.WdtResets-node.WdtBaseline > m.cfg.WdtStormDelta {
			alerts = append(alerts, models.Alert{
				Kind:     models.AlertWdtStorm,
				Severity: models.SeverityWarning,
				Issues: []string{fmt.Sprintf("Node %s: %d watchdog resets within the hour",
					id, node.WdtResets-node.WdtBaseline)},
				SubjectNodeID: id,
			})
		}
	}
	m.mu.RUnlock()

	if m.queueStats != nil {
		depth, capacity := m.queueStats()
		if capacity > 0 {
			util := float64(depth) / float64(capacity)
			switch {
			case util > m.cfg.QueueFullRatio:
				alerts = append(alerts, models.Alert{
					Kind:     models.AlertQueueNearFull,
					Severity: models.SeverityEmergency,
					Issues:   []string{fmt.Sprintf("Queue near capacity (%d/%d)", depth, capacity)},
				})
			case util > m.cfg.QueueWarnRatio:
				alerts = append(alerts, models.Alert{
					Kind:     models.AlertQueueNearFull,
					Severity: models.SeverityWarning,
					Issues:   []string{fmt.Sprintf("Queue elevated (%d/%d)", depth, capacity)},
				})
			}
		}
	}

	return alerts
}

// EvaluateAndPublish runs one evaluation pass and publishes every alert
// to the bus.
func (m *Monitor) EvaluateAndPublish() {
	alerts := m.Evaluate()
	if m.bus == nil {
		return
	}
	for _, alert := range alerts {
		if err := m.bus.PublishAlert(alert); err != nil {
			logging.Error().Err(err).Str("kind", string(alert.Kind)).Msg("Failed to publish alert")
		}
	}
}

// NodeReport is the per-node slice of a snapshot.
type NodeReport struct {
	NodeID         string `json:"node_id"`
	BatteryMV      int    `json:"battery_mv"`
	BatteryPercent int    `json:"battery_percent"`
	WifiRSSI       int    `json:"wifi_rssi"`
	WifiState      int    `json:"wifi_state"`
	Reconnects     int    `json:"reconnects"`
	WdtResets      int    `json:"wdt_resets"`
	StoredSMSIDs   int    `json:"stored_sms_ids"`
	UptimeSec      int64  `json:"uptime_sec"`
	HeapFree       int64  `json:"heap_free"`
	LastSeen       int64  `json:"last_seen"`
	LastSeenAgoSec int64  `json:"last_seen_ago_sec"`
	Stale          bool   `json:"stale"`
}

// Report is the aggregated health snapshot served on /api/health.
type Report struct {
	Status    Status                `json:"status"`
	Timestamp int64                 `json:"timestamp"`
	Issues    []string              `json:"issues"`
	Nodes     map[string]NodeReport `json:"nodes"`
	Queue     QueueReport           `json:"queue"`
}

// QueueReport is the queue slice of a snapshot.
type QueueReport struct {
	Depth              int     `json:"depth"`
	Capacity           int     `json:"capacity"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Snapshot builds the aggregated health report: per-node state plus the
// rolled-up status derived from the current alert set.
func (m *Monitor) Snapshot() Report {
	now := time.Now()
	alerts := m.Evaluate()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: now.Unix(),
		Issues:    []string{},
		Nodes:     make(map[string]NodeReport),
	}

	for _, alert := range alerts {
		report.Issues = append(report.Issues, alert.Issues...)
		switch alert.Severity {
		case models.SeverityCritical, models.SeverityEmergency:
			report.Status = StatusCritical
		case models.SeverityWarning:
			if report.Status != StatusCritical {
				report.Status = StatusDegraded
			}
		}
	}

	m.mu.RLock()
	if len(m.nodes) == 0 {
		report.Status = StatusUnknown
		report.Issues = append(report.Issues, "No edge nodes registered")
	}
	for id, node := range m.nodes {
		report.Nodes[id] = NodeReport{
			NodeID:         id,
			BatteryMV:      node.BatteryMV,
			BatteryPercent: node.BatteryPercent(),
			WifiRSSI:       node.WifiRSSI,
			WifiState:      node.WifiState,
			Reconnects:     node.Reconnects,
			WdtResets:      node.WdtResets,
			StoredSMSIDs:   node.StoredSMSIDs,
			UptimeSec:      node.UptimeSec,
			HeapFree:       node.HeapFree,
			LastSeen:       node.LastSeen,
			LastSeenAgoSec: now.Unix() - node.LastSeen,
			Stale:          node.Stale(now, m.cfg.HeartbeatTimeout()),
		}
	}
	m.mu.RUnlock()

	if m.queueStats != nil {
		depth, capacity := m.queueStats()
		report.Queue = QueueReport{Depth: depth, Capacity: capacity}
		if capacity > 0 {
			report.Queue.UtilizationPercent = float64(depth) / float64(capacity) * 100
		}
	}

	return report
}

// NodeCount returns how many nodes have ever reported.
func (m *Monitor) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}
