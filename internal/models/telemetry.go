// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package models

import "time"

// TelemetrySample is one heartbeat report from an edge node.
type TelemetrySample struct {
	NodeID       string `json:"node_id"`
	BatteryMV    int    `json:"battery_mv"`
	WifiRSSI     int    `json:"wifi_rssi"`
	WifiState    int    `json:"wifi_state"`
	Reconnects   int    `json:"reconnects"`
	WdtResets    int    `json:"wdt_resets"`
	StoredSMSIDs int    `json:"stored_sms_ids"`
	UptimeSec    int64  `json:"uptime_sec"`
	HeapFree     int64  `json:"heap_free"`

	// ReceivedAt is assigned by the gateway on receipt, seconds since epoch.
	ReceivedAt int64 `json:"received_at"`
}

// NodeState is the latest telemetry per node plus the derived last-seen
// timestamp. A node is stale when now - LastSeen exceeds the heartbeat
// timeout.
type NodeState struct {
	TelemetrySample

	// LastSeen is when the most recent sample arrived, seconds since epoch.
	LastSeen int64 `json:"last_seen"`

	// WdtBaseline is the reset counter value at the start of the current
	// observation hour, used for storm detection.
	WdtBaseline int `json:"-"`

	// WdtBaselineAt is when the baseline was last captured.
	WdtBaselineAt int64 `json:"-"`
}

// BatteryPercent estimates charge from voltage with a linear approximation:
// 3.0 V reads as 0 %, 4.2 V as 100 %.
func (n *NodeState) BatteryPercent() int {
	switch {
	case n.BatteryMV <= 3000:
		return 0
	case n.BatteryMV >= 4200:
		return 100
	default:
		return (n.BatteryMV - 3000) / 12
	}
}

// Stale reports whether the node has missed its heartbeat window.
func (n *NodeState) Stale(now time.Time, timeout time.Duration) bool {
	return now.Unix()-n.LastSeen > int64(timeout.Seconds())
}
