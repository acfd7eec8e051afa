// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package health

import (
	"testing"
	"time"

	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/models"
)

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		HeartbeatTimeoutSec: 120,
		BatteryLowMV:        3300,
		WifiWeakDBM:         -100,
		WdtStormDelta:       5,
		QueueWarnRatio:      0.7,
		QueueFullRatio:      0.9,
		EvalInterval:        15 * time.Second,
	}
}

func healthySample(nodeID string) models.TelemetrySample {
	return models.TelemetrySample{
		NodeID:    nodeID,
		BatteryMV: 4000,
		WifiRSSI:  -60,
		WdtResets: 0,
		UptimeSec: 3600,
		HeapFree:  150000,
	}
}

func kinds(alerts []models.Alert) map[models.AlertKind]models.Alert {
	out := make(map[models.AlertKind]models.Alert, len(alerts))
	for _, a := range alerts {
		out[a.Kind] = a
	}
	return out
}

func TestEvaluateHealthyNode(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.Ingest(healthySample("esp32-01"))

	if alerts := m.Evaluate(); len(alerts) != 0 {
		t.Errorf("Evaluate() = %v, want none for healthy node", alerts)
	}
}

func TestEvaluateLowBattery(t *testing.T) {
	m := New(testConfig(), nil, nil)
	sample := healthySample("esp32-01")
	sample.BatteryMV = 3000
	m.Ingest(sample)

	got := kinds(m.Evaluate())
	alert, ok := got[models.AlertLowBattery]
	if !ok {
		t.Fatalf("no low_battery alert in %v", got)
	}
	if alert.Severity != models.SeverityWarning {
		t.Errorf("severity = %s, want warning", alert.Severity)
	}
	if alert.SubjectNodeID != "esp32-01" {
		t.Errorf("subject_node_id = %q", alert.SubjectNodeID)
	}
}

func TestEvaluateWeakSignal(t *testing.T) {
	m := New(testConfig(), nil, nil)
	sample := healthySample("esp32-01")
	sample.WifiRSSI = -110
	m.Ingest(sample)

	if _, ok := kinds(m.Evaluate())[models.AlertWeakSignal]; !ok {
		t.Error("no weak_signal alert for -110 dBm")
	}
}

func TestEvaluateSentinelRSSIIgnored(t *testing.T) {
	m := New(testConfig(), nil, nil)
	sample := healthySample("esp32-01")
	sample.WifiRSSI = -127 // radio's "no reading" sentinel
	m.Ingest(sample)

	if _, ok := kinds(m.Evaluate())[models.AlertWeakSignal]; ok {
		t.Error("weak_signal alert fired on the -127 sentinel")
	}
}

func TestEvaluateHeartbeatTimeout(t *testing.T) {
	m := New(testConfig(), nil, nil)
	m.Ingest(healthySample("esp32-01"))

	// Age the node past the heartbeat window.
	m.mu.Lock()
	m.nodes["esp32-01"].LastSeen = time.Now().Unix() - 300
	m.mu.Unlock()

	got := kinds(m.Evaluate())
	alert, ok := got[models.AlertHeartbeatTimeout]
	if !ok {
		t.Fatal("no heartbeat_timeout alert for silent node")
	}
	if alert.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", alert.Severity)
	}
}

func TestEvaluateWdtStorm(t *testing.T) {
	m := New(testConfig(), nil, nil)
	sample := healthySample("esp32-01")
	sample.WdtResets = 2
	m.Ingest(sample) // baseline = 2

	sample.WdtResets = 10 // +8 within the hour
	m.Ingest(sample)

	if _, ok := kinds(m.Evaluate())[models.AlertWdtStorm]; !ok {
		t.Error("no wdt_storm alert for +8 resets over baseline")
	}
}

func TestEvaluateWdtBaselineAbsorbsSlowGrowth(t *testing.T) {
	m := New(testConfig(), nil, nil)
	sample := healthySample("esp32-01")
	sample.WdtResets = 100 // large absolute count, stable
	m.Ingest(sample)

	if _, ok := kinds(m.Evaluate())[models.AlertWdtStorm]; ok {
		t.Error("wdt_storm alert fired on a stable high counter")
	}
}

func TestEvaluateQueueThresholds(t *testing.T) {
	tests := []struct {
		name         string
		depth        int
		wantKind     bool
		wantSeverity models.Severity
	}{
		{"idle queue", 10, false, ""},
		{"elevated queue", 75, true, models.SeverityWarning},
		{"near-full queue", 95, true, models.SeverityEmergency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(testConfig(), nil, func() (int, int) { return tt.depth, 100 })
			got := kinds(m.Evaluate())
			alert, ok := got[models.AlertQueueNearFull]
			if ok != tt.wantKind {
				t.Fatalf("queue_near_full present = %v, want %v", ok, tt.wantKind)
			}
			if ok && alert.Severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", alert.Severity, tt.wantSeverity)
			}
		})
	}
}

func TestSnapshotStatusRollup(t *testing.T) {
	m := New(testConfig(), nil, nil)

	// No nodes yet: unknown.
	if got := m.Snapshot().Status; got != StatusUnknown {
		t.Errorf("status = %s, want unknown with no nodes", got)
	}

	m.Ingest(healthySample("esp32-01"))
	if got := m.Snapshot().Status; got != StatusHealthy {
		t.Errorf("status = %s, want healthy", got)
	}

	sample := healthySample("esp32-01")
	sample.BatteryMV = 3000
	m.Ingest(sample)
	if got := m.Snapshot().Status; got != StatusDegraded {
		t.Errorf("status = %s, want degraded on warning", got)
	}

	m.mu.Lock()
	m.nodes["esp32-01"].LastSeen = time.Now().Unix() - 300
	m.mu.Unlock()
	if got := m.Snapshot().Status; got != StatusCritical {
		t.Errorf("status = %s, want critical on heartbeat timeout", got)
	}
}

func TestSnapshotNodeReport(t *testing.T) {
	m := New(testConfig(), nil, func() (int, int) { return 5, 100 })
	sample := healthySample("esp32-01")
	sample.BatteryMV = 3600
	m.Ingest(sample)

	report := m.Snapshot()
	node, ok := report.Nodes["esp32-01"]
	if !ok {
		t.Fatal("node missing from snapshot")
	}
	if node.BatteryPercent != 50 {
		t.Errorf("battery_percent = %d, want 50", node.BatteryPercent)
	}
	if node.Stale {
		t.Error("fresh node reported stale")
	}
	if report.Queue.Depth != 5 || report.Queue.Capacity != 100 {
		t.Errorf("queue report = %+v", report.Queue)
	}
	if report.Queue.UtilizationPercent != 5 {
		t.Errorf("utilization = %v, want 5", report.Queue.UtilizationPercent)
	}
}
