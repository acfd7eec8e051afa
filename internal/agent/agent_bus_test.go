// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package agent

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ambicuity/smsbridge/internal/events"
	"github.com/ambicuity/smsbridge/internal/models"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunConsumesAlertTopic(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	bus := events.NewBus()
	defer bus.Close()

	a := testAgent(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx, bus) }()

	// Give the subscriptions a moment to attach before publishing.
	time.Sleep(20 * time.Millisecond)

	if err := bus.PublishAlert(batteryAlert()); err != nil {
		t.Fatalf("PublishAlert: %v", err)
	}

	waitFor(t, time.Second, func() bool { return rec.count() == 1 },
		"alert on the bus never produced a webhook")
}

func TestRunTurnsDLOCaptureIntoGrowthAlert(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	bus := events.NewBus()
	defer bus.Close()

	a := testAgent(srv.URL) // growth threshold 10
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx, bus) }()
	time.Sleep(20 * time.Millisecond)

	// Below threshold: no webhook.
	_ = bus.PublishDLOCaptured(events.DLOCaptured{SMSID: "sms-1", LastError: "boom", Size: 3})
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("webhook fired below growth threshold")
	}

	// At threshold: growth incident.
	_ = bus.PublishDLOCaptured(events.DLOCaptured{SMSID: "sms-2", LastError: "boom", Size: 10})
	waitFor(t, time.Second, func() bool { return rec.count() == 1 },
		"DLO growth never produced a webhook")

	incidents := a.Incidents(1)
	if len(incidents) != 1 || incidents[0].AlertType != models.AlertDLOGrowth {
		t.Errorf("incidents = %+v, want one dlo_growth", incidents)
	}
}
