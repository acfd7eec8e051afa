// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package agent implements the CTO-Agent: the autonomous operations layer
// that turns health alerts into corrective actions.
//
//  1. Receives alerts from the event bus (health monitor, DLO growth)
//  2. Suppresses duplicates within a per-kind cooldown
//  3. Composes an incident record with a derived corrective action
//  4. Signs the canonical payload with HMAC-SHA256 and posts it to the
//     automation webhook
//  5. Keeps incident history for post-mortem analysis
//
// The cooldown stamp is only engaged by non-network-failure outcomes:
// a webhook that never reached the endpoint leaves the kind eligible so
// the next alert can retry.
package agent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/events"
	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/metrics"
	"github.com/ambicuity/smsbridge/internal/models"
)

// Agent is the autonomous operations agent.
type Agent struct {
	cfg          config.AgentConfig
	dloThreshold int
	client       *http.Client

	mu        sync.Mutex
	cooldowns map[models.AlertKind]time.Time
	incidents []models.Incident
	seqDay    string
	seq       int

	totalAlerts        atomic.Int64
	totalSuppressed    atomic.Int64
	totalWebhooksSent  atomic.Int64
	totalWebhookErrors atomic.Int64
}

// New creates an agent. dloThreshold is the DLO occupancy at which
// capture events become growth alerts.
func New(cfg config.AgentConfig, dloThreshold int) *Agent {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Agent{
		cfg:          cfg,
		dloThreshold: dloThreshold,
		client:       &http.Client{Timeout: timeout},
		cooldowns:    make(map[models.AlertKind]time.Time),
	}
}

// Run consumes alert and DLO capture topics until the context ends.
// Registered as a supervised service at startup.
func (a *Agent) Run(ctx context.Context, bus *events.Bus) error {
	alerts, err := bus.Subscribe(ctx, events.TopicAlerts)
	if err != nil {
		return fmt.Errorf("subscribe alerts: %w", err)
	}
	captures, err := bus.Subscribe(ctx, events.TopicDLOCaptured)
	if err != nil {
		return fmt.Errorf("subscribe dlo captures: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-alerts:
			if !ok {
				return nil
			}
			alert, decErr := events.DecodeAlert(msg)
			msg.Ack()
			if decErr != nil {
				logging.Error().Err(decErr).Msg("Undecodable alert event")
				continue
			}
			a.Handle(ctx, alert)

		case msg, ok := <-captures:
			if !ok {
				return nil
			}
			ev, decErr := events.DecodeDLOCaptured(msg)
			msg.Ack()
			if decErr != nil {
				logging.Error().Err(decErr).Msg("Undecodable DLO capture event")
				continue
			}
			if ev.Size >= a.dloThreshold {
				a.Handle(ctx, models.Alert{
					Kind:     models.AlertDLOGrowth,
					Severity: models.SeverityWarning,
					Issues: []string{fmt.Sprintf("Dead Letter Office holds %d messages (threshold %d)",
						ev.Size, a.dloThreshold)},
				})
			}
		}
	}
}

// Handle processes one alert into an incident: cooldown check, action
// derivation, signed webhook, history. The webhook POST happens outside
// the agent lock.
func (a *Agent) Handle(ctx context.Context, alert models.Alert) models.Incident {
	a.totalAlerts.Add(1)
	metrics.AlertsReceived.WithLabelValues(string(alert.Kind)).Inc()

	now := time.Now()

	a.mu.Lock()
	if last, ok := a.cooldowns[alert.Kind]; ok && now.Sub(last) < a.cfg.Cooldown() {
		incident := a.newIncidentLocked(alert, now)
		incident.WebhookStatus = models.WebhookSuppressed
		a.appendLocked(incident)
		a.mu.Unlock()

		a.totalSuppressed.Add(1)
		metrics.WebhookPosts.WithLabelValues("suppressed").Inc()
		logging.Info().
			Str("kind", string(alert.Kind)).
			Str("incident_id", incident.ID).
			Msg("Alert suppressed by cooldown")
		return incident
	}
	incident := a.newIncidentLocked(alert, now)
	a.mu.Unlock()

	logging.Warn().
		Str("incident_id", incident.ID).
		Str("kind", string(alert.Kind)).
		Str("severity", string(alert.Severity)).
		Str("action", string(incident.Action)).
		Strs("issues", alert.Issues).
		Msg("Incident opened")

	status, engageCooldown := a.postWebhook(ctx, &incident)
	incident.WebhookStatus = status

	a.mu.Lock()
	if engageCooldown {
		a.cooldowns[alert.Kind] = now
	}
	a.appendLocked(incident)
	a.mu.Unlock()

	return incident
}

// newIncidentLocked builds an incident with the next per-day sequence
// number. Caller holds a.mu.
func (a *Agent) newIncidentLocked(alert models.Alert, now time.Time) models.Incident {
	day := now.UTC().Format("20060102")
	if day != a.seqDay {
		a.seqDay = day
		a.seq = 0
	}
	a.seq++

	return models.Incident{
		ID:            fmt.Sprintf("inc-%s-%03d", day, a.seq),
		AlertType:     alert.Kind,
		Severity:      alert.Severity,
		Action:        deriveAction(alert.Kind),
		Issues:        alert.Issues,
		Timestamp:     now.Unix(),
		SubjectNodeID: alert.SubjectNodeID,
		WebhookStatus: models.WebhookPending,
	}
}

// appendLocked pushes an incident onto the bounded history ring. Caller
// holds a.mu.
func (a *Agent) appendLocked(incident models.Incident) {
	a.incidents = append(a.incidents, incident)
	if max := a.cfg.MaxIncidents; max > 0 && len(a.incidents) > max {
		a.incidents = a.incidents[len(a.incidents)-max:]
	}
}

// deriveAction maps an alert kind to its corrective action.
func deriveAction(kind models.AlertKind) models.Action {
	switch kind {
	case models.AlertHeartbeatTimeout, models.AlertWeakSignal:
		return models.ActionRestartSwitch
	case models.AlertLowBattery, models.AlertDLOGrowth:
		return models.ActionNotifyOperator
	case models.AlertWdtStorm:
		return models.ActionRestartGatewayNode
	case models.AlertQueueNearFull:
		return models.ActionEmergencyQueueDrain
	default:
		return models.ActionLogOnly
	}
}

// canonicalPayload serializes the incident's signed body. Maps marshal
// with sorted keys and no whitespace, giving the canonical form the
// signature covers.
func canonicalPayload(incident *models.Incident) ([]byte, error) {
	body := map[string]any{
		"id":         incident.ID,
		"alert_type": incident.AlertType,
		"severity":   incident.Severity,
		"action":     incident.Action,
		"issues":     incident.Issues,
		"timestamp":  incident.Timestamp,
	}
	if incident.SubjectNodeID != "" {
		body["subject_node_id"] = incident.SubjectNodeID
	}
	return json.Marshal(body)
}

// Sign computes the hex HMAC-SHA256 of a payload under the given secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// postWebhook delivers the incident to the automation endpoint. The
// second return reports whether the attempt should engage the cooldown:
// true for any outcome where the endpoint was reached and did not fail
// server-side, false for transport failures and 5xx so the next alert of
// this kind can retry.
func (a *Agent) postWebhook(ctx context.Context, incident *models.Incident) (models.WebhookStatus, bool) {
	if a.cfg.WebhookURL == "" {
		// Nothing to post to; record the incident and engage the
		// cooldown so evaluation cycles don't flood the history ring.
		logging.Warn().
			Str("incident_id", incident.ID).
			Msg("No webhook URL configured, incident logged only")
		return models.WebhookPending, true
	}

	payload, err := canonicalPayload(incident)
	if err != nil {
		a.totalWebhookErrors.Add(1)
		return models.WebhookFailed, false
	}

	ctx, cancel := context.WithTimeout(ctx, a.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		a.totalWebhookErrors.Add(1)
		return models.WebhookFailed, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Incident-Id", incident.ID)
	if a.cfg.WebhookSecret != "" {
		req.Header.Set("X-Signature", "sha256="+Sign(a.cfg.WebhookSecret, payload))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.totalWebhookErrors.Add(1)
		metrics.WebhookPosts.WithLabelValues("failed").Inc()
		logging.Error().
			Err(err).
			Str("incident_id", incident.ID).
			Msg("Webhook transport failure")
		return models.WebhookFailed, false
	}
	defer resp.Body.Close()

	a.totalWebhooksSent.Add(1)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.WebhookPosts.WithLabelValues("delivered").Inc()
		logging.Info().
			Str("incident_id", incident.ID).
			Str("action", string(incident.Action)).
			Msg("Webhook delivered")
		return models.WebhookDelivered, true

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The endpoint saw and rejected the post; retrying the same
		// payload will not change its mind.
		a.totalWebhookErrors.Add(1)
		metrics.WebhookPosts.WithLabelValues("failed").Inc()
		logging.Error().
			Int("status", resp.StatusCode).
			Str("incident_id", incident.ID).
			Msg("Webhook rejected")
		return models.WebhookFailed, true

	default:
		a.totalWebhookErrors.Add(1)
		metrics.WebhookPosts.WithLabelValues("failed").Inc()
		logging.Error().
			Int("status", resp.StatusCode).
			Str("incident_id", incident.ID).
			Msg("Webhook server error")
		return models.WebhookFailed, false
	}
}

// Incidents returns up to limit incidents, newest first.
func (a *Agent) Incidents(limit int) []models.Incident {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > len(a.incidents) {
		limit = len(a.incidents)
	}
	out := make([]models.Incident, limit)
	for i := 0; i < limit; i++ {
		out[i] = a.incidents[len(a.incidents)-1-i]
	}
	return out
}

// Metrics is the counter snapshot exposed on /api/metrics.
type Metrics struct {
	TotalAlerts        int64 `json:"total_alerts"`
	TotalSuppressed    int64 `json:"total_suppressed"`
	TotalWebhooksSent  int64 `json:"total_webhooks_sent"`
	TotalWebhookErrors int64 `json:"total_webhook_errors"`
	IncidentCount      int   `json:"incident_count"`
}

// Snapshot returns the current counters.
func (a *Agent) Snapshot() Metrics {
	a.mu.Lock()
	n := len(a.incidents)
	a.mu.Unlock()
	return Metrics{
		TotalAlerts:        a.totalAlerts.Load(),
		TotalSuppressed:    a.totalSuppressed.Load(),
		TotalWebhooksSent:  a.totalWebhooksSent.Load(),
		TotalWebhookErrors: a.totalWebhookErrors.Load(),
		IncidentCount:      n,
	}
}
