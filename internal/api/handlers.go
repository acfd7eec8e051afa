// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/ambicuity/smsbridge/internal/agent"
	"github.com/ambicuity/smsbridge/internal/crypto"
	"github.com/ambicuity/smsbridge/internal/dispatch"
	"github.com/ambicuity/smsbridge/internal/dlo"
	"github.com/ambicuity/smsbridge/internal/health"
	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/models"
	"github.com/ambicuity/smsbridge/internal/queue"
	"github.com/ambicuity/smsbridge/internal/validation"
)

// maxBodyChars bounds the message body length after decryption.
const maxBodyChars = 4096

// maxRequestBytes bounds inbound request bodies.
const maxRequestBytes = 64 * 1024

// defaultIncidentLimit is the incident page size when none is requested.
const defaultIncidentLimit = 20

// Handler carries the component references the HTTP surface needs. A
// single registry built by the application root hands these in; there are
// no process-wide singletons.
type Handler struct {
	queue    *queue.Queue
	office   *dlo.Office
	monitor  *health.Monitor
	agent    *agent.Agent
	telegram *dispatch.TelegramDispatcher
	email    *dispatch.EmailDispatcher
	envelope *crypto.Envelope
}

// NewHandler creates the HTTP handler set.
func NewHandler(
	q *queue.Queue,
	office *dlo.Office,
	monitor *health.Monitor,
	ag *agent.Agent,
	telegram *dispatch.TelegramDispatcher,
	email *dispatch.EmailDispatcher,
	envelope *crypto.Envelope,
) *Handler {
	return &Handler{
		queue:    q,
		office:   office,
		monitor:  monitor,
		agent:    ag,
		telegram: telegram,
		email:    email,
		envelope: envelope,
	}
}

// inboundSMSRequest is the ingest payload from the MQTT-HTTP bridge.
type inboundSMSRequest struct {
	SMSID     string `json:"sms_id" validate:"required,max=128"`
	Sender    string `json:"sender" validate:"required"`
	Body      string `json:"body" validate:"required"`
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Encrypted bool   `json:"encrypted"`
	Priority  string `json:"priority" validate:"omitempty,oneof=low normal high"`
}

// InboundSMS handles POST /api/sms/inbound.
func (h *Handler) InboundSMS(w http.ResponseWriter, r *http.Request) {
	var req inboundSMSRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.bodyLengthOK(&req) {
		respondError(w, http.StatusBadRequest, "body exceeds maximum length")
		return
	}

	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	msg := &models.Message{
		SMSID:     req.SMSID,
		Sender:    req.Sender,
		Body:      req.Body,
		Timestamp: ts,
		NodeID:    req.NodeID,
		Priority:  models.ParsePriority(req.Priority),
		Encrypted: req.Encrypted,
	}

	switch h.queue.Enqueue(msg) {
	case queue.EnqueueFull:
		respondError(w, http.StatusServiceUnavailable, "queue_full")
		return
	case queue.EnqueueDuplicate:
		// The sms_id is the idempotency key: a repeated submit is
		// acknowledged, not re-queued.
		logging.Ctx(r.Context()).Info().
			Str("sms_id", sanitizeLogValue(req.SMSID)).
			Msg("Duplicate submit acknowledged")
		respondOK(w, "duplicate", map[string]any{
			"sms_id":      req.SMSID,
			"queue_depth": h.queue.Depth(),
		})
		return
	}

	respondOK(w, "accepted", map[string]any{
		"sms_id":      req.SMSID,
		"queue_depth": h.queue.Depth(),
	})
}

// bodyLengthOK enforces the post-decryption body bound. An encrypted body
// whose token fails to decrypt is accepted here; the pipeline routes it
// to the DLO as invalid_token.
func (h *Handler) bodyLengthOK(req *inboundSMSRequest) bool {
	if !req.Encrypted {
		return len(req.Body) <= maxBodyChars
	}
	plaintext, err := h.envelope.Decrypt(req.Body)
	if err != nil {
		// Undecryptable here does not mean invalid input: the pipeline
		// classifies it downstream. The request-size cap already bounds
		// the ciphertext.
		return true
	}
	return len(plaintext) <= maxBodyChars
}

// telemetryRequest is the ingest payload for node heartbeats.
type telemetryRequest struct {
	NodeID       string `json:"node_id" validate:"required,max=128"`
	BatteryMV    int    `json:"battery_mv"`
	WifiRSSI     int    `json:"wifi_rssi"`
	WifiState    int    `json:"wifi_state"`
	Reconnects   int    `json:"reconnects"`
	WdtResets    int    `json:"wdt_resets"`
	StoredSMSIDs int    `json:"stored_sms_ids"`
	UptimeSec    int64  `json:"uptime_sec"`
	HeapFree     int64  `json:"heap_free"`
}

// Telemetry handles POST /api/telemetry.
func (h *Handler) Telemetry(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.monitor.Ingest(models.TelemetrySample{
		NodeID:       req.NodeID,
		BatteryMV:    req.BatteryMV,
		WifiRSSI:     req.WifiRSSI,
		WifiState:    req.WifiState,
		Reconnects:   req.Reconnects,
		WdtResets:    req.WdtResets,
		StoredSMSIDs: req.StoredSMSIDs,
		UptimeSec:    req.UptimeSec,
		HeapFree:     req.HeapFree,
	})

	respondOK(w, "telemetry recorded", nil)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	report := h.monitor.Snapshot()
	respondOK(w, string(report.Status), map[string]any{
		"status":    report.Status,
		"timestamp": report.Timestamp,
		"issues":    report.Issues,
		"components": map[string]any{
			"queue": h.queue.Snapshot(),
			"telegram": map[string]any{
				"connected": h.telegram.Connected(),
			},
			"nodes": report.Nodes,
		},
	})
}

// MetricsJSON handles GET /api/metrics: the JSON counter snapshot.
// Prometheus exposition lives on /metrics.
func (h *Handler) MetricsJSON(w http.ResponseWriter, _ *http.Request) {
	data := map[string]any{
		"queue":    h.queue.Snapshot(),
		"telegram": h.telegram.Metrics(),
		"dlo":      h.office.Snapshot(),
		"agent":    h.agent.Snapshot(),
	}
	if h.email != nil {
		data["email"] = h.email.Metrics()
	}
	respondOK(w, "metrics", data)
}

// ListDLO handles GET /api/dlo. Bodies are redacted by the dead letter
// serializer.
func (h *Handler) ListDLO(w http.ResponseWriter, _ *http.Request) {
	letters := h.office.List()
	respondOK(w, "dead letters", map[string]any{
		"count":        len(letters),
		"dead_letters": letters,
	})
}

// RetryDLO handles POST /api/dlo/{sms_id}/retry.
func (h *Handler) RetryDLO(w http.ResponseWriter, r *http.Request) {
	smsID := chi.URLParam(r, "sms_id")
	if smsID == "" {
		respondError(w, http.StatusBadRequest, "sms_id is required")
		return
	}

	refused := false
	ok := h.office.Retry(smsID, func(msg *models.Message) bool {
		if h.queue.Enqueue(msg) != queue.EnqueueOK {
			refused = true
			return false
		}
		return true
	})
	if refused {
		respondError(w, http.StatusServiceUnavailable, "queue refused the retry; dead letter kept")
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}

	respondOK(w, "re-enqueued", map[string]any{"sms_id": smsID})
}

// PurgeDLO handles DELETE /api/dlo.
func (h *Handler) PurgeDLO(w http.ResponseWriter, _ *http.Request) {
	n := h.office.Purge()
	respondOK(w, "purged", map[string]any{"purged": n})
}

// ListIncidents handles GET /api/incidents?limit=N.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := defaultIncidentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	incidents := h.agent.Incidents(limit)
	respondOK(w, "incidents", map[string]any{
		"count":     len(incidents),
		"incidents": incidents,
	})
}

// decodeBody decodes a JSON request body with a size bound.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
