// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package events provides the in-process event bus that decouples the
// queue, DLO, and health monitor from the CTO-Agent.
//
// Components publish to named topics; subscribers are registered at
// startup. This breaks the cyclic references between the pipeline pieces
// (the DLO must notify the agent, the agent reads queue depth) without
// mutual imports, and makes each side testable in isolation.
//
// The bus is Watermill's gochannel Pub/Sub: an in-memory transport, since
// nothing here needs to survive a restart.
package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/ambicuity/smsbridge/internal/models"
)

// Topics.
const (
	// TopicAlerts carries models.Alert values from the health monitor.
	TopicAlerts = "alerts"

	// TopicDLOCaptured carries DLOCaptured values from the Dead Letter
	// Office every time a message is captured.
	TopicDLOCaptured = "dlo.captured"
)

// DLOCaptured is published when a message enters the Dead Letter Office.
// Size is the DLO occupancy after the capture so growth alerts can fire
// without the agent polling.
type DLOCaptured struct {
	SMSID     string `json:"sms_id"`
	NodeID    string `json:"node_id,omitempty"`
	LastError string `json:"last_error"`
	Size      int    `json:"size"`
}

// Bus is the in-process pub/sub fabric.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates a bus with a small output buffer per subscriber so
// publishers never block on slow consumers during normal operation.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			newWatermillLogger(),
		),
	}
}

// PublishAlert publishes an alert to TopicAlerts.
func (b *Bus) PublishAlert(alert models.Alert) error {
	return b.publish(TopicAlerts, alert)
}

// PublishDLOCaptured publishes a capture event to TopicDLOCaptured.
func (b *Bus) PublishDLOCaptured(ev DLOCaptured) error {
	return b.publish(TopicDLOCaptured, ev)
}

// Subscribe returns a channel of raw messages for a topic. Consumers must
// Ack every message.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the bus down; pending deliveries are dropped.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

func (b *Bus) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// DecodeAlert decodes an alert from a raw bus message.
func DecodeAlert(msg *message.Message) (models.Alert, error) {
	var alert models.Alert
	err := json.Unmarshal(msg.Payload, &alert)
	return alert, err
}

// DecodeDLOCaptured decodes a capture event from a raw bus message.
func DecodeDLOCaptured(msg *message.Message) (DLOCaptured, error) {
	var ev DLOCaptured
	err := json.Unmarshal(msg.Payload, &ev)
	return ev, err
}
