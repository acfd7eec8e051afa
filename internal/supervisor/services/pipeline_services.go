// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package services

import (
	"context"
	"time"

	"github.com/ambicuity/smsbridge/internal/agent"
	"github.com/ambicuity/smsbridge/internal/dlo"
	"github.com/ambicuity/smsbridge/internal/events"
	"github.com/ambicuity/smsbridge/internal/health"
	"github.com/ambicuity/smsbridge/internal/queue"
)

// QueueService runs the queue workers for the life of the service.
type QueueService struct {
	queue   *queue.Queue
	workers int
}

// NewQueueService wraps the queue as a supervised service.
func NewQueueService(q *queue.Queue, workers int) *QueueService {
	return &QueueService{queue: q, workers: workers}
}

// Serve implements suture.Service. Stop drains in-flight records before
// returning.
func (s *QueueService) Serve(ctx context.Context) error {
	s.queue.Start(s.workers)
	<-ctx.Done()
	s.queue.Stop()
	return ctx.Err()
}

// String names the service in supervisor logs.
func (s *QueueService) String() string { return "message-queue" }

// AgentService runs the CTO-Agent's event subscriptions.
type AgentService struct {
	agent *agent.Agent
	bus   *events.Bus
}

// NewAgentService wraps the agent as a supervised service.
func NewAgentService(a *agent.Agent, bus *events.Bus) *AgentService {
	return &AgentService{agent: a, bus: bus}
}

// Serve implements suture.Service.
func (s *AgentService) Serve(ctx context.Context) error {
	return s.agent.Run(ctx, s.bus)
}

// String names the service in supervisor logs.
func (s *AgentService) String() string { return "cto-agent" }

// TimerService drives the two periodic maintenance jobs: DLO pruning and
// health evaluation. Both are idempotent under late firing.
type TimerService struct {
	office        *dlo.Office
	monitor       *health.Monitor
	pruneInterval time.Duration
	evalInterval  time.Duration
}

// NewTimerService wraps the maintenance timers as a supervised service.
func NewTimerService(office *dlo.Office, monitor *health.Monitor, pruneInterval, evalInterval time.Duration) *TimerService {
	if pruneInterval <= 0 {
		pruneInterval = time.Minute
	}
	if evalInterval <= 0 {
		evalInterval = 15 * time.Second
	}
	return &TimerService{
		office:        office,
		monitor:       monitor,
		pruneInterval: pruneInterval,
		evalInterval:  evalInterval,
	}
}

// Serve implements suture.Service.
func (s *TimerService) Serve(ctx context.Context) error {
	prune := time.NewTicker(s.pruneInterval)
	defer prune.Stop()
	eval := time.NewTicker(s.evalInterval)
	defer eval.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-prune.C:
			s.office.PruneExpired()
		case <-eval.C:
			s.monitor.EvaluateAndPublish()
		}
	}
}

// String names the service in supervisor logs.
func (s *TimerService) String() string { return "maintenance-timers" }
