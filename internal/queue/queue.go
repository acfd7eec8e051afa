// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

// Package queue implements the bounded producer/consumer pipeline at the
// heart of the gateway.
//
// Messages enter through Enqueue into one of three priority buckets and
// are drained by N concurrent workers. Each worker tries the primary
// dispatcher, falls back to email, and applies exponential backoff with
// jitter between retry rounds. Records that exhaust their retry budget
// are handed to the Dead Letter Office.
//
// Backoff and rate-limit waits are scheduled with per-record timers so a
// waiting record never holds a worker.
//
// Ordering: strict FIFO within a (priority, node) pair. Rate-limited
// re-inserts go to the head of their bucket (the send never reached the
// downstream); backoff re-inserts go to the tail (other traffic stays
// fresh).
package queue

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambicuity/smsbridge/internal/config"
	"github.com/ambicuity/smsbridge/internal/dispatch"
	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/metrics"
	"github.com/ambicuity/smsbridge/internal/models"
)

// EnqueueResult is the outcome of an Enqueue call.
type EnqueueResult int

// Enqueue outcomes.
const (
	EnqueueOK EnqueueResult = iota
	EnqueueFull
	EnqueueDuplicate
)

// DeadLetterSink receives records that exhausted their retries.
type DeadLetterSink interface {
	Capture(msg *models.Message, lastError string)
}

// Queue is the bounded priority work queue.
type Queue struct {
	cfg      config.QueueConfig
	primary  dispatch.Dispatcher
	fallback dispatch.Dispatcher
	dlo      DeadLetterSink

	mu      sync.Mutex
	buckets [models.NumPriorities][]*models.Message

	// pipeline tracks every sms_id currently queued, in-flight, or
	// waiting on a retry timer. It is the duplicate-detection set; DLO
	// entries are deliberately absent so a manual retry is the record
	// returning, not a duplicate.
	pipeline map[string]struct{}

	notify  chan struct{}
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	totalEnqueued     atomic.Int64
	deliveredPrimary  atomic.Int64
	deliveredFallback atomic.Int64
	totalFailed       atomic.Int64
	inFlight          atomic.Int64
	depth             atomic.Int64
	consumers         atomic.Int64
}

// New creates a queue wired to its dispatchers and dead letter sink.
// The fallback dispatcher may be nil when email is not configured.
func New(cfg config.QueueConfig, primary, fallback dispatch.Dispatcher, dlo DeadLetterSink) *Queue {
	return &Queue{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		dlo:      dlo,
		pipeline: make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue adds a message to its priority bucket. It never blocks: a full
// queue returns EnqueueFull immediately and the caller decides whether to
// drop, buffer externally, or shed.
func (q *Queue) Enqueue(msg *models.Message) EnqueueResult {
	if !q.running.Load() {
		return EnqueueFull
	}

	q.mu.Lock()
	if int(q.depth.Load()) >= q.cfg.Capacity {
		q.mu.Unlock()
		metrics.QueueRejections.WithLabelValues("queue_full").Inc()
		return EnqueueFull
	}
	if _, dup := q.pipeline[msg.SMSID]; dup {
		q.mu.Unlock()
		metrics.QueueRejections.WithLabelValues("duplicate").Inc()
		return EnqueueDuplicate
	}

	msg.CreatedAt = time.Now().Unix()
	q.pipeline[msg.SMSID] = struct{}{}
	q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
	q.depth.Add(1)
	q.mu.Unlock()

	q.totalEnqueued.Add(1)
	metrics.MessagesEnqueued.Inc()
	metrics.QueueDepth.Set(float64(q.depth.Load()))

	logging.Info().
		Str("sms_id", msg.SMSID).
		Str("sender", msg.Sender).
		Str("node_id", msg.NodeID).
		Int64("queue_depth", q.depth.Load()).
		Msg("Message enqueued")

	q.wake()
	return EnqueueOK
}

// Start launches n worker goroutines.
func (q *Queue) Start(n int) {
	if q.running.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < n; i++ {
		q.wg.Add(1)
		q.consumers.Add(1)
		go q.worker(ctx, i)
	}
	logging.Info().Int("workers", n).Int("capacity", q.cfg.Capacity).Msg("Queue started")
}

// Stop flips the running flag, lets workers finish their in-flight
// record, and returns once all workers exited or the drain grace elapsed.
// Enqueue calls after Stop return EnqueueFull.
func (q *Queue) Stop() {
	if !q.running.Swap(false) {
		return
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	grace := q.cfg.DrainGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
		logging.Info().Msg("Queue stopped")
	case <-time.After(grace):
		logging.Warn().
			Int64("remaining", q.depth.Load()).
			Msg("Queue drain grace elapsed with messages remaining")
	}
}

// wake nudges one idle worker. The channel has capacity one; a worker
// that wakes drains everything it can see before sleeping again, so a
// dropped token is never a lost message.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes the next message: highest priority first, FIFO within.
func (q *Queue) pop() *models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := 0; p < models.NumPriorities; p++ {
		if len(q.buckets[p]) > 0 {
			msg := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]
			q.depth.Add(-1)
			metrics.QueueDepth.Set(float64(q.depth.Load()))
			return msg
		}
	}
	return nil
}

// worker is the consumer loop.
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	defer q.consumers.Add(-1)

	logger := logging.With().Int("worker", id).Logger()
	logger.Debug().Msg("Worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug().Msg("Worker exiting")
			return
		}
		msg := q.pop()
		if msg == nil {
			select {
			case <-ctx.Done():
				logger.Debug().Msg("Worker exiting")
				return
			case <-q.notify:
				continue
			}
		}

		// Stop cancels ctx; the record already taken still runs its
		// sends to completion.
		q.inFlight.Add(1)
		q.process(context.WithoutCancel(ctx), msg, logger)
		q.inFlight.Add(-1)
	}
}

// process runs one message through primary, fallback, and the retry
// decision.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func (q *Queue) process(ctx context.Context, msg *models.Message, logger zerolog.Logger) {
	outcome := q.primary.Send(ctx, msg)

	switch outcome.Status {
	case dispatch.StatusDelivered:
		q.finish(msg)
		q.deliveredPrimary.Add(1)
		metrics.MessagesDelivered.WithLabelValues(q.primary.Name()).Inc()
		logger.Info().Str("sms_id", msg.SMSID).Msg("Delivered via primary")
		return

	case dispatch.StatusRateLimited:
		// The send never reached the downstream, so the retry budget is
		// untouched and the record returns to the head of its bucket.
		q.scheduleRelease(msg, jitterPct(outcome.RetryAfter, 0.10), true)
		return

	case dispatch.StatusTransient, dispatch.StatusTerminal:
		msg.LastError = outcome.Reason
		if outcome.Reason == dispatch.ReasonInvalidToken {
			// No channel can deliver an undecryptable body.
			q.deadLetter(msg, logger)
			return
		}
	}

	if q.fallback != nil {
		fb := q.fallback.Send(ctx, msg)
		if fb.Status == dispatch.StatusDelivered {
			q.finish(msg)
			q.deliveredFallback.Add(1)
			metrics.MessagesDelivered.WithLabelValues(q.fallback.Name()).Inc()
			logger.Info().Str("sms_id", msg.SMSID).Msg("Delivered via fallback")
			return
		}
		msg.LastError = fb.Reason
	}

	msg.RetryCount++
	if msg.RetryCount < q.cfg.MaxRetries {
		delay := q.backoff(msg.RetryCount)
		logger.Warn().
			Str("sms_id", msg.SMSID).
			Int("retry", msg.RetryCount).
			Int("max_retries", q.cfg.MaxRetries).
			Dur("backoff", delay).
			Str("last_error", msg.LastError).
			Msg("Delivery failed, retry scheduled")
		metrics.RetriesScheduled.Inc()
		q.scheduleRelease(msg, delay, false)
		return
	}

	q.deadLetter(msg, logger)
}

// finish removes a completed record from the duplicate-detection set.
func (q *Queue) finish(msg *models.Message) {
	q.mu.Lock()
	delete(q.pipeline, msg.SMSID)
	q.mu.Unlock()
}

// deadLetter hands an exhausted record to the DLO.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func (q *Queue) deadLetter(msg *models.Message, logger zerolog.Logger) {
	q.finish(msg)
	q.totalFailed.Add(1)
	metrics.MessagesFailed.Inc()
	logger.Error().
		Str("sms_id", msg.SMSID).
		Int("retries", msg.RetryCount).
		Str("last_error", msg.LastError).
		Msg("Retries exhausted, message dead-lettered")
	if q.dlo != nil {
		q.dlo.Capture(msg, msg.LastError)
	}
}

// backoff computes the retry delay: min(base * 2^(n-1) + U(0, jitter), cap).
func (q *Queue) backoff(retryCount int) time.Duration {
	base := q.cfg.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	capDelay := q.cfg.BackoffCap
	if capDelay <= 0 {
		capDelay = 60 * time.Second
	}

	shift := retryCount - 1
	if shift > 30 {
		shift = 30
	}
	delay := base << uint(shift)
	if q.cfg.BackoffJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(q.cfg.BackoffJitter)))
	}
	if delay > capDelay {
		delay = capDelay
	}
	return delay
}

// scheduleRelease re-inserts a record after a delay without holding a
// worker. Head insertion is used for rate-limited records, tail for
// backoff retries. Records whose timer fires after Stop are dropped; the
// process is exiting and the in-memory queue with it.
func (q *Queue) scheduleRelease(msg *models.Message, delay time.Duration, head bool) {
	q.inFlight.Add(1)
	time.AfterFunc(delay, func() {
		defer q.inFlight.Add(-1)
		if !q.running.Load() {
			return
		}
		q.mu.Lock()
		if head {
			q.buckets[msg.Priority] = append([]*models.Message{msg}, q.buckets[msg.Priority]...)
		} else {
			q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
		}
		q.depth.Add(1)
		q.mu.Unlock()
		metrics.QueueDepth.Set(float64(q.depth.Load()))
		q.wake()
	})
}

// jitterPct applies a uniform ±pct jitter to a duration.
func jitterPct(d time.Duration, pct float64) time.Duration {
	if d <= 0 {
		return d
	}
	span := float64(d) * pct
	return d + time.Duration(span*(2*rand.Float64()-1))
}

// Depth returns the number of messages currently waiting in buckets.
func (q *Queue) Depth() int { return int(q.depth.Load()) }

// Capacity returns the configured bound.
func (q *Queue) Capacity() int { return q.cfg.Capacity }

// Running reports whether workers are accepting work.
func (q *Queue) Running() bool { return q.running.Load() }

// Metrics is the counter snapshot exposed on /api/metrics.
type Metrics struct {
	TotalEnqueued     int64 `json:"total_enqueued"`
	TotalDelivered    int64 `json:"total_delivered"`
	DeliveredFallback int64 `json:"delivered_fallback"`
	TotalFailed       int64 `json:"total_failed"`
	CurrentDepth      int64 `json:"current_depth"`
	InFlight          int64 `json:"in_flight"`
	Capacity          int   `json:"capacity"`
	Running           bool  `json:"running"`
	Consumers         int64 `json:"consumers"`
}

// Snapshot returns the current counters. The conservation identity holds:
// total_enqueued == total_delivered + total_failed + current_depth + in_flight.
func (q *Queue) Snapshot() Metrics {
	return Metrics{
		TotalEnqueued:     q.totalEnqueued.Load(),
		TotalDelivered:    q.deliveredPrimary.Load() + q.deliveredFallback.Load(),
		DeliveredFallback: q.deliveredFallback.Load(),
		TotalFailed:       q.totalFailed.Load(),
		CurrentDepth:      q.depth.Load(),
		InFlight:          q.inFlight.Load(),
		Capacity:          q.cfg.Capacity,
		Running:           q.running.Load(),
		Consumers:         q.consumers.Load(),
	}
}
