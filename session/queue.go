// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/driftline/tripchat/codec"
)

var actionFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tripchat_action_flush_total",
	Help: "Pending action delivery outcomes",
}, []string{"status"})

// DeliverFunc attempts delivery of one action against the backend. A nil
// error removes the action from the queue.
type DeliverFunc func(ctx context.Context, action PendingAction) error

// FlushResult summarizes one Flush pass.
type FlushResult struct {
	Delivered int
	Retried   int
	Failed    int
	Remaining int
}

// ActionQueue is the durable queue of user mutations awaiting backend
// confirmation. Actions are delivered in enqueue order; a failed delivery
// increments the retry count and, at the ceiling, marks the action failed
// permanently and reports it through onFailed exactly once.
//
// Thread Safety: safe for concurrent use. Flush serializes with itself.
type ActionQueue struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	// onFailed is invoked once per action that exhausts its retries.
	onFailed func(PendingAction)

	mu      sync.Mutex
	actions []PendingAction

	flushMu sync.Mutex
}

// NewActionQueue creates a queue paced at perSecond deliveries. A nil
// onFailed drops terminal failures silently after logging.
func NewActionQueue(perSecond float64, logger *slog.Logger, now func() time.Time, onFailed func(PendingAction)) *ActionQueue {
	if perSecond <= 0 {
		perSecond = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ActionQueue{
		logger:   logger.With(slog.String("component", "action_queue")),
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		now:      now,
		onFailed: onFailed,
	}
}

// Enqueue appends a new pending action and returns a copy of it.
func (q *ActionQueue) Enqueue(kind ActionKind, phase Phase, payload json.RawMessage) PendingAction {
	action := PendingAction{
		ID:        uuid.New().String(),
		Kind:      kind,
		Phase:     phase,
		Payload:   payload,
		CreatedAt: codec.NewTime(q.now()),
		Status:    ActionPending,
	}

	q.mu.Lock()
	q.actions = append(q.actions, action)
	q.mu.Unlock()

	q.logger.Debug("action enqueued",
		slog.String("action_id", action.ID),
		slog.String("kind", string(kind)),
	)
	return action
}

// Flush attempts delivery of every pending action in order. Completed
// actions are removed; actions at the retry ceiling move to failed and
// stay recorded but are never retried again.
func (q *ActionQueue) Flush(ctx context.Context, deliver DeliverFunc) (FlushResult, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var result FlushResult

	q.mu.Lock()
	pending := make([]PendingAction, 0, len(q.actions))
	for _, a := range q.actions {
		if a.Status == ActionPending {
			pending = append(pending, a)
		}
	}
	q.mu.Unlock()

	for _, action := range pending {
		if err := q.limiter.Wait(ctx); err != nil {
			result.Remaining = q.pendingCount()
			return result, err
		}

		q.setStatus(action.ID, ActionProcessing)
		err := deliver(ctx, action)
		if err == nil {
			q.remove(action.ID)
			result.Delivered++
			actionFlushTotal.WithLabelValues("delivered").Inc()
			continue
		}

		retries := q.recordFailure(action.ID)
		if retries >= MaxActionRetries {
			q.setStatus(action.ID, ActionFailed)
			result.Failed++
			actionFlushTotal.WithLabelValues("failed").Inc()
			q.logger.Warn("action failed permanently",
				slog.String("action_id", action.ID),
				slog.String("kind", string(action.Kind)),
				slog.String("error", err.Error()),
			)
			if q.onFailed != nil {
				action.Status = ActionFailed
				action.RetryCount = retries
				q.onFailed(action)
			}
			continue
		}

		result.Retried++
		actionFlushTotal.WithLabelValues("retried").Inc()
		q.logger.Debug("action delivery failed, will retry",
			slog.String("action_id", action.ID),
			slog.Int("retry_count", retries),
			slog.String("error", err.Error()),
		)
	}

	result.Remaining = q.pendingCount()
	return result, nil
}

// Snapshot returns every queued action, including permanently failed
// ones, for persistence.
func (q *ActionQueue) Snapshot() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingAction, len(q.actions))
	copy(out, q.actions)
	return out
}

// Restore replaces the queue with previously persisted actions. Actions
// caught mid-processing by a crash are reset to pending.
func (q *ActionQueue) Restore(actions []PendingAction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.actions = q.actions[:0]
	for _, a := range actions {
		if a.Status == ActionProcessing {
			a.Status = ActionPending
		}
		if a.Status == ActionCompleted {
			continue
		}
		q.actions = append(q.actions, a)
	}
}

// Len returns the number of actions still pending delivery.
func (q *ActionQueue) Len() int {
	return q.pendingCount()
}

func (q *ActionQueue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, a := range q.actions {
		if a.Status == ActionPending || a.Status == ActionProcessing {
			n++
		}
	}
	return n
}

func (q *ActionQueue) setStatus(id string, status ActionStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions[i].Status = status
			return
		}
	}
}

func (q *ActionQueue) recordFailure(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions[i].RetryCount++
			q.actions[i].Status = ActionPending
			return q.actions[i].RetryCount
		}
	}
	return 0
}

func (q *ActionQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return
		}
	}
}

// FailedActions returns the permanently failed actions for inspection.
func (q *ActionQueue) FailedActions() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []PendingAction
	for _, a := range q.actions {
		if a.Status == ActionFailed {
			out = append(out, a)
		}
	}
	return out
}

func describeAction(a PendingAction) string {
	return fmt.Sprintf("%s in %s", a.Kind, displayPhase(a.Phase))
}
