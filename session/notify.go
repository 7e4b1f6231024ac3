// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/driftline/tripchat/codec"
)

// NotificationCap bounds the retained notification list. Beyond the cap
// the oldest entries are dropped.
const NotificationCap = 100

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripchat_notifications_total",
		Help: "Notifications emitted by type",
	}, []string{"type"})

	messagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripchat_messages_sent_total",
		Help: "Messages recorded by the analytics aggregator",
	})

	phaseSwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tripchat_phase_switches_total",
		Help: "Completed phase switches",
	})
)

// Aggregator derives user-visible notifications and usage analytics from
// session activity. It is a passive observer: it owns the notification
// ring buffer and is the only component that mutates the analytics
// snapshot.
//
// Thread Safety: safe for concurrent use.
type Aggregator struct {
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	notifications []Notification
	analytics     AnalyticsSnapshot
}

// NewAggregator creates an aggregator. A nil clock uses time.Now.
func NewAggregator(logger *slog.Logger, now func() time.Time) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		logger: logger.With(slog.String("component", "aggregator")),
		now:    now,
		analytics: AnalyticsSnapshot{
			PhaseEngagement: make(map[Phase]int),
			UserActivity:    make(map[string]int),
		},
	}
}

// Notify appends a notification, assigning an id and timestamp when unset,
// and drops the oldest entries beyond the cap.
func (a *Aggregator) Notify(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.At.IsZero() {
		n.At = codec.NewTime(a.now())
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}

	a.mu.Lock()
	a.notifications = append(a.notifications, n)
	if over := len(a.notifications) - NotificationCap; over > 0 {
		a.notifications = a.notifications[over:]
	}
	a.mu.Unlock()

	notificationsTotal.WithLabelValues(string(n.Type)).Inc()
	a.logger.Debug("notification",
		slog.String("type", string(n.Type)),
		slog.String("priority", string(n.Priority)),
	)
	return n
}

// Notifications returns the retained notifications, oldest first.
func (a *Aggregator) Notifications() []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Notification, len(a.notifications))
	copy(out, a.notifications)
	return out
}

// MarkRead flags the notification with the given id as read.
func (a *Aggregator) MarkRead(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.notifications {
		if a.notifications[i].ID == id {
			a.notifications[i].Read = true
			return true
		}
	}
	return false
}

// RecordMessage counts one sent message against the phase and user.
func (a *Aggregator) RecordMessage(phase Phase, userID string) {
	a.mu.Lock()
	a.analytics.MessagesSent++
	a.analytics.PhaseEngagement[phase]++
	if userID != "" {
		a.analytics.UserActivity[userID]++
	}
	a.mu.Unlock()
	messagesSentTotal.Inc()
}

// RecordStructured counts one structured payload send.
func (a *Aggregator) RecordStructured(phase Phase, userID string) {
	a.mu.Lock()
	a.analytics.StructuredSent++
	a.analytics.PhaseEngagement[phase]++
	if userID != "" {
		a.analytics.UserActivity[userID]++
	}
	a.mu.Unlock()
}

// RecordSwitch counts a completed phase switch and emits the
// phase-changed notification.
func (a *Aggregator) RecordSwitch(from, to Phase) {
	a.mu.Lock()
	a.analytics.PhaseSwitches++
	a.analytics.PhaseEngagement[to]++
	a.mu.Unlock()
	phaseSwitchesTotal.Inc()

	a.Notify(Notification{
		Type:    NotifyPhaseChanged,
		Phase:   to,
		Message: fmt.Sprintf("Conversation moved from %s to %s", displayPhase(from), to),
	})
}

// RecordError counts one error path.
func (a *Aggregator) RecordError() {
	a.mu.Lock()
	a.analytics.Errors++
	a.mu.Unlock()
}

// Snapshot returns a deep copy of the analytics counters.
func (a *Aggregator) Snapshot() AnalyticsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.analytics
	out.PhaseEngagement = make(map[Phase]int, len(a.analytics.PhaseEngagement))
	for k, v := range a.analytics.PhaseEngagement {
		out.PhaseEngagement[k] = v
	}
	out.UserActivity = make(map[string]int, len(a.analytics.UserActivity))
	for k, v := range a.analytics.UserActivity {
		out.UserActivity[k] = v
	}
	return out
}

// Restore replaces the analytics counters with a previously persisted
// snapshot.
func (a *Aggregator) Restore(snap AnalyticsSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if snap.PhaseEngagement == nil {
		snap.PhaseEngagement = make(map[Phase]int)
	}
	if snap.UserActivity == nil {
		snap.UserActivity = make(map[string]int)
	}
	a.analytics = snap
}

func displayPhase(p Phase) string {
	if p == PhaseNone {
		return "none"
	}
	return string(p)
}
