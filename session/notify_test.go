// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_NotifyFillsDefaults(t *testing.T) {
	agg := NewAggregator(nil, nil)

	n := agg.Notify(Notification{Type: NotifyMessageSent, Message: "sent"})
	assert.NotEmpty(t, n.ID)
	assert.False(t, n.At.IsZero())
	assert.Equal(t, PriorityNormal, n.Priority)

	list := agg.Notifications()
	require.Len(t, list, 1)
	assert.Equal(t, n.ID, list[0].ID)
}

func TestAggregator_RingBufferCap(t *testing.T) {
	agg := NewAggregator(nil, nil)

	for i := 0; i < NotificationCap+25; i++ {
		agg.Notify(Notification{
			Type:    NotifyMessageSent,
			Message: fmt.Sprintf("message %d", i),
		})
	}

	list := agg.Notifications()
	require.Len(t, list, NotificationCap)
	assert.Equal(t, "message 25", list[0].Message, "oldest entries dropped first")
	assert.Equal(t, fmt.Sprintf("message %d", NotificationCap+24), list[len(list)-1].Message)
}

func TestAggregator_MarkRead(t *testing.T) {
	agg := NewAggregator(nil, nil)
	n := agg.Notify(Notification{Type: NotifyError, Message: "boom"})

	assert.True(t, agg.MarkRead(n.ID))
	assert.False(t, agg.MarkRead("no-such-id"))
	assert.True(t, agg.Notifications()[0].Read)
}

func TestAggregator_AnalyticsCounters(t *testing.T) {
	agg := NewAggregator(nil, nil)

	agg.RecordMessage(PhaseLive, "user-1")
	agg.RecordMessage(PhaseLive, "user-1")
	agg.RecordMessage(PhasePreparation, "user-2")
	agg.RecordStructured(PhaseLive, "user-1")
	agg.RecordSwitch(PhasePreparation, PhaseLive)
	agg.RecordError()

	snap := agg.Snapshot()
	assert.Equal(t, 3, snap.MessagesSent)
	assert.Equal(t, 1, snap.StructuredSent)
	assert.Equal(t, 1, snap.PhaseSwitches)
	assert.Equal(t, 1, snap.Errors)
	assert.Equal(t, 4, snap.PhaseEngagement[PhaseLive])
	assert.Equal(t, 1, snap.PhaseEngagement[PhasePreparation])
	assert.Equal(t, 3, snap.UserActivity["user-1"])

	// RecordSwitch emits the phase-changed notification.
	list := agg.Notifications()
	require.Len(t, list, 1)
	assert.Equal(t, NotifyPhaseChanged, list[0].Type)
}

func TestAggregator_SnapshotIsACopy(t *testing.T) {
	agg := NewAggregator(nil, nil)
	agg.RecordMessage(PhaseLive, "user-1")

	snap := agg.Snapshot()
	snap.PhaseEngagement[PhaseLive] = 99
	snap.UserActivity["user-1"] = 99

	fresh := agg.Snapshot()
	assert.Equal(t, 1, fresh.PhaseEngagement[PhaseLive])
	assert.Equal(t, 1, fresh.UserActivity["user-1"])
}

func TestAggregator_Restore(t *testing.T) {
	agg := NewAggregator(nil, nil)
	agg.Restore(AnalyticsSnapshot{MessagesSent: 7})

	agg.RecordMessage(PhaseDebrief, "user-1")
	snap := agg.Snapshot()
	assert.Equal(t, 8, snap.MessagesSent)
	assert.Equal(t, 1, snap.PhaseEngagement[PhaseDebrief])
}
