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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftline/tripchat/codec"
	"github.com/driftline/tripchat/persist"
	"github.com/driftline/tripchat/realtime"
	"github.com/driftline/tripchat/storage"
)

var tracer = otel.Tracer("tripchat.session")

// sessionRecord is the session-category durable payload. Drafts, history,
// read markers, analytics, and pending actions live in their own
// categories.
type sessionRecord struct {
	PreferredPhase    Phase             `json:"preferred_phase"`
	NotificationPrefs map[string]bool   `json:"notification_prefs,omitempty"`
	UIPrefs           *codec.OrderedMap `json:"ui_prefs,omitempty"`
}

// ChatSession is the root service object for one (trip, user)
// conversation. It exclusively owns the three phase slots, the pending
// action queue, and the notification aggregator, and coordinates the
// connection manager, persistence manager, and bootstrap API
// collaborators.
//
// Description:
//
//	Initialize restores persisted state, reconciles it against the
//	server, connects, and activates the initial phase. User actions go
//	through the pending-action queue and are flushed opportunistically
//	while connected. Every meaningful mutation snapshots the durable
//	state. Close persists, detaches channels, and disconnects.
//
// Thread Safety: safe for concurrent use. Phase switches are serialized
// through a single-flight guard; a second switch while one is in flight
// is rejected with ErrSwitchInFlight.
type ChatSession struct {
	cfg    Config
	trip   TripContext
	conn   *realtime.ConnManager
	api    SessionAPI
	store  *persist.Manager
	queue  *ActionQueue
	agg    *Aggregator
	logger *slog.Logger

	mu             sync.Mutex
	phases         map[Phase]*PhaseState
	current        Phase
	persistent     PersistentState
	switchInFlight bool
	loadSeq        map[Phase]uint64
	closed         bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewChatSession wires a session from its collaborators. The session is
// inert until Initialize.
func NewChatSession(cfg Config, trip TripContext, conn *realtime.ConnManager, api SessionAPI, store *persist.Manager) (*ChatSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if err := configValidator.Struct(trip); err != nil {
		return nil, fmt.Errorf("invalid trip context: %w", err)
	}
	if conn == nil {
		return nil, errors.New("connection manager must not be nil")
	}
	if api == nil {
		return nil, errors.New("session api must not be nil")
	}
	if store == nil {
		return nil, errors.New("persistence manager must not be nil")
	}

	s := &ChatSession{
		cfg:        cfg,
		trip:       trip,
		conn:       conn,
		api:        api,
		store:      store,
		logger:     cfg.Logger.With(slog.String("component", "chat_session"), slog.String("trip_id", trip.TripID)),
		phases:     make(map[Phase]*PhaseState, len(Phases)),
		persistent: newPersistentState(),
		loadSeq:    make(map[Phase]uint64, len(Phases)),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, p := range Phases {
		s.phases[p] = newPhaseState(p)
	}
	s.agg = NewAggregator(cfg.Logger, cfg.Now)
	s.queue = NewActionQueue(cfg.FlushPerSecond, cfg.Logger, cfg.Now, s.onActionFailed)
	return s, nil
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// Initialize restores durable state, runs opportunistic retention
// cleanup, connects to the backend, reconciles local vs server phase, and
// loads and activates the initial phase. Best-effort steps (restore,
// cleanup, reconcile) log and continue on failure; connect failure is
// fatal for the call.
func (s *ChatSession) Initialize(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.Initialize",
		trace.WithAttributes(attribute.String("trip_id", s.cfg.TripID)))
	defer span.End()

	s.restorePersistentState(ctx)

	if removed, err := s.store.ClearExpired(ctx); err != nil {
		s.logger.Warn("retention cleanup failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		s.logger.Info("retention cleanup", slog.Int("removed", removed))
	}

	identity := realtime.Identity{UserID: s.cfg.UserID, DisplayName: s.cfg.DisplayName}
	if err := s.conn.Connect(ctx, identity); err != nil {
		return fmt.Errorf("initialize connect: %w", err)
	}

	initial, err := s.Reconcile(ctx)
	if err != nil {
		if !errors.Is(err, ErrSyncConflict) {
			s.logger.Warn("reconcile failed", slog.String("error", err.Error()))
		}
		initial = PhaseNone
	}
	if initial == PhaseNone {
		initial = s.CheckPhaseTransition()
	}

	if initial != PhaseNone {
		if err := s.LoadPhase(ctx, initial); err != nil {
			s.logger.Warn("initial phase load failed",
				slog.String("phase", string(initial)),
				slog.String("error", err.Error()),
			)
		} else {
			s.activate(initial)
		}
	} else {
		s.logger.Info("no phase window open, session idle")
	}

	if _, err := s.Flush(ctx); err != nil {
		s.logger.Warn("initial flush failed", slog.String("error", err.Error()))
	}

	if s.trip.AutoTransition {
		s.wg.Add(1)
		go s.autoLoop()
	}
	return nil
}

// Close persists all durable state, detaches every channel, disconnects,
// and stops background work. Idempotent.
func (s *ChatSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)

	// One last delivery attempt before the connection goes away.
	if _, err := s.flush(ctx); err != nil {
		s.logger.Warn("final flush failed", slog.String("error", err.Error()))
	}
	s.persistAll(ctx)

	for _, p := range Phases {
		s.detachPhase(ctx, p)
	}
	s.conn.Disconnect(ctx)
	s.wg.Wait()

	s.logger.Info("session closed")
	return nil
}

// ----------------------------------------------------------------------------
// Phase loading and switching
// ----------------------------------------------------------------------------

// LoadPhase attaches the deterministic phase channel and marks the slot
// loaded. Loading does not activate; a stale load completing after the
// phase was unloaded is discarded rather than resurrecting the slot.
func (s *ChatSession) LoadPhase(ctx context.Context, phase Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: invalid phase %q", ErrPhaseLoadFailed, phase)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	state := s.phases[phase]
	if state.IsLoaded || state.IsLoading {
		s.mu.Unlock()
		return nil
	}
	state.IsLoading = true
	state.LastError = nil
	seq := s.loadSeq[phase]
	s.mu.Unlock()

	ch, err := s.attachChannel(ctx, phase)

	s.mu.Lock()
	defer s.mu.Unlock()
	state = s.phases[phase]
	state.IsLoading = false

	if err != nil {
		state.LastError = fmt.Errorf("%w: %w", ErrPhaseLoadFailed, err)
		s.agg.RecordError()
		s.logger.Warn("phase load failed",
			slog.String("phase", string(phase)),
			slog.String("error", err.Error()),
		)
		return state.LastError
	}

	if s.closed || s.loadSeq[phase] != seq {
		// Unloaded while the attach was in flight. Drop the late result.
		go func() { _ = ch.StopWatching(context.Background()) }()
		return nil
	}

	state.Channel = ch
	state.IsLoaded = true
	state.Draft = s.persistent.Drafts[phase]
	if lr, ok := s.persistent.LastRead[phase]; ok {
		state.LastRead = lr.Time
	}

	s.wg.Add(1)
	go s.pumpEvents(phase, ch)

	s.logger.Info("phase loaded", slog.String("phase", string(phase)))
	return nil
}

// UnloadPhase detaches the channel resource and clears the loaded and
// active flags. Persisted history is untouched.
func (s *ChatSession) UnloadPhase(ctx context.Context, phase Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %q", phase)
	}
	s.detachPhase(ctx, phase)
	return nil
}

func (s *ChatSession) detachPhase(ctx context.Context, phase Phase) {
	s.mu.Lock()
	state := s.phases[phase]
	ch := state.Channel
	state.Channel = nil
	state.IsLoaded = false
	state.IsActive = false
	state.IsLoading = false
	s.loadSeq[phase]++
	if s.current == phase {
		s.current = PhaseNone
	}
	s.mu.Unlock()

	if ch != nil {
		if err := ch.StopWatching(ctx); err != nil {
			s.logger.Warn("channel detach failed",
				slog.String("phase", string(phase)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SwitchPhase moves the session to the target phase. Same-target calls
// are a no-op; a switch while another is in flight is rejected. The new
// phase is persisted server-side before any local mutation, so a failure
// leaves the previously active phase untouched.
func (s *ChatSession) SwitchPhase(ctx context.Context, target Phase) error {
	ctx, span := tracer.Start(ctx, "session.SwitchPhase",
		trace.WithAttributes(
			attribute.String("trip_id", s.cfg.TripID),
			attribute.String("target", string(target)),
		))
	defer span.End()

	if !target.Valid() {
		return fmt.Errorf("%w: invalid phase %q", ErrSwitchDenied, target)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.current == target {
		s.mu.Unlock()
		return nil
	}
	if s.switchInFlight {
		s.mu.Unlock()
		return ErrSwitchInFlight
	}
	s.switchInFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.switchInFlight = false
		s.mu.Unlock()
	}()

	if !s.CanSwitchToPhase(target) {
		return fmt.Errorf("%w: %s", ErrSwitchDenied, target)
	}

	// Server first: the authoritative phase must not lag a local flip.
	if err := s.api.SwitchPhase(ctx, s.cfg.TripID, s.cfg.UserID, target); err != nil {
		s.agg.RecordError()
		s.agg.Notify(Notification{
			Type:     NotifyError,
			Phase:    target,
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("Could not switch to %s: server rejected the change", target),
		})
		return fmt.Errorf("persist phase switch: %w", err)
	}

	if err := s.LoadPhase(ctx, target); err != nil {
		s.agg.Notify(Notification{
			Type:     NotifyError,
			Phase:    target,
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("Could not open the %s conversation", target),
		})
		return err
	}

	prev := s.activate(target)
	s.agg.RecordSwitch(prev, target)
	s.persistAll(ctx)
	s.kickAutoCheck()
	return nil
}

// activate flips the active flags so exactly one phase is active, records
// the history transition, and returns the previously active phase.
func (s *ChatSession) activate(target Phase) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	now := codec.NewTime(s.cfg.Now())
	if n := len(s.persistent.History); n > 0 && s.persistent.History[n-1].ExitedAt.IsZero() {
		s.persistent.History[n-1].ExitedAt = now
	}
	s.persistent.History = append(s.persistent.History, PhaseHistoryEntry{
		Phase:     target,
		EnteredAt: now,
	})

	for _, p := range Phases {
		s.phases[p].IsActive = p == target
	}
	s.current = target
	s.persistent.PreferredPhase = target
	return prev
}

// ----------------------------------------------------------------------------
// User actions
// ----------------------------------------------------------------------------

// SendMessage queues a text message for the active phase and flushes
// opportunistically.
func (s *ChatSession) SendMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	phase, err := s.activePhase()
	if err != nil {
		return err
	}

	s.queue.Enqueue(ActionSendMessage, phase, payload)
	s.agg.RecordMessage(phase, s.cfg.UserID)

	s.mu.Lock()
	s.phases[phase].MessageCount++
	s.mu.Unlock()

	s.persistQueue(ctx)
	_, flushErr := s.Flush(ctx)
	return flushErr
}

// SendStructured queues a structured payload for the active phase.
func (s *ChatSession) SendStructured(ctx context.Context, data json.RawMessage) error {
	payload, err := json.Marshal(map[string]any{"event": "structured", "data": data})
	if err != nil {
		return fmt.Errorf("marshal structured payload: %w", err)
	}
	phase, err := s.activePhase()
	if err != nil {
		return err
	}

	s.queue.Enqueue(ActionSendStructured, phase, payload)
	s.agg.RecordStructured(phase, s.cfg.UserID)
	s.persistQueue(ctx)
	_, flushErr := s.Flush(ctx)
	return flushErr
}

// UpdateUserStatus queues a presence/status update for the active phase.
func (s *ChatSession) UpdateUserStatus(ctx context.Context, status string) error {
	payload, err := json.Marshal(map[string]string{"event": "status.update", "status": status})
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}
	phase, err := s.activePhase()
	if err != nil {
		return err
	}

	s.queue.Enqueue(ActionUpdateStatus, phase, payload)
	s.persistQueue(ctx)
	_, flushErr := s.Flush(ctx)
	return flushErr
}

// SetDraft stores the in-progress message text for a phase. An empty text
// clears the draft.
func (s *ChatSession) SetDraft(ctx context.Context, phase Phase, text string) error {
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %q", phase)
	}

	s.mu.Lock()
	s.phases[phase].Draft = text
	if text == "" {
		delete(s.persistent.Drafts, phase)
	} else {
		s.persistent.Drafts[phase] = text
	}
	drafts := copyDrafts(s.persistent.Drafts)
	s.mu.Unlock()

	s.saveCategory(ctx, persist.CategoryDrafts, drafts)
	return nil
}

// MarkPhaseRead zeroes the unread counter and advances the last-read
// marker for a phase.
func (s *ChatSession) MarkPhaseRead(ctx context.Context, phase Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %q", phase)
	}
	now := codec.NewTime(s.cfg.Now())

	s.mu.Lock()
	s.phases[phase].UnreadCount = 0
	s.phases[phase].LastRead = now.Time
	s.persistent.LastRead[phase] = now
	lastRead := copyLastRead(s.persistent.LastRead)
	s.mu.Unlock()

	s.saveCategory(ctx, persist.CategoryReadStatus, lastRead)
	return nil
}

func (s *ChatSession) activePhase() (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PhaseNone, ErrSessionClosed
	}
	if s.current == PhaseNone {
		return PhaseNone, errors.New("session: no active phase")
	}
	return s.current, nil
}

// ----------------------------------------------------------------------------
// Queue flush and delivery
// ----------------------------------------------------------------------------

// Flush attempts delivery of every pending action. A disconnected backend
// is not an error; actions simply stay queued.
func (s *ChatSession) Flush(ctx context.Context) (FlushResult, error) {
	return s.flush(ctx)
}

func (s *ChatSession) flush(ctx context.Context) (FlushResult, error) {
	if !s.conn.IsConnected() {
		return FlushResult{Remaining: s.queue.Len()}, nil
	}

	ctx, span := tracer.Start(ctx, "session.Flush")
	defer span.End()

	result, err := s.queue.Flush(ctx, s.deliver)
	s.persistQueue(ctx)
	return result, err
}

func (s *ChatSession) deliver(ctx context.Context, action PendingAction) error {
	if action.Kind == ActionSwitchPhase {
		var body struct {
			Phase Phase `json:"phase"`
		}
		if err := json.Unmarshal(action.Payload, &body); err != nil {
			return fmt.Errorf("decode switch action: %w", err)
		}
		return s.api.SwitchPhase(ctx, s.cfg.TripID, s.cfg.UserID, body.Phase)
	}

	s.mu.Lock()
	state := s.phases[action.Phase]
	ch := state.Channel
	loaded := state.IsLoaded
	s.mu.Unlock()

	if ch == nil || !loaded {
		return fmt.Errorf("%w: %s", ErrNoActiveChannel, action.Phase)
	}
	return ch.SendMessage(ctx, action.Payload)
}

func (s *ChatSession) onActionFailed(action PendingAction) {
	s.agg.RecordError()
	s.agg.Notify(Notification{
		Type:            NotifyActionFailed,
		Phase:           action.Phase,
		UserID:          s.cfg.UserID,
		Priority:        PriorityHigh,
		Message:         fmt.Sprintf("Could not deliver %s after %d attempts", describeAction(action), action.RetryCount),
		SuggestedAction: "retry",
	})
}

// ReportConnectionFailure surfaces a terminal connection failure as a
// high-priority notification. Callers invoke it when reconnection has
// given up, after realtime.ErrRetriesExhausted. No-op once the session
// is closed.
func (s *ChatSession) ReportConnectionFailure(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	current := s.current
	s.mu.Unlock()

	s.logger.Error("connection permanently lost", slog.String("error", err.Error()))
	s.agg.RecordError()
	s.agg.Notify(Notification{
		Type:            NotifyConnectionLost,
		Phase:           current,
		UserID:          s.cfg.UserID,
		Priority:        PriorityHigh,
		Message:         "Connection to the conversation could not be restored",
		SuggestedAction: "reconnect",
	})
}

// ----------------------------------------------------------------------------
// Reconciliation
// ----------------------------------------------------------------------------

// Reconcile compares the locally persisted preferred phase against the
// server's authoritative phase and resolves divergence per the configured
// policy. Manual policy surfaces a notification and returns
// ErrSyncConflict instead of choosing.
func (s *ChatSession) Reconcile(ctx context.Context) (Phase, error) {
	s.mu.Lock()
	local := s.persistent.PreferredPhase
	policy := s.cfg.ConflictPolicy
	s.mu.Unlock()

	remote, err := s.api.Get(ctx, s.cfg.TripID, s.cfg.UserID)
	if err != nil {
		// Server unreachable: local wins by default, reconcile later.
		return local, fmt.Errorf("fetch server state: %w", err)
	}

	switch {
	case local == remote.CurrentPhase, local == PhaseNone:
		return remote.CurrentPhase, nil
	case remote.CurrentPhase == PhaseNone:
		return local, nil
	}

	s.logger.Info("state divergence",
		slog.String("local", string(local)),
		slog.String("server", string(remote.CurrentPhase)),
		slog.String("policy", string(policy)),
	)

	switch policy {
	case ConflictClient:
		return local, nil
	case ConflictServer:
		return remote.CurrentPhase, nil
	default:
		s.agg.Notify(Notification{
			Type:            NotifySyncConflict,
			Priority:        PriorityHigh,
			Message:         fmt.Sprintf("Saved phase %s disagrees with server phase %s", local, remote.CurrentPhase),
			SuggestedAction: "resolve_conflict",
		})
		return PhaseNone, fmt.Errorf("%w: local=%s server=%s", ErrSyncConflict, local, remote.CurrentPhase)
	}
}

// ResolveConflict applies the user's choice after a manual-policy
// divergence. The chosen phase is persisted server-side even when it
// matches the locally active one.
func (s *ChatSession) ResolveConflict(ctx context.Context, choice Phase) error {
	if !choice.Valid() {
		return fmt.Errorf("invalid phase %q", choice)
	}
	if s.CurrentPhase() == choice {
		if err := s.api.SwitchPhase(ctx, s.cfg.TripID, s.cfg.UserID, choice); err != nil {
			return fmt.Errorf("persist conflict resolution: %w", err)
		}
		s.mu.Lock()
		s.persistent.PreferredPhase = choice
		s.mu.Unlock()
		s.persistAll(ctx)
		return nil
	}
	return s.SwitchPhase(ctx, choice)
}

// SetConflictPolicy swaps the reconciliation policy at runtime. Unknown
// values are ignored.
func (s *ChatSession) SetConflictPolicy(policy ConflictPolicy) {
	switch policy {
	case ConflictClient, ConflictServer, ConflictManual:
	default:
		return
	}
	s.mu.Lock()
	s.cfg.ConflictPolicy = policy
	s.mu.Unlock()
	s.logger.Info("conflict policy updated", slog.String("policy", string(policy)))
}

// ----------------------------------------------------------------------------
// Channel events
// ----------------------------------------------------------------------------

func (s *ChatSession) attachChannel(ctx context.Context, phase Phase) (realtime.Channel, error) {
	if !s.conn.IsConnected() {
		return nil, realtime.ErrNotConnected
	}
	ch, err := s.conn.Client().Channel(realtime.ChannelKindTrip, realtime.ChannelID(s.cfg.TripID, string(phase)))
	if err != nil {
		return nil, err
	}
	if err := ch.Watch(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *ChatSession) pumpEvents(phase Phase, ch realtime.Channel) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-ch.Events():
			if !ok {
				return
			}
			s.observeEvent(phase, event)
		}
	}
}

// observeEvent applies one backend event to the owning phase slot.
func (s *ChatSession) observeEvent(phase Phase, event realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.phases[phase]
	switch event.Type {
	case realtime.EventMessageNew:
		state.MessageCount++
		if !state.IsActive && event.UserID != s.cfg.UserID {
			state.UnreadCount++
		}
	case realtime.EventTypingStart:
		state.TypingUsers.Add(event.UserID)
	case realtime.EventTypingStop:
		state.TypingUsers.Delete(event.UserID)
	case realtime.EventMemberJoined:
		state.Presence.Add(event.UserID)
	case realtime.EventMemberLeft:
		state.Presence.Delete(event.UserID)
		state.TypingUsers.Delete(event.UserID)
	case realtime.EventStructured:
		state.Structured = append(state.Structured, event.Payload)
	case realtime.EventDisconnected:
		s.agg.Notify(Notification{
			Type:     NotifyConnectionLost,
			Phase:    phase,
			Priority: PriorityHigh,
			Message:  "Connection to the conversation was lost",
		})
	}
}

// ----------------------------------------------------------------------------
// Auto transition
// ----------------------------------------------------------------------------

func (s *ChatSession) autoLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.AutoTransitionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.autoCheck()
	}
}

func (s *ChatSession) autoCheck() {
	computed := s.CheckPhaseTransition()

	s.mu.Lock()
	current := s.current
	closed := s.closed
	s.mu.Unlock()

	if closed || computed == PhaseNone || computed == current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Advisory: a manual switch in flight wins, the next tick retries.
	if err := s.SwitchPhase(ctx, computed); err != nil && !errors.Is(err, ErrSwitchInFlight) {
		s.logger.Warn("auto transition failed",
			slog.String("target", string(computed)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ChatSession) kickAutoCheck() {
	if !s.trip.AutoTransition {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ----------------------------------------------------------------------------
// Persistence
// ----------------------------------------------------------------------------

func (s *ChatSession) restorePersistentState(ctx context.Context) {
	var record sessionRecord
	if _, err := s.store.Load(ctx, s.cfg.TripID, s.cfg.UserID, persist.CategorySession, &record); err == nil {
		s.mu.Lock()
		s.persistent.PreferredPhase = record.PreferredPhase
		if record.NotificationPrefs != nil {
			s.persistent.NotificationPrefs = record.NotificationPrefs
		}
		if record.UIPrefs != nil {
			s.persistent.UIPrefs = record.UIPrefs
		}
		s.mu.Unlock()
	} else if !errors.Is(err, persist.ErrNotFound) {
		s.logger.Warn("session restore failed", slog.String("error", err.Error()))
	}

	var drafts map[Phase]string
	if _, err := s.store.Load(ctx, s.cfg.TripID, s.cfg.UserID, persist.CategoryDrafts, &drafts); err == nil && drafts != nil {
		s.mu.Lock()
		s.persistent.Drafts = drafts
		for phase, text := range drafts {
			if state, ok := s.phases[phase]; ok {
				state.Draft = text
			}
		}
		s.mu.Unlock()
	}

	var history []PhaseHistoryEntry
	if _, err := s.store.Load(ctx, s.cfg.TripID, s.cfg.UserID, persist.CategoryPhaseHistory, &history); err == nil {
		s.mu.Lock()
		s.persistent.History = history
		s.mu.Unlock()
	}

	var lastRead map[Phase]codec.Time
	if _, err := s.store.Load(ctx, s.cfg.TripID, s.cfg.UserID, persist.CategoryReadStatus, &lastRead); err == nil && lastRead != nil {
		s.mu.Lock()
		s.persistent.LastRead = lastRead
		for phase, ts := range lastRead {
			if state, ok := s.phases[phase]; ok {
				state.LastRead = ts.Time
			}
		}
		s.mu.Unlock()
	}

	var analytics AnalyticsSnapshot
	if _, err := s.store.Load(ctx, s.cfg.TripID, s.cfg.UserID, persist.CategoryAnalytics, &analytics); err == nil {
		s.agg.Restore(analytics)
	}

	var actions []PendingAction
	if _, err := s.store.Load(ctx, s.cfg.TripID, s.cfg.UserID, persist.CategoryPendingActions, &actions); err == nil && len(actions) > 0 {
		s.queue.Restore(actions)
		s.logger.Info("pending actions restored", slog.Int("count", s.queue.Len()))
	}
}

// persistAll snapshots every durable category. Best-effort: failures are
// logged and quota exhaustion becomes a notification, never an error to
// the caller.
func (s *ChatSession) persistAll(ctx context.Context) {
	s.mu.Lock()
	record := sessionRecord{
		PreferredPhase:    s.persistent.PreferredPhase,
		NotificationPrefs: s.persistent.NotificationPrefs,
		UIPrefs:           s.persistent.UIPrefs,
	}
	history := make([]PhaseHistoryEntry, len(s.persistent.History))
	copy(history, s.persistent.History)
	drafts := copyDrafts(s.persistent.Drafts)
	lastRead := copyLastRead(s.persistent.LastRead)
	s.mu.Unlock()

	s.saveCategory(ctx, persist.CategorySession, record)
	s.saveCategory(ctx, persist.CategoryPhaseHistory, history)
	s.saveCategory(ctx, persist.CategoryDrafts, drafts)
	s.saveCategory(ctx, persist.CategoryReadStatus, lastRead)
	s.saveCategory(ctx, persist.CategoryAnalytics, s.agg.Snapshot())
	s.persistQueue(ctx)
}

func (s *ChatSession) persistQueue(ctx context.Context) {
	s.saveCategory(ctx, persist.CategoryPendingActions, s.queue.Snapshot())
}

func (s *ChatSession) saveCategory(ctx context.Context, category persist.Category, payload any) {
	err := s.store.Save(ctx, s.cfg.TripID, s.cfg.UserID, category, payload)
	if err == nil {
		return
	}
	if errors.Is(err, storage.ErrQuotaExceeded) {
		s.agg.Notify(Notification{
			Type:     NotifyQuota,
			Priority: PriorityHigh,
			Message:  "Local storage is full; recent changes may not survive a reload",
		})
	}
	s.logger.Warn("persist failed",
		slog.String("category", string(category)),
		slog.String("error", err.Error()),
	)
}

// ----------------------------------------------------------------------------
// Introspection
// ----------------------------------------------------------------------------

// ConnectionSnapshot is a JSON-friendly view of the connection status.
type ConnectionSnapshot struct {
	State       realtime.State `json:"state"`
	ConnectedAt time.Time      `json:"connected_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	LastError   string         `json:"last_error,omitempty"`
}

// SessionSnapshot is a point-in-time view of the whole session for the
// status surface.
type SessionSnapshot struct {
	TripID         string             `json:"trip_id"`
	UserID         string             `json:"user_id"`
	Connection     ConnectionSnapshot `json:"connection"`
	CurrentPhase   Phase              `json:"current_phase"`
	Phases         []PhaseSnapshot    `json:"phases"`
	PendingActions int                `json:"pending_actions"`
	FailedActions  int                `json:"failed_actions"`
	Notifications  int                `json:"notifications"`
	Analytics      AnalyticsSnapshot  `json:"analytics"`
}

// Snapshot returns the current session view.
func (s *ChatSession) Snapshot() SessionSnapshot {
	status := s.conn.Status()
	conn := ConnectionSnapshot{
		State:       status.State,
		ConnectedAt: status.ConnectedAt,
		RetryCount:  status.RetryCount,
	}
	if status.LastError != nil {
		conn.LastError = status.LastError.Error()
	}

	s.mu.Lock()
	snap := SessionSnapshot{
		TripID:       s.cfg.TripID,
		UserID:       s.cfg.UserID,
		Connection:   conn,
		CurrentPhase: s.current,
		Phases:       make([]PhaseSnapshot, 0, len(Phases)),
	}
	for _, p := range Phases {
		snap.Phases = append(snap.Phases, s.phases[p].snapshot())
	}
	s.mu.Unlock()

	snap.PendingActions = s.queue.Len()
	snap.FailedActions = len(s.queue.FailedActions())
	snap.Notifications = len(s.agg.Notifications())
	snap.Analytics = s.agg.Snapshot()
	return snap
}

// CurrentPhase returns the active phase, or PhaseNone.
func (s *ChatSession) CurrentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// PhaseSnapshotFor returns the view of one phase slot.
func (s *ChatSession) PhaseSnapshotFor(phase Phase) (PhaseSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.phases[phase]
	if !ok {
		return PhaseSnapshot{}, false
	}
	return state.snapshot(), true
}

// History returns a copy of the phase transition history.
func (s *ChatSession) History() []PhaseHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PhaseHistoryEntry, len(s.persistent.History))
	copy(out, s.persistent.History)
	return out
}

// Notifications returns the retained notification list.
func (s *ChatSession) Notifications() []Notification {
	return s.agg.Notifications()
}

// Analytics returns the current analytics counters.
func (s *ChatSession) Analytics() AnalyticsSnapshot {
	return s.agg.Snapshot()
}

func copyDrafts(in map[Phase]string) map[Phase]string {
	out := make(map[Phase]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyLastRead(in map[Phase]codec.Time) map[Phase]codec.Time {
	out := make(map[Phase]codec.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
