// Copyright (C) 2026 Driftline Labs (dev@driftline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import "time"

const hoursPerDay = 24

// computePhase returns the phase that should be active under automatic
// transition rules at the given instant, or PhaseNone when the instant
// falls outside every window.
//
// The offset is the signed distance from the trip date in fractional days.
// Windows are checked in lifecycle order and the first one containing the
// offset wins, so overlapping live/debrief windows resolve to live on trip
// day.
func computePhase(rules TransitionRules, tripDate, now time.Time) Phase {
	offset := now.Sub(tripDate).Hours() / hoursPerDay

	switch {
	case rules.Preparation.contains(offset):
		return PhasePreparation
	case rules.Live.contains(offset):
		return PhaseLive
	case rules.Debrief.contains(offset):
		return PhaseDebrief
	}
	return PhaseNone
}

// CheckPhaseTransition computes the phase the automatic rules select right
// now. Pure with respect to session state; safe to call at any time.
func (s *ChatSession) CheckPhaseTransition() Phase {
	return computePhase(s.trip.Rules, s.trip.Date, s.cfg.Now())
}

// CanSwitchToPhase reports whether a manual switch to the target phase is
// currently allowed.
//
// Denied when the target slot holds an error or is mid-load. Users without
// the access-all-phases permission are further restricted to the phase the
// automatic rules select.
func (s *ChatSession) CanSwitchToPhase(target Phase) bool {
	if !target.Valid() {
		return false
	}

	s.mu.Lock()
	state := s.phases[target]
	blocked := state.LastError != nil || state.IsLoading
	s.mu.Unlock()

	if blocked {
		return false
	}
	if s.cfg.Privileged {
		return true
	}
	return target == s.CheckPhaseTransition()
}
