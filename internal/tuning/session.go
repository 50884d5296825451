// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tuning

import (
	"slices"
	"time"
)

// Phase is the position of a session in the tune sequence.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseConnectionPrepared Phase = "connection_prepared"
	PhasePlaying            Phase = "playing"
	PhaseChannelSelected    Phase = "channel_selected"
	PhaseLocked             Phase = "locked"
	PhaseStreaming          Phase = "streaming"
	PhaseStopping           Phase = "stopping"
	PhaseFailed             Phase = "failed"
)

type event string

const (
	evPrepared event = "prepared"
	evPlay     event = "play"
	evSelect   event = "select"
	evLock     event = "lock"
	evStream   event = "stream"
	evFail     event = "fail"
	evStop     event = "stop"
	evStopped  event = "stopped"
)

// Session is a snapshot of one tune attempt. Identifiers assigned by the
// device are set once and never change for the session.
type Session struct {
	ID      string
	Request TuneRequest
	Phase   Phase
	Started time.Time

	ConnectionID  string
	AVTransportID string
	RcsID         string

	StreamURI string
	LocalPort int
	Program   int
	PIDs      []uint16

	// PCRLock is the lock status reported by the selection action, if any.
	PCRLock string

	// Descrambling reports whether the CableCARD can descramble the channel.
	// It is only evaluated for CableCARD channel tunes.
	Descrambling bool
	Mode         Mode
}

// QAMMode reports whether the session runs without a CableCARD channel map.
func (s Session) QAMMode() bool { return s.Mode.QAM }

func (s *Session) clone() Session {
	c := *s
	c.PIDs = slices.Clone(s.PIDs)
	return c
}
