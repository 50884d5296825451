// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tuning

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest marks a request that selects neither or both tuning paths.
	ErrInvalidRequest = errors.New("tuning: invalid request")
	// ErrLockTimeout is the soft failure reported when the tuner never locked.
	ErrLockTimeout = errors.New("tuning: lock not achieved")
	// ErrActionFailed wraps a device action failure.
	ErrActionFailed = errors.New("tuning: action failed")
	// ErrDeviceUnavailable is returned while the device breaker is open.
	ErrDeviceUnavailable = errors.New("tuning: device unavailable")
	// ErrTuneAborted is returned when Stop interrupts a tune.
	ErrTuneAborted = errors.New("tuning: tune aborted")
	// ErrBusy is returned when a session is already active.
	ErrBusy = errors.New("tuning: session already active")
	// ErrStream wraps failures starting the local stream pipeline.
	ErrStream = errors.New("tuning: stream setup failed")
)

// Path is the tuning method a request selects.
type Path string

const (
	PathChannel   Path = "channel"
	PathFrequency Path = "frequency"
)

// TuneRequest selects either a virtual channel or a frequency, modulation and
// program triple.
type TuneRequest struct {
	Channel    string
	Frequency  int64 // kHz, as the tuner reports it
	Modulation string
	Program    int
	// ProtocolInfo overrides the configured connection protocol.
	ProtocolInfo string
}

// Path returns the tuning method. Call Validate first.
func (r TuneRequest) Path() Path {
	if r.Channel != "" {
		return PathChannel
	}
	return PathFrequency
}

// Validate enforces that exactly one tuning path is described.
func (r TuneRequest) Validate() error {
	byChannel := strings.TrimSpace(r.Channel) != ""
	byFrequency := r.Frequency != 0 || r.Modulation != "" || r.Program != 0
	switch {
	case byChannel && byFrequency:
		return fmt.Errorf("%w: channel and frequency are mutually exclusive", ErrInvalidRequest)
	case byChannel:
		return nil
	case !byFrequency:
		return fmt.Errorf("%w: channel or frequency required", ErrInvalidRequest)
	case r.Frequency <= 0:
		return fmt.Errorf("%w: frequency must be positive", ErrInvalidRequest)
	case r.Modulation == "":
		return fmt.Errorf("%w: modulation required with frequency", ErrInvalidRequest)
	case r.Program <= 0:
		return fmt.Errorf("%w: program required with frequency", ErrInvalidRequest)
	}
	return nil
}

func (r TuneRequest) String() string {
	if r.Path() == PathChannel {
		return "channel " + r.Channel
	}
	return fmt.Sprintf("%d kHz %s program %d", r.Frequency, r.Modulation, r.Program)
}

// Outcome is the tri-state result of a tune.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeSoftFailure Outcome = "soft_failure"
	OutcomeHardFailure Outcome = "hard_failure"
)

// Result reports how a tune ended. Err is nil only on success.
type Result struct {
	Outcome Outcome
	Err     error
	Session Session
}

// OK reports whether the session is streaming.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

func success(s Session) Result { return Result{Outcome: OutcomeSuccess, Session: s} }

func failure(err error, s Session) Result {
	if errors.Is(err, ErrLockTimeout) {
		return Result{Outcome: OutcomeSoftFailure, Err: err, Session: s}
	}
	return Result{Outcome: OutcomeHardFailure, Err: err, Session: s}
}
