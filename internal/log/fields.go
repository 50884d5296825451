// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID    = "session_id"
	FieldDevice       = "device"
	FieldConnectionID = "connection_id"
	FieldInstanceID   = "instance_id"
	FieldRcsID        = "rcs_id"
	FieldSID          = "sid"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPhase     = "phase"
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldOutcome   = "outcome"

	// Control plane fields
	FieldService  = "service"
	FieldAction   = "action"
	FieldVariable = "variable"
	FieldSeq      = "seq"

	// Tuning fields
	FieldChannel    = "channel"
	FieldFrequency  = "frequency"
	FieldModulation = "modulation"
	FieldProgram    = "program"

	// Network fields
	FieldURL        = "url"
	FieldStreamPort = "stream_port"
	FieldRemoteAddr = "remote_addr"
)
