// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upnp

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers network failures and malformed responses.
	ErrTransport = errors.New("upnp: transport failure")
	// ErrFault is a SOAP fault reported by the device.
	ErrFault = errors.New("upnp: device fault")
	// ErrNoOutput is returned when a required output variable is absent.
	ErrNoOutput = errors.New("upnp: missing output")
	// ErrSchemaMismatch is returned when an action or argument is not declared by the service.
	ErrSchemaMismatch = errors.New("upnp: schema mismatch")
	// ErrServiceMissing is returned when a device lacks a required service.
	ErrServiceMissing = errors.New("upnp: service missing")
)

// ActionError describes a failed action.
type ActionError struct {
	Service     ServiceKind
	Action      string
	Code        int
	Description string
	Err         error
}

func (e *ActionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s.%s: fault %d %s: %v", e.Service, e.Action, e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Service, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// classify maps an error to a low-cardinality metric label.
func classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrFault):
		return "fault"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema"
	case errors.Is(err, ErrNoOutput):
		return "no_output"
	default:
		return "transport"
	}
}
