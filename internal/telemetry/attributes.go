// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans across the control and data plane.
const (
	// UPnP control attributes
	UPnPServiceKey  = "upnp.service"
	UPnPActionKey   = "upnp.action"
	UPnPURLKey      = "upnp.control_url"
	UPnPFaultKey    = "upnp.fault_code"
	UPnPVariableKey = "upnp.variable"
	UPnPSIDKey      = "upnp.sid"

	// Tuning attributes
	TuneSessionKey    = "tuning.session_id"
	TunePathKey       = "tuning.path"
	TuneChannelKey    = "tuning.channel"
	TuneFrequencyKey  = "tuning.frequency"
	TuneModulationKey = "tuning.modulation"
	TuneProgramKey    = "tuning.program"
	TuneOutcomeKey    = "tuning.outcome"
	TuneQAMModeKey    = "tuning.qam_mode"

	// Stream attributes
	StreamPortKey = "rtp.port"
	StreamURIKey  = "rtp.uri"

	// Error attributes
	ErrorTypeKey = "error.type"
)

// ActionAttributes describes one SOAP action.
func ActionAttributes(service, action, controlURL string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(UPnPServiceKey, service),
		attribute.String(UPnPActionKey, action),
		attribute.String(UPnPURLKey, controlURL),
	}
}

// ChannelTuneAttributes describes a tune by virtual channel.
func ChannelTuneAttributes(session, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TuneSessionKey, session),
		attribute.String(TunePathKey, "channel"),
		attribute.String(TuneChannelKey, channel),
	}
}

// FrequencyTuneAttributes describes a tune by frequency and program.
func FrequencyTuneAttributes(session string, frequency int64, modulation string, program int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TuneSessionKey, session),
		attribute.String(TunePathKey, "frequency"),
		attribute.Int64(TuneFrequencyKey, frequency),
		attribute.String(TuneModulationKey, modulation),
		attribute.Int(TuneProgramKey, program),
	}
}

// ErrorAttributes classifies a failure.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ErrorTypeKey, errorType),
	}
}
