// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package upnp invokes SOAP actions on the fixed set of services exposed by a
// DRI/OCUR tuner and resolves those services from the device description.
package upnp

import (
	"fmt"
	"net/url"
)

// ServiceKind is one of the five services a tuner exposes.
type ServiceKind string

const (
	ConnectionManager ServiceKind = "ConnectionManager"
	AVTransport       ServiceKind = "AVTransport"
	CAS               ServiceKind = "CAS"
	Tuner             ServiceKind = "Tuner"
	Mux               ServiceKind = "Mux"
)

// Kinds lists every service a tuner must expose.
var Kinds = []ServiceKind{ConnectionManager, AVTransport, CAS, Tuner, Mux}

// URN returns the service type used in device descriptions.
func (k ServiceKind) URN() string {
	switch k {
	case ConnectionManager, AVTransport:
		return "urn:schemas-upnp-org:service:" + string(k) + ":1"
	default:
		return "urn:schemas-opencable-com:service:" + string(k) + ":1"
	}
}

// Valid reports whether k is a known service.
func (k ServiceKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ServiceEndpoint is one addressable service. It is a value type and is not
// modified after resolution.
type ServiceEndpoint struct {
	Kind        ServiceKind
	ServiceType string
	ServiceID   string
	ControlURL  url.URL
	EventURL    url.URL
	SCPDURL     url.URL
}

// NewEndpoint builds an endpoint from raw URLs. scpdURL may be empty.
func NewEndpoint(kind ServiceKind, controlURL, eventURL, scpdURL string) (ServiceEndpoint, error) {
	if !kind.Valid() {
		return ServiceEndpoint{}, fmt.Errorf("upnp: unknown service kind %q", kind)
	}
	ep := ServiceEndpoint{Kind: kind, ServiceType: kind.URN(), ServiceID: "urn:upnp-org:serviceId:" + string(kind)}
	for _, f := range []struct {
		raw string
		dst *url.URL
	}{{controlURL, &ep.ControlURL}, {eventURL, &ep.EventURL}, {scpdURL, &ep.SCPDURL}} {
		if f.raw == "" {
			continue
		}
		u, err := url.Parse(f.raw)
		if err != nil {
			return ServiceEndpoint{}, fmt.Errorf("upnp: %s url %q: %w", kind, f.raw, err)
		}
		*f.dst = *u
	}
	return ep, nil
}

// Key identifies the endpoint for caches keyed per service.
func (e ServiceEndpoint) Key() string {
	return string(e.Kind) + "|" + e.EventURL.String()
}

func (e ServiceEndpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.ControlURL.String())
}

// Device is a resolved tuner with one endpoint per service kind.
type Device struct {
	Name      string
	UDN       string
	Location  string
	Endpoints map[ServiceKind]ServiceEndpoint
}

// Endpoint returns the endpoint for kind.
func (d Device) Endpoint(kind ServiceKind) (ServiceEndpoint, bool) {
	ep, ok := d.Endpoints[kind]
	return ep, ok
}
