// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tuning

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/dctd/internal/upnp"
	"github.com/ManuGH/dctd/internal/upnp/gena"
)

// Evented state variable names and values reported by tuners.
const (
	VarCurrentConnectionIDs = "CurrentConnectionIDs"
	VarSourceProtocolInfo   = "SourceProtocolInfo"
	VarSinkProtocolInfo     = "SinkProtocolInfo"
	VarTransportState       = "TransportState"
	VarCardStatus           = "CardStatus"
	VarDescramblingStatus   = "DescramblingStatus"
	VarCardMessage          = "CardMessage"
	VarPCRLock              = "PCRLock"
	VarSeeking              = "Seeking"
	VarProgramNumber        = "ProgramNumber"
	VarPIDList              = "PIDList"

	TransportPlaying   = "PLAYING"
	CardInserted       = "Inserted"
	DescramblePossible = "Possible"
	flagSet            = "1"
)

// Capability is what every typed service wrapper offers: actions against its
// endpoint and access to its evented variables.
type Capability interface {
	Endpoint() upnp.ServiceEndpoint
	Invoke(ctx context.Context, action string, params ...upnp.Param) upnp.Result
	Value(ctx context.Context, name string) (string, bool)
	WaitFor(ctx context.Context, name string, expected *string, timeout time.Duration) bool
	Unsubscribe(ctx context.Context) error
}

type service struct {
	ep     upnp.ServiceEndpoint
	inv    upnp.Invoker
	events gena.Events
}

func (s service) Endpoint() upnp.ServiceEndpoint { return s.ep }

func (s service) Invoke(ctx context.Context, action string, params ...upnp.Param) upnp.Result {
	return s.inv.Invoke(ctx, s.ep, action, params...)
}

func (s service) Value(ctx context.Context, name string) (string, bool) {
	return s.events.Value(ctx, s.ep, name)
}

func (s service) WaitFor(ctx context.Context, name string, expected *string, timeout time.Duration) bool {
	return s.events.WaitFor(ctx, s.ep, name, expected, timeout)
}

func (s service) Unsubscribe(ctx context.Context) error {
	return s.events.Unsubscribe(ctx, s.ep)
}

func (s service) query(ctx context.Context, variable string) (string, error) {
	out, err := s.inv.QueryStateVariable(ctx, s.ep, variable).Require("return")
	if err != nil {
		return "", err
	}
	return out["return"], nil
}

func (s service) flag(ctx context.Context, name string) bool {
	v, ok := s.Value(ctx, name)
	return ok && strings.TrimSpace(v) == flagSet
}

// Services is the fixed service set of one tuner.
type Services struct {
	ConnectionManager ConnectionManager
	AVTransport       AVTransport
	CAS               CAS
	Tuner             Tuner
	Mux               Mux
}

// NewServices binds the wrappers for dev. All five services must be present.
func NewServices(dev upnp.Device, inv upnp.Invoker, events gena.Events) (Services, error) {
	bind := func(kind upnp.ServiceKind) (service, error) {
		ep, ok := dev.Endpoint(kind)
		if !ok {
			return service{}, fmt.Errorf("%w: %s on %s", upnp.ErrServiceMissing, kind, dev.Name)
		}
		return service{ep: ep, inv: inv, events: events}, nil
	}
	var out Services
	var err error
	var s service
	if s, err = bind(upnp.ConnectionManager); err != nil {
		return Services{}, err
	}
	out.ConnectionManager = ConnectionManager{s}
	if s, err = bind(upnp.AVTransport); err != nil {
		return Services{}, err
	}
	out.AVTransport = AVTransport{s}
	if s, err = bind(upnp.CAS); err != nil {
		return Services{}, err
	}
	out.CAS = CAS{s}
	if s, err = bind(upnp.Tuner); err != nil {
		return Services{}, err
	}
	out.Tuner = Tuner{s}
	if s, err = bind(upnp.Mux); err != nil {
		return Services{}, err
	}
	out.Mux = Mux{s}
	return out, nil
}

// All returns the wrappers as capabilities in a stable order.
func (s Services) All() []Capability {
	return []Capability{s.ConnectionManager, s.AVTransport, s.CAS, s.Tuner, s.Mux}
}

// ConnectionManager wraps urn:schemas-upnp-org:service:ConnectionManager:1.
type ConnectionManager struct{ service }

// Connection is what PrepareForConnection hands out.
type Connection struct {
	ConnectionID  string
	AVTransportID string
	RcsID         string
}

// PrepareForConnection asks the tuner for a new output connection. RcsID is
// optional; the other identifiers are required.
func (c ConnectionManager) PrepareForConnection(ctx context.Context, protocolInfo, peerConnectionID, direction string) (Connection, error) {
	r := c.Invoke(ctx, "PrepareForConnection",
		upnp.P("RemoteProtocolInfo", protocolInfo),
		upnp.P("PeerConnectionID", peerConnectionID),
		upnp.P("Direction", direction),
	)
	out, err := r.Require("ConnectionID", "AVTransportID")
	if err != nil {
		return Connection{}, err
	}
	rcs, _ := r.Value("RcsID")
	return Connection{ConnectionID: out["ConnectionID"], AVTransportID: out["AVTransportID"], RcsID: rcs}, nil
}

// ConnectionComplete releases a connection.
func (c ConnectionManager) ConnectionComplete(ctx context.Context, connectionID string) error {
	return c.Invoke(ctx, "ConnectionComplete", upnp.P("ConnectionID", connectionID)).Err()
}

// ProtocolInfo lists the source and sink protocols the tuner supports.
type ProtocolInfo struct {
	Source string
	Sink   string
}

// GetProtocolInfo reads the supported protocols.
func (c ConnectionManager) GetProtocolInfo(ctx context.Context) (ProtocolInfo, error) {
	out, err := c.Invoke(ctx, "GetProtocolInfo").Require("Source", "Sink")
	if err != nil {
		return ProtocolInfo{}, err
	}
	return ProtocolInfo{Source: out["Source"], Sink: out["Sink"]}, nil
}

// CurrentConnectionIDs returns the evented list of open connections.
func (c ConnectionManager) CurrentConnectionIDs(ctx context.Context) []string {
	v, ok := c.Value(ctx, VarCurrentConnectionIDs)
	if !ok {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(v, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// AVTransport wraps urn:schemas-upnp-org:service:AVTransport:1.
type AVTransport struct{ service }

// SelectInstance routes LastChange events of instanceID to this wrapper.
func (a AVTransport) SelectInstance(instanceID string) {
	a.events.SetInstance(a.ep, instanceID)
}

// Play starts the transport instance at speed.
func (a AVTransport) Play(ctx context.Context, instanceID, speed string) error {
	return a.Invoke(ctx, "Play", upnp.P("InstanceID", instanceID), upnp.P("Speed", speed)).Err()
}

// Stop halts the transport instance.
func (a AVTransport) Stop(ctx context.Context, instanceID string) error {
	return a.Invoke(ctx, "Stop", upnp.P("InstanceID", instanceID)).Err()
}

// MediaInfo is the subset of GetMediaInfo used to locate the stream.
type MediaInfo struct {
	CurrentURI         string
	CurrentURIMetaData string
	PlayMedium         string
}

// GetMediaInfo reads the stream URI of the transport instance.
func (a AVTransport) GetMediaInfo(ctx context.Context, instanceID string) (MediaInfo, error) {
	r := a.Invoke(ctx, "GetMediaInfo", upnp.P("InstanceID", instanceID))
	out, err := r.Require("CurrentURI")
	if err != nil {
		return MediaInfo{}, err
	}
	meta, _ := r.Value("CurrentURIMetaData")
	medium, _ := r.Value("PlayMedium")
	return MediaInfo{CurrentURI: out["CurrentURI"], CurrentURIMetaData: meta, PlayMedium: medium}, nil
}

// TransportState is the evented state of the selected instance.
func (a AVTransport) TransportState(ctx context.Context) (string, bool) {
	return a.Value(ctx, VarTransportState)
}

// CAS wraps the OpenCable conditional access service.
type CAS struct{ service }

// SetChannel tunes a virtual channel and returns the reported PCR lock status.
func (c CAS) SetChannel(ctx context.Context, channel, sourceID, captureMode string) (string, error) {
	r := c.Invoke(ctx, "SetChannel",
		upnp.P("NewChannelNumber", channel),
		upnp.P("NewSourceId", sourceID),
		upnp.P("NewCaptureMode", captureMode),
	)
	if err := r.Err(); err != nil {
		return "", err
	}
	lock, _ := r.Value("PCRLockStatus")
	return lock, nil
}

// CardStatus is the GetCardStatus reply.
type CardStatus struct {
	Status       string
	Manufacturer string
	Version      string
}

// Inserted reports whether a CableCARD is present.
func (s CardStatus) Inserted() bool { return s.Status == CardInserted }

// GetCardStatus reads the CableCARD state.
func (c CAS) GetCardStatus(ctx context.Context) (CardStatus, error) {
	r := c.Invoke(ctx, "GetCardStatus")
	out, err := r.Require("CurrentCardStatus")
	if err != nil {
		return CardStatus{}, err
	}
	mfr, _ := r.Value("CurrentCardManufacturer")
	ver, _ := r.Value("CurrentCardVersion")
	return CardStatus{Status: out["CurrentCardStatus"], Manufacturer: mfr, Version: ver}, nil
}

// CardStatus returns the evented card status.
func (c CAS) CardStatus(ctx context.Context) (string, bool) {
	return c.Value(ctx, VarCardStatus)
}

// DescramblingPossible reports whether the card can descramble the tuned channel.
func (c CAS) DescramblingPossible(ctx context.Context) bool {
	v, ok := c.Value(ctx, VarDescramblingStatus)
	return ok && v == DescramblePossible
}

// Tuner wraps the OpenCable tuner service.
type Tuner struct{ service }

// TunerParameters is the SetTunerParameters reply.
type TunerParameters struct {
	Frequency  string
	Modulation string
	PCRLock    string
}

// SetTunerParameters tunes a physical frequency.
func (t Tuner) SetTunerParameters(ctx context.Context, frequency, modulation string) (TunerParameters, error) {
	r := t.Invoke(ctx, "SetTunerParameters",
		upnp.P("NewFrequency", frequency),
		upnp.P("NewModulationList", modulation),
	)
	if err := r.Err(); err != nil {
		return TunerParameters{}, err
	}
	f, _ := r.Value("CurrentFrequency")
	m, _ := r.Value("CurrentModulation")
	l, _ := r.Value("PCRLockStatus")
	return TunerParameters{Frequency: f, Modulation: m, PCRLock: l}, nil
}

// PCRLock reports the evented PCR lock flag.
func (t Tuner) PCRLock(ctx context.Context) bool {
	return t.flag(ctx, VarPCRLock)
}

// Seeking reports the evented seeking flag.
func (t Tuner) Seeking(ctx context.Context) bool {
	return t.flag(ctx, VarSeeking)
}

// Mux wraps the OpenCable multiplexer service.
type Mux struct{ service }

// SetProgram selects a program on the tuned frequency.
func (m Mux) SetProgram(ctx context.Context, program int) error {
	return m.Invoke(ctx, "SetProgram", upnp.P("NewProgram", strconv.Itoa(program))).Err()
}

// ProgramNumber queries the selected program.
func (m Mux) ProgramNumber(ctx context.Context) (int, error) {
	v, err := m.query(ctx, VarProgramNumber)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("tuning: program number %q: %w", v, err)
	}
	return n, nil
}

// PIDList queries the PIDs being streamed.
func (m Mux) PIDList(ctx context.Context) ([]uint16, error) {
	v, err := m.query(ctx, VarPIDList)
	if err != nil {
		return nil, err
	}
	return ParsePIDList(v)
}

// ParsePIDList parses a comma separated list of hex PIDs.
func ParsePIDList(s string) ([]uint16, error) {
	var pids []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(f), "0x"), 16, 13)
		if err != nil {
			return nil, fmt.Errorf("tuning: pid %q: %w", f, err)
		}
		pids = append(pids, uint16(n))
	}
	return pids, nil
}

// FormatPIDList renders pids in the device's list form.
func FormatPIDList(pids []uint16) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.FormatUint(uint64(p), 16)
	}
	return strings.Join(parts, ",")
}
