// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tuning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/dctd/internal/rtsp"
	"github.com/ManuGH/dctd/internal/upnp"
	"github.com/stretchr/testify/require"
)

var errWire = errors.New("connection refused")

type call struct {
	Service upnp.ServiceKind
	Action  string
	Params  map[string]string
}

type handler func(c call) upnp.Result

// fakeInvoker answers actions from per-action handlers and records every call.
type fakeInvoker struct {
	mu       sync.Mutex
	calls    []call
	handlers map[string]handler
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{handlers: map[string]handler{}}
}

func (f *fakeInvoker) on(action string, h handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[action] = h
}

func (f *fakeInvoker) reply(action string, values map[string]string) {
	f.on(action, func(call) upnp.Result { return upnp.Succeeded(values) })
}

func (f *fakeInvoker) fail(action string) {
	f.on(action, func(c call) upnp.Result {
		return upnp.Failed(&upnp.ActionError{Service: c.Service, Action: c.Action, Err: fmt.Errorf("%w: %v", upnp.ErrTransport, errWire)})
	})
}

func (f *fakeInvoker) Invoke(_ context.Context, ep upnp.ServiceEndpoint, action string, params ...upnp.Param) upnp.Result {
	c := call{Service: ep.Kind, Action: action, Params: map[string]string{}}
	for _, p := range params {
		c.Params[p.Name] = p.Value
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	h := f.handlers[action]
	f.mu.Unlock()
	if h == nil {
		return upnp.Succeeded(nil)
	}
	return h(c)
}

func (f *fakeInvoker) QueryStateVariable(ctx context.Context, ep upnp.ServiceEndpoint, variable string) upnp.Result {
	return f.Invoke(ctx, ep, "Query"+variable)
}

func (f *fakeInvoker) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Action
	}
	return out
}

func (f *fakeInvoker) find(action string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// fakeEvents is an in-memory evented variable cache.
type fakeEvents struct {
	mu           sync.Mutex
	values       map[upnp.ServiceKind]map[string]string
	instances    map[upnp.ServiceKind]string
	unsubscribed map[upnp.ServiceKind]int
	changed      chan struct{}
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		values:       map[upnp.ServiceKind]map[string]string{},
		instances:    map[upnp.ServiceKind]string{},
		unsubscribed: map[upnp.ServiceKind]int{},
		changed:      make(chan struct{}),
	}
}

func (f *fakeEvents) set(kind upnp.ServiceKind, name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[kind] == nil {
		f.values[kind] = map[string]string{}
	}
	f.values[kind][name] = value
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakeEvents) Value(_ context.Context, ep upnp.ServiceEndpoint, name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[ep.Kind][name]
	return v, ok
}

func (f *fakeEvents) WaitFor(ctx context.Context, ep upnp.ServiceEndpoint, name string, expected *string, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	f.mu.Lock()
	initial := f.values[ep.Kind][name]
	f.mu.Unlock()
	for {
		f.mu.Lock()
		v, ok := f.values[ep.Kind][name]
		ch := f.changed
		f.mu.Unlock()
		if expected != nil && ok && v == *expected {
			return true
		}
		if expected == nil && v != initial {
			return true
		}
		select {
		case <-ch:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (f *fakeEvents) SetInstance(ep upnp.ServiceEndpoint, instance string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[ep.Kind] = instance
}

func (f *fakeEvents) Unsubscribe(_ context.Context, ep upnp.ServiceEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed[ep.Kind]++
	return nil
}

func (f *fakeEvents) instance(kind upnp.ServiceKind) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[kind]
}

func (f *fakeEvents) unsubscribes(kind upnp.ServiceKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed[kind]
}

type fakeStream struct {
	mu      sync.Mutex
	port    int
	data    *bytes.Reader
	started int
	stopped int
	err     error
}

func (s *fakeStream) Start(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return s.port, s.err
}

func (s *fakeStream) Read(p []byte) (int, error) { return s.data.Read(p) }

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

// countingStream reports a byte count that only grows when grow is set.
type countingStream struct {
	*fakeStream
	grow     bool
	received atomic.Uint64
}

func (s *countingStream) BytesReceived() uint64 {
	if s.grow {
		return s.received.Add(1316)
	}
	return s.received.Load()
}

type fakeRTSP struct {
	mu        sync.Mutex
	setups    []string
	teardowns int
	err       error
}

func (r *fakeRTSP) Setup(_ context.Context, uri string, port int) (*rtsp.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups = append(r.setups, fmt.Sprintf("%s@%d", uri, port))
	if r.err != nil {
		return nil, r.err
	}
	return &rtsp.Session{URI: uri, ID: "rtsp-1", ClientPort: port}, nil
}

func (r *fakeRTSP) Teardown(context.Context, *rtsp.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardowns++
	return nil
}

func testDevice(t *testing.T) upnp.Device {
	t.Helper()
	dev := upnp.Device{Name: "DCT-Tuner 1", Endpoints: map[upnp.ServiceKind]upnp.ServiceEndpoint{}}
	for _, kind := range upnp.Kinds {
		base := "http://10.0.0.5:49152/" + string(kind)
		ep, err := upnp.NewEndpoint(kind, base+"/control", base+"/event", "")
		require.NoError(t, err)
		dev.Endpoints[kind] = ep
	}
	return dev
}

type harness struct {
	inv    *fakeInvoker
	events *fakeEvents
	stream *fakeStream
	rtsp   *fakeRTSP
	svc    Services
}

// newHarness wires fakes that answer a successful channel tune.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		inv:    newFakeInvoker(),
		events: newFakeEvents(),
		stream: &fakeStream{port: 5004, data: bytes.NewReader([]byte("ts-bytes"))},
		rtsp:   &fakeRTSP{},
	}
	svc, err := NewServices(testDevice(t), h.inv, h.events)
	require.NoError(t, err)
	h.svc = svc

	h.inv.reply("PrepareForConnection", map[string]string{"ConnectionID": "11", "AVTransportID": "22", "RcsID": "0"})
	h.inv.on("Play", func(call) upnp.Result {
		h.events.set(upnp.AVTransport, VarTransportState, TransportPlaying)
		return upnp.Succeeded(nil)
	})
	h.inv.on("SetChannel", func(call) upnp.Result {
		h.events.set(upnp.Tuner, VarPCRLock, "1")
		return upnp.Succeeded(map[string]string{"PCRLockStatus": "0"})
	})
	h.inv.reply("GetMediaInfo", map[string]string{"CurrentURI": "rtsp://10.0.0.5:554/stream0"})
	h.inv.reply("Query"+VarProgramNumber, map[string]string{"return": "3"})
	h.inv.reply("Query"+VarPIDList, map[string]string{"return": "0x0,30,31"})
	return h
}

func (h *harness) orchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.NewStream == nil {
		opts.NewStream = func() Stream { return h.stream }
	}
	if opts.RTSP == nil {
		opts.RTSP = h.rtsp
	}
	o, err := New(h.svc, opts)
	require.NoError(t, err)
	t.Cleanup(func() { o.Stop(context.Background()) })
	return o
}
