// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gena

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/dctd/internal/upnp"
)

type genaCall struct {
	Method string
	SID    string
}

// fakeEventSource is a device event URL that grants subscriptions and can
// push NOTIFY requests back to the registered callback.
type fakeEventSource struct {
	srv    *httptest.Server
	client *http.Client

	mu         sync.Mutex
	calls      []genaCall
	callback   string
	sid        string
	issued     int
	failRenew  bool
	initial    [][2]string
	notifyWait sync.WaitGroup
}

func newFakeEventSource(t *testing.T) *fakeEventSource {
	t.Helper()
	f := &fakeEventSource{client: testClient()}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.notifyWait.Wait()
		f.srv.Close()
	})
	return f
}

func testClient() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
}

func (f *fakeEventSource) endpoint(t *testing.T, kind upnp.ServiceKind) upnp.ServiceEndpoint {
	t.Helper()
	ep, err := upnp.NewEndpoint(kind, f.srv.URL+"/control/"+string(kind), f.srv.URL+"/event/"+string(kind), "")
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func (f *fakeEventSource) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sid := r.Header.Get("SID")
	f.calls = append(f.calls, genaCall{Method: r.Method, SID: sid})

	switch r.Method {
	case methodSubscribe:
		if sid != "" {
			if f.failRenew || sid != f.sid {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			w.Header().Set("SID", sid)
			w.Header().Set("TIMEOUT", r.Header.Get("TIMEOUT"))
			return
		}
		if r.Header.Get("NT") != ntEvent {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		f.issued++
		f.sid = fmt.Sprintf("uuid:sub-%d", f.issued)
		f.callback = strings.Trim(r.Header.Get("CALLBACK"), "<>")
		w.Header().Set("SID", f.sid)
		w.Header().Set("TIMEOUT", r.Header.Get("TIMEOUT"))
		if f.initial != nil {
			props, sid, cb := f.initial, f.sid, f.callback
			f.notifyWait.Add(1)
			go func() {
				defer f.notifyWait.Done()
				time.Sleep(20 * time.Millisecond)
				_, _ = f.send(cb, sid, "0", props)
			}()
		}
	case methodUnsubscribe:
		if sid != f.sid {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		f.sid = ""
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeEventSource) setFailRenew(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRenew = v
}

func (f *fakeEventSource) count(method string, withSID bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && (c.SID != "") == withSID {
			n++
		}
	}
	return n
}

func (f *fakeEventSource) current() (callback, sid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callback, f.sid
}

// notify pushes one event to the live subscription.
func (f *fakeEventSource) notify(t *testing.T, seq int, props ...[2]string) int {
	t.Helper()
	cb, sid := f.current()
	code, err := f.send(cb, sid, fmt.Sprint(seq), props)
	if err != nil {
		t.Fatal(err)
	}
	return code
}

// push is notify for use off the test goroutine; failures surface as timeouts.
func (f *fakeEventSource) push(seq int, props ...[2]string) {
	cb, sid := f.current()
	_, _ = f.send(cb, sid, fmt.Sprint(seq), props)
}

func (f *fakeEventSource) send(callback, sid, seq string, props [][2]string) (int, error) {
	return sendNotify(f.client, callback, map[string]string{
		"NT":  ntEvent,
		"NTS": ntsPropChange,
		"SID": sid,
		"SEQ": seq,
	}, propertySetXML(props))
}

func sendNotify(client *http.Client, callback string, headers map[string]string, body string) (int, error) {
	req, err := http.NewRequest(methodNotify, callback, strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func propertySetXML(props [][2]string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?><e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">`)
	for _, p := range props {
		b.WriteString("<e:property><" + p[0] + ">")
		_ = xml.EscapeText(&b, []byte(p[1]))
		b.WriteString("</" + p[0] + "></e:property>")
	}
	b.WriteString(`</e:propertyset>`)
	return b.String()
}

// newTestSubscriber wires a Subscriber to a live callback server.
func newTestSubscriber(t *testing.T, opts Options) *Subscriber {
	t.Helper()
	cb := httptest.NewUnstartedServer(nil)
	opts.CallbackURL = "http://" + cb.Listener.Addr().String()
	if opts.HTTPClient == nil {
		opts.HTTPClient = testClient()
	}
	s := New(opts)
	cb.Config.Handler = s.Handler(HandlerOptions{})
	cb.Start()
	t.Cleanup(cb.Close)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func lastChangeXML(instances map[string]map[string]string) string {
	var b strings.Builder
	b.WriteString(`<Event xmlns="urn:schemas-upnp-org:metadata-1-0/AVT/">`)
	for id, vars := range instances {
		b.WriteString(`<InstanceID val="` + id + `">`)
		for k, v := range vars {
			b.WriteString(`<` + k + ` val="` + v + `"/>`)
		}
		b.WriteString(`</InstanceID>`)
	}
	b.WriteString(`</Event>`)
	return b.String()
}
