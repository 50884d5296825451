// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upnp

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type soapCall struct {
	Path   string
	Action string
	Body   string
}

type fakeDevice struct {
	srv   *httptest.Server
	mu    sync.Mutex
	calls []soapCall
	hits  atomic.Int32

	// respond returns the inner XML of the response element, or a fault code.
	respond func(action string, args map[string]string) (string, int)
}

func newFakeDevice(t *testing.T, tuners int) *fakeDevice {
	t.Helper()
	fd := &fakeDevice{}
	mux := http.NewServeMux()
	mux.HandleFunc("/description.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, descriptionXML(tuners))
	})
	mux.HandleFunc("/scpd/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, avTransportSCPD)
	})
	mux.HandleFunc("/", fd.control)
	fd.srv = httptest.NewServer(mux)
	t.Cleanup(fd.srv.Close)
	return fd
}

func (fd *fakeDevice) location() string { return fd.srv.URL + "/description.xml" }

func (fd *fakeDevice) endpoint(t *testing.T, kind ServiceKind) ServiceEndpoint {
	t.Helper()
	ep, err := NewEndpoint(kind, fd.srv.URL+"/t0/"+string(kind)+"/control", fd.srv.URL+"/t0/"+string(kind)+"/event", "")
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func (fd *fakeDevice) recorded() []soapCall {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]soapCall(nil), fd.calls...)
}

func (fd *fakeDevice) control(w http.ResponseWriter, r *http.Request) {
	fd.hits.Add(1)
	body, _ := io.ReadAll(r.Body)
	soapAction := strings.Trim(r.Header.Get("SOAPACTION"), `"`)
	action := soapAction[strings.LastIndex(soapAction, "#")+1:]

	fd.mu.Lock()
	fd.calls = append(fd.calls, soapCall{Path: r.URL.Path, Action: soapAction, Body: string(body)})
	fd.mu.Unlock()

	args := parseArgs(string(body), action)
	inner, fault := "", 0
	if fd.respond != nil {
		inner, fault = fd.respond(action, args)
	}
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	if fault != 0 {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, faultEnvelope, fault)
		return
	}
	if inner == "<garbage" {
		_, _ = io.WriteString(w, "not xml at all")
		return
	}
	fmt.Fprintf(w, responseEnvelope, action, inner, action)
}

func parseArgs(body, action string) map[string]string {
	out := map[string]string{}
	dec := xml.NewDecoder(strings.NewReader(body))
	depth := 0
	inAction := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if t.Name.Local == action {
				inAction = true
				continue
			}
			if inAction {
				var v string
				_ = dec.DecodeElement(&v, &t)
				depth--
				out[t.Name.Local] = v
			}
		case xml.EndElement:
			depth--
			if t.Name.Local == action {
				inAction = false
			}
		}
	}
}

const responseEnvelope = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><u:%sResponse xmlns:u="urn:test">%s</u:%sResponse></s:Body></s:Envelope>`

const faultEnvelope = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>%d</errorCode><errorDescription>Invalid InstanceID</errorDescription></UPnPError></detail>
</s:Fault></s:Body></s:Envelope>`

func descriptionXML(tuners int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0"><specVersion><major>1</major><minor>0</minor></specVersion>
<device><deviceType>urn:schemas-upnp-org:device:Basic:1</deviceType><friendlyName>Prime</friendlyName><UDN>uuid:root</UDN><deviceList>`)
	for i := 0; i < tuners; i++ {
		fmt.Fprintf(&b, `<device><deviceType>urn:schemas-opencable-com:device:OCUR:1</deviceType><friendlyName>Tuner %d</friendlyName><UDN>uuid:tuner-%d</UDN><serviceList>`, i, i)
		for _, k := range Kinds {
			fmt.Fprintf(&b, `<service><serviceType>%s</serviceType><serviceId>urn:upnp-org:serviceId:%s</serviceId><SCPDURL>/scpd/%s.xml</SCPDURL><controlURL>/t%d/%s/control</controlURL><eventSubURL>/t%d/%s/event</eventSubURL></service>`,
				k.URN(), k, k, i, k, i, k)
		}
		b.WriteString(`</serviceList></device>`)
	}
	b.WriteString(`</deviceList></device></root>`)
	return b.String()
}

const avTransportSCPD = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0"><specVersion><major>1</major><minor>0</minor></specVersion>
<actionList>
<action><name>Play</name><argumentList>
<argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
<argument><name>Speed</name><direction>in</direction><relatedStateVariable>TransportPlaySpeed</relatedStateVariable></argument>
</argumentList></action>
<action><name>Stop</name><argumentList>
<argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
</argumentList></action>
</actionList>
<serviceStateTable></serviceStateTable></scpd>`
