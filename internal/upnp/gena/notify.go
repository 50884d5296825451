// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gena

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxNotifyBody = 256 << 10

var errBadPropertySet = errors.New("gena: bad property set")

type property struct {
	Name  string
	Value string
}

type propertySet struct {
	XMLName    xml.Name         `xml:"propertyset"`
	Properties []propertyHolder `xml:"property"`
}

type propertyHolder struct {
	Vars []propertyVar `xml:",any"`
}

type propertyVar struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func parsePropertySet(body []byte) ([]property, error) {
	var ps propertySet
	if err := xml.Unmarshal(body, &ps); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPropertySet, err)
	}
	var props []property
	for _, h := range ps.Properties {
		for _, v := range h.Vars {
			props = append(props, property{Name: v.XMLName.Local, Value: v.Value})
		}
	}
	return props, nil
}

// HandlerOptions tunes the NOTIFY endpoint.
type HandlerOptions struct {
	// RequestLimit per source address per Window; zero disables limiting.
	RequestLimit int
	Window       time.Duration
}

// Handler returns the NOTIFY callback router, mounted at /events/{token}.
func (s *Subscriber) Handler(opts HandlerOptions) http.Handler {
	chi.RegisterMethod(methodNotify)
	r := chi.NewRouter()
	if opts.RequestLimit > 0 {
		window := opts.Window
		if window <= 0 {
			window = time.Second
		}
		r.Use(httprate.LimitByIP(opts.RequestLimit, window))
	}
	r.MethodFunc(methodNotify, "/events/{token}", s.handleNotify)
	return otelhttp.NewHandler(r, "gena.notify")
}

func (s *Subscriber) handleNotify(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With().Str(xglog.FieldRemoteAddr, r.RemoteAddr).Logger()

	if r.Header.Get("NT") != ntEvent || r.Header.Get("NTS") != ntsPropChange {
		metrics.IncEvent("unknown", "bad_request")
		http.Error(w, "bad NT/NTS", http.StatusBadRequest)
		return
	}
	sid := strings.TrimSpace(r.Header.Get("SID"))
	sub, ok := s.lookupToken(chi.URLParam(r, "token"))
	if sid == "" || !ok || !sub.accepts(sid) {
		metrics.IncEvent("unknown", "unknown_sid")
		logger.Debug().Str(xglog.FieldSID, sid).Msg("notify for unknown subscription")
		http.Error(w, "unknown subscription", http.StatusPreconditionFailed)
		return
	}
	service := string(sub.ep.Kind)

	seq, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("SEQ")), 10, 64)
	if err != nil || seq < 0 {
		metrics.IncEvent(service, "malformed")
		logger.Warn().Str(xglog.FieldService, service).Str("seq", r.Header.Get("SEQ")).Msg("notify with bad SEQ")
		http.Error(w, "bad SEQ", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBody))
	if err != nil {
		metrics.IncEvent(service, "malformed")
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	props, err := parsePropertySet(body)
	if err != nil {
		metrics.IncEvent(service, "malformed")
		logger.Warn().Err(err).Str(xglog.FieldService, service).Int64(xglog.FieldSeq, seq).Msg("ignoring malformed event")
		http.Error(w, "malformed property set", http.StatusBadRequest)
		return
	}

	sub.apply(seq, props, s.opts.Decoders, logger)
	metrics.IncEvent(service, "applied")
	logger.Debug().Str(xglog.FieldService, service).Int64(xglog.FieldSeq, seq).Int("vars", len(props)).Msg("event applied")
	w.WriteHeader(http.StatusOK)
}

// CallbackURL returns the base URL devices should use to reach ln, given the
// address of the device the callbacks come from.
func CallbackURL(ln net.Listener, deviceHost string) (string, error) {
	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("gena: listener is not tcp: %s", ln.Addr())
	}
	ip := tcp.IP
	if ip == nil || ip.IsUnspecified() {
		local, err := LocalIP(deviceHost)
		if err != nil {
			return "", err
		}
		ip = local
	}
	return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(tcp.Port)), nil
}

// LocalIP returns the local address used to route to host. No packets are sent.
func LocalIP(host string) (net.IP, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, "1900"))
	if err != nil {
		return nil, fmt.Errorf("gena: route to %s: %w", host, err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
