// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gena

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/dctd/internal/upnp"
)

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
	methodNotify      = "NOTIFY"

	ntEvent       = "upnp:event"
	ntsPropChange = "upnp:propchange"
)

var (
	// ErrSubscribe is returned when the device refuses or garbles a subscription.
	ErrSubscribe = errors.New("gena: subscribe failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gena: subscriber closed")
)

// grant is the device's answer to SUBSCRIBE.
type grant struct {
	SID     string
	Timeout time.Duration
}

func (s *Subscriber) subscribe(ctx context.Context, ep upnp.ServiceEndpoint, callback string) (grant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	req, err := s.newRequest(ctx, methodSubscribe, ep)
	if err != nil {
		return grant{}, err
	}
	req.Header["CALLBACK"] = []string{"<" + callback + ">"}
	req.Header["NT"] = []string{ntEvent}
	req.Header["TIMEOUT"] = []string{formatTimeout(s.opts.Timeout)}
	return s.doGrant(req, s.opts.Timeout)
}

func (s *Subscriber) renew(ctx context.Context, ep upnp.ServiceEndpoint, sid string) (grant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	req, err := s.newRequest(ctx, methodSubscribe, ep)
	if err != nil {
		return grant{}, err
	}
	req.Header["SID"] = []string{sid}
	req.Header["TIMEOUT"] = []string{formatTimeout(s.opts.Timeout)}
	g, err := s.doGrant(req, s.opts.Timeout)
	if err == nil && g.SID == "" {
		g.SID = sid
	}
	return g, err
}

func (s *Subscriber) unsubscribe(ctx context.Context, ep upnp.ServiceEndpoint, sid string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	req, err := s.newRequest(ctx, methodUnsubscribe, ep)
	if err != nil {
		return err
	}
	req.Header["SID"] = []string{sid}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscribe, methodUnsubscribe, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrSubscribe, methodUnsubscribe, resp.StatusCode)
	}
	return nil
}

func (s *Subscriber) newRequest(ctx context.Context, method string, ep upnp.ServiceEndpoint) (*http.Request, error) {
	if ep.EventURL.Host == "" {
		return nil, fmt.Errorf("%w: %s has no event url", ErrSubscribe, ep.Kind)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.EventURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubscribe, err)
	}
	return req, nil
}

func (s *Subscriber) doGrant(req *http.Request, requested time.Duration) (grant, error) {
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return grant{}, fmt.Errorf("%w: %v", ErrSubscribe, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return grant{}, fmt.Errorf("%w: status %d", ErrSubscribe, resp.StatusCode)
	}
	g := grant{
		SID:     strings.TrimSpace(resp.Header.Get("SID")),
		Timeout: parseTimeout(resp.Header.Get("TIMEOUT"), requested),
	}
	if g.SID == "" && len(req.Header["SID"]) == 0 {
		return grant{}, fmt.Errorf("%w: response carries no SID", ErrSubscribe)
	}
	return g, nil
}

func formatTimeout(d time.Duration) string {
	return "Second-" + strconv.Itoa(int(d/time.Second))
}

// parseTimeout reads a "Second-N" header. Unparseable or infinite values fall
// back to the requested duration so renewal still happens.
func parseTimeout(v string, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	n, ok := strings.CutPrefix(strings.ToLower(v), "second-")
	if !ok {
		return fallback
	}
	secs, err := strconv.Atoi(n)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
