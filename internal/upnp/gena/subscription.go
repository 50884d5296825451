// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gena

import (
	"context"
	"sync"
	"time"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/upnp"
	"github.com/rs/zerolog"
)

// subscription is the cached state of one endpoint's event feed. Waiters are
// evaluated under mu against every value written, so a value that is
// replaced by the next event is still observed.
type subscription struct {
	ep    upnp.ServiceEndpoint
	token string

	mu          sync.Mutex
	sid         string
	pending     bool
	cancelRenew context.CancelFunc
	instance    string
	seq         int64
	values      map[string]string
	nested      map[string]string
	waiters     map[*waiter]struct{}
}

// waiter is one parked waitFor call. done is closed once its condition held
// for some written value.
type waiter struct {
	name     string
	expected *string
	initial  string
	had      bool
	done     chan struct{}
}

func (w *waiter) satisfied(v string) bool {
	if w.expected != nil {
		return v == *w.expected
	}
	return !w.had || v != w.initial
}

func newSubscription(ep upnp.ServiceEndpoint, token string) *subscription {
	return &subscription{
		ep:      ep,
		token:   token,
		seq:     -1,
		values:  make(map[string]string),
		nested:  make(map[string]string),
		waiters: make(map[*waiter]struct{}),
	}
}

func (s *subscription) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid != ""
}

// accepts reports whether a NOTIFY carrying sid belongs to this feed. The
// initial event may race the SUBSCRIBE response, so it is accepted while the
// subscription is being established.
func (s *subscription) accepts(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sid != "" {
		return s.sid == sid
	}
	return s.pending
}

func (s *subscription) setPending(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = p
	if p {
		s.seq = -1
	}
}

func (s *subscription) activate(sid string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sid = sid
	s.pending = false
	s.cancelRenew = cancel
}

func (s *subscription) rotateSID(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sid != "" {
		s.sid = sid
	}
}

// deactivate stops renewal and returns the SID that was live, if any.
func (s *subscription) deactivate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid := s.sid
	s.sid = ""
	if s.cancelRenew != nil {
		s.cancelRenew()
		s.cancelRenew = nil
	}
	return sid
}

// expire drops sid if it is still the live one.
func (s *subscription) expire(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sid != sid || sid == "" {
		return false
	}
	s.sid = ""
	s.cancelRenew = nil
	return true
}

func (s *subscription) value(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// waitFor parks until a written value satisfies the condition, the timeout
// fires or ctx ends. The value is re-checked once more at timeout.
func (s *subscription) waitFor(ctx context.Context, name string, expected *string, timeout time.Duration) bool {
	s.mu.Lock()
	initial, had := s.values[name]
	w := &waiter{name: name, expected: expected, initial: initial, had: had, done: make(chan struct{})}
	if expected != nil && had && w.satisfied(initial) {
		s.mu.Unlock()
		return true
	}
	if timeout <= 0 {
		s.mu.Unlock()
		return false
	}
	s.waiters[w] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, w)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		s.mu.Lock()
		defer s.mu.Unlock()
		select {
		case <-w.done:
			return true
		default:
		}
		v, ok := s.values[name]
		return ok && w.satisfied(v)
	case <-ctx.Done():
		return false
	}
}

// apply stores one NOTIFY's variables in arrival order and wakes waiters.
func (s *subscription) apply(seq int64, props []property, decoders *Registry, logger zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq >= 0 && seq != 0 && seq <= s.seq {
		logger.Debug().
			Str(xglog.FieldService, string(s.ep.Kind)).
			Int64(xglog.FieldSeq, seq).
			Int64("last_seq", s.seq).
			Msg("event sequence went backwards")
	}
	s.seq = seq

	for _, p := range props {
		s.setLocked(p.Name, p.Value)
		if d, ok := decoders.Lookup(p.Name); ok {
			s.nested[p.Name] = p.Value
			s.decodeLocked(p.Name, p.Value, d, logger)
		}
	}
}

func (s *subscription) setInstance(instance string, decoders *Registry, logger zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instance == instance {
		return
	}
	s.instance = instance
	for name, raw := range s.nested {
		if d, ok := decoders.Lookup(name); ok {
			s.decodeLocked(name, raw, d, logger)
		}
	}
}

func (s *subscription) decodeLocked(name, raw string, d Decoder, logger zerolog.Logger) {
	inner, err := d.Decode(raw, s.instance)
	if err != nil {
		logger.Warn().Err(err).
			Str(xglog.FieldService, string(s.ep.Kind)).
			Str(xglog.FieldVariable, name).
			Msg("ignoring undecodable nested payload")
		return
	}
	for k, v := range inner {
		s.setLocked(k, v)
	}
}

// setLocked stores one value and completes every waiter it satisfies.
func (s *subscription) setLocked(name, value string) {
	s.values[name] = value
	for w := range s.waiters {
		if w.name == name && w.satisfied(value) {
			close(w.done)
			delete(s.waiters, w)
		}
	}
}
