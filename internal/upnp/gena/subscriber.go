// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package gena keeps GENA event subscriptions to tuner services alive and
// caches the latest value of every evented state variable.
package gena

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/metrics"
	"github.com/ManuGH/dctd/internal/telemetry"
	"github.com/ManuGH/dctd/internal/upnp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout          = 1800 * time.Second
	DefaultRenewFraction    = 0.5
	DefaultMaxRenewFailures = 2
	DefaultRequestTimeout   = 5 * time.Second
	minRenewInterval        = 100 * time.Millisecond
)

// Options configures a Subscriber.
type Options struct {
	// CallbackURL is the externally reachable base of the NOTIFY handler,
	// e.g. http://192.168.1.10:8091.
	CallbackURL string
	// Timeout is the subscription duration requested from the device.
	Timeout time.Duration
	// RenewFraction of the granted timeout after which a renewal is sent.
	RenewFraction float64
	// MaxRenewFailures consecutive failures tear the subscription down.
	MaxRenewFailures int
	RequestTimeout   time.Duration
	HTTPClient       *http.Client
	Decoders         *Registry
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RenewFraction <= 0 || o.RenewFraction >= 1 {
		o.RenewFraction = DefaultRenewFraction
	}
	if o.MaxRenewFailures <= 0 {
		o.MaxRenewFailures = DefaultMaxRenewFailures
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = upnp.NewHTTPClient()
	}
	if o.Decoders == nil {
		o.Decoders = DefaultRegistry()
	}
	o.CallbackURL = strings.TrimRight(o.CallbackURL, "/")
	return o
}

// Events is the read side of a Subscriber used by the tuning orchestrator.
type Events interface {
	Value(ctx context.Context, ep upnp.ServiceEndpoint, name string) (string, bool)
	WaitFor(ctx context.Context, ep upnp.ServiceEndpoint, name string, expected *string, timeout time.Duration) bool
	SetInstance(ep upnp.ServiceEndpoint, instance string)
	Unsubscribe(ctx context.Context, ep upnp.ServiceEndpoint) error
}

// Subscriber owns at most one subscription per endpoint.
type Subscriber struct {
	opts   Options
	logger zerolog.Logger
	tracer trace.Tracer
	group  singleflight.Group

	mu      sync.Mutex
	closed  bool
	byKey   map[string]*subscription
	byToken map[string]*subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Subscriber. Handler must be served at opts.CallbackURL.
func New(opts Options) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		opts:    opts.withDefaults(),
		logger:  xglog.WithComponent("gena"),
		tracer:  telemetry.Tracer("dctd.gena"),
		byKey:   make(map[string]*subscription),
		byToken: make(map[string]*subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Value returns the last received value of name. It establishes a
// subscription on first use; the value may be absent until the initial event
// arrives.
func (s *Subscriber) Value(ctx context.Context, ep upnp.ServiceEndpoint, name string) (string, bool) {
	sub, err := s.ensure(ctx, ep)
	if sub == nil {
		s.logger.Debug().Err(err).Str(xglog.FieldService, string(ep.Kind)).Msg("value lookup without subscription")
		return "", false
	}
	return sub.value(name)
}

// WaitFor blocks until name changes (expected == nil) or equals *expected, or
// until timeout or ctx expires. It reports whether the condition was met.
// Subscription problems are treated as silence; they never surface here.
func (s *Subscriber) WaitFor(ctx context.Context, ep upnp.ServiceEndpoint, name string, expected *string, timeout time.Duration) bool {
	start := time.Now()
	sub, err := s.ensure(ctx, ep)
	if err != nil {
		logger := xglog.WithContext(ctx, s.logger)
		logger.Warn().Err(err).
			Str(xglog.FieldService, string(ep.Kind)).
			Str(xglog.FieldVariable, name).
			Msg("waiting without live subscription")
	}
	var met bool
	if sub != nil {
		met = sub.waitFor(ctx, name, expected, time.Until(start.Add(timeout)))
	} else {
		met = sleepCtx(ctx, time.Until(start.Add(timeout)))
	}
	metrics.ObserveWait(name, met, time.Since(start))
	return met
}

// sleepCtx waits out d when there is nothing to observe. It always reports false.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return false
}

// SetInstance selects which instance nested payloads are filtered by and
// re-applies the last nested payloads under the new selection.
func (s *Subscriber) SetInstance(ep upnp.ServiceEndpoint, instance string) {
	sub := s.lookupOrCreate(ep)
	if sub == nil {
		return
	}
	sub.setInstance(instance, s.opts.Decoders, s.logger)
}

// Unsubscribe ends the subscription for ep and drops its cached values.
func (s *Subscriber) Unsubscribe(ctx context.Context, ep upnp.ServiceEndpoint) error {
	s.mu.Lock()
	sub, ok := s.byKey[ep.Key()]
	if ok {
		delete(s.byKey, ep.Key())
		delete(s.byToken, sub.token)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.release(ctx, sub)
}

// Close unsubscribes everything and stops renewals. Further calls observe no
// subscriptions.
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.byKey))
	for _, sub := range s.byKey {
		subs = append(subs, sub)
	}
	s.byKey = map[string]*subscription{}
	s.byToken = map[string]*subscription{}
	s.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := s.release(ctx, sub); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.cancel()
	s.wg.Wait()
	return firstErr
}

func (s *Subscriber) release(ctx context.Context, sub *subscription) error {
	sid := sub.deactivate()
	if sid == "" {
		return nil
	}
	metrics.ActiveSubscriptions.Dec()
	err := s.unsubscribe(ctx, sub.ep, sid)
	metrics.IncSubscriptionOp(string(sub.ep.Kind), "unsubscribe", err)
	if err != nil {
		s.logger.Warn().Err(err).Str(xglog.FieldService, string(sub.ep.Kind)).Str(xglog.FieldSID, sid).Msg("unsubscribe failed")
	}
	return err
}

func (s *Subscriber) lookupOrCreate(ep upnp.ServiceEndpoint) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if sub, ok := s.byKey[ep.Key()]; ok {
		return sub
	}
	sub := newSubscription(ep, uuid.NewString())
	s.byKey[ep.Key()] = sub
	s.byToken[sub.token] = sub
	return sub
}

func (s *Subscriber) lookupToken(token string) (*subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byToken[token]
	return sub, ok
}

// ensure returns the subscription state for ep, subscribing if no live
// subscription exists. The state is returned even when subscribing fails so
// that waits can still observe a later recovery.
func (s *Subscriber) ensure(ctx context.Context, ep upnp.ServiceEndpoint) (*subscription, error) {
	sub := s.lookupOrCreate(ep)
	if sub == nil {
		return nil, ErrClosed
	}
	if sub.live() {
		return sub, nil
	}
	_, err, _ := s.group.Do(sub.token, func() (any, error) {
		if sub.live() {
			return nil, nil
		}
		return nil, s.establish(ctx, sub)
	})
	return sub, err
}

func (s *Subscriber) establish(ctx context.Context, sub *subscription) error {
	ctx, span := s.tracer.Start(ctx, "gena.subscribe",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(telemetry.UPnPServiceKey, string(sub.ep.Kind)),
			attribute.String(telemetry.UPnPURLKey, sub.ep.EventURL.String()),
		),
	)
	defer span.End()

	callback := s.opts.CallbackURL + "/events/" + sub.token
	sub.setPending(true)
	g, err := s.subscribe(ctx, sub.ep, callback)
	metrics.IncSubscriptionOp(string(sub.ep.Kind), "subscribe", err)
	if err != nil {
		sub.setPending(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", sub.ep.Kind, err)
	}
	span.SetAttributes(attribute.String(telemetry.UPnPSIDKey, g.SID))

	s.mu.Lock()
	if s.closed || s.byToken[sub.token] != sub {
		s.mu.Unlock()
		sub.setPending(false)
		_ = s.unsubscribe(context.WithoutCancel(ctx), sub.ep, g.SID)
		return ErrClosed
	}
	renewCtx, cancel := context.WithCancel(s.ctx)
	sub.activate(g.SID, cancel)
	s.wg.Add(1)
	s.mu.Unlock()
	metrics.ActiveSubscriptions.Inc()

	logger := xglog.WithContext(ctx, s.logger)
	logger.Info().
		Str(xglog.FieldService, string(sub.ep.Kind)).
		Str(xglog.FieldSID, g.SID).
		Dur("timeout", g.Timeout).
		Msg("subscribed")

	go func() {
		defer s.wg.Done()
		s.renewLoop(renewCtx, sub, g)
	}()
	return nil
}

func (s *Subscriber) renewInterval(granted time.Duration) time.Duration {
	d := time.Duration(float64(granted) * s.opts.RenewFraction)
	if d < minRenewInterval {
		d = minRenewInterval
	}
	return d
}

// renewLoop refreshes the subscription until ctx is cancelled or renewal
// fails MaxRenewFailures times in a row.
func (s *Subscriber) renewLoop(ctx context.Context, sub *subscription, g grant) {
	interval := s.renewInterval(g.Timeout)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	sid := g.SID
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ng, err := s.renew(ctx, sub.ep, sid)
		if ctx.Err() != nil {
			return
		}
		metrics.IncSubscriptionOp(string(sub.ep.Kind), "renew", err)
		if err == nil {
			failures = 0
			if ng.SID != sid {
				sub.rotateSID(ng.SID)
				sid = ng.SID
			}
			timer.Reset(s.renewInterval(ng.Timeout))
			continue
		}

		failures++
		s.logger.Warn().Err(err).
			Str(xglog.FieldService, string(sub.ep.Kind)).
			Str(xglog.FieldSID, sid).
			Int("failures", failures).
			Msg("subscription renewal failed")
		if failures >= s.opts.MaxRenewFailures {
			if sub.expire(sid) {
				metrics.ActiveSubscriptions.Dec()
			}
			s.logger.Warn().
				Str(xglog.FieldService, string(sub.ep.Kind)).
				Str(xglog.FieldSID, sid).
				Msg("subscription dropped, next use re-subscribes")
			return
		}
		timer.Reset(max(interval/2, minRenewInterval))
	}
}
