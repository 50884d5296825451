// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upnp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/metrics"
	"github.com/ManuGH/dctd/internal/telemetry"
	"github.com/huin/goupnp/soap"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	queryNamespace = "urn:schemas-upnp-org:control-1-0"
	queryAction    = "QueryStateVariable"

	DefaultActionTimeout = 5 * time.Second
)

// Options configures a SOAPInvoker.
type Options struct {
	// Timeout bounds a single action, including the HTTP round trip.
	Timeout time.Duration
	// RateLimit caps actions per second across all endpoints; zero disables it.
	RateLimit float64
	RateBurst int
	// HTTPClient overrides the traced default client.
	HTTPClient *http.Client
	// Schemas enables argument validation against service descriptions.
	Schemas *SchemaCache
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultActionTimeout
	}
	if opts.RateLimit > 0 && opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient()
	}
	return opts
}

// NewHTTPClient returns an HTTP client whose requests carry trace context.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// SOAPInvoker performs UPnP actions over SOAP. Each call is a single attempt.
type SOAPInvoker struct {
	opts    Options
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewSOAPInvoker returns an invoker.
func NewSOAPInvoker(opts Options) *SOAPInvoker {
	opts = normalizeOptions(opts)
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return &SOAPInvoker{
		opts:    opts,
		limiter: limiter,
		tracer:  telemetry.Tracer("dctd.upnp"),
		logger:  xglog.WithComponent("upnp"),
	}
}

// Invoke runs action on ep with params in order.
func (s *SOAPInvoker) Invoke(ctx context.Context, ep ServiceEndpoint, action string, params ...Param) Result {
	return s.call(ctx, ep, ep.ServiceType, action, params, true)
}

// QueryStateVariable reads a state variable directly. The value is returned
// under the "return" output.
func (s *SOAPInvoker) QueryStateVariable(ctx context.Context, ep ServiceEndpoint, variable string) Result {
	return s.call(ctx, ep, queryNamespace, queryAction, []Param{{Name: "varName", Value: variable}}, false)
}

func (s *SOAPInvoker) call(ctx context.Context, ep ServiceEndpoint, namespace, action string, params []Param, validate bool) Result {
	ctx, span := s.tracer.Start(ctx, "upnp.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.ActionAttributes(string(ep.Kind), action, ep.ControlURL.String())...),
	)
	defer span.End()

	start := time.Now()
	values, err := s.perform(ctx, ep, namespace, action, params, validate)
	elapsed := time.Since(start)
	metrics.ObserveAction(string(ep.Kind), action, err, elapsed)

	logger := xglog.WithContext(ctx, s.logger)
	if err != nil {
		class := classify(err)
		metrics.IncActionFailure(string(ep.Kind), action, class)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(telemetry.ErrorAttributes(class)...)
		var ae *ActionError
		if errors.As(err, &ae) && ae.Code != 0 {
			span.SetAttributes(attribute.Int(telemetry.UPnPFaultKey, ae.Code))
		}
		logger.Warn().Err(err).
			Str(xglog.FieldService, string(ep.Kind)).
			Str(xglog.FieldAction, action).
			Dur("duration", elapsed).
			Msg("action failed")
		return Failed(err)
	}

	logger.Debug().
		Str(xglog.FieldService, string(ep.Kind)).
		Str(xglog.FieldAction, action).
		Interface("params", params).
		Interface("result", values).
		Dur("duration", elapsed).
		Msg("action completed")
	return Succeeded(values)
}

func (s *SOAPInvoker) perform(ctx context.Context, ep ServiceEndpoint, namespace, action string, params []Param, validate bool) (map[string]string, error) {
	fail := func(err error) error {
		return &ActionError{Service: ep.Kind, Action: action, Err: err}
	}

	if validate && s.opts.Schemas != nil {
		if err := s.opts.Schemas.Validate(ctx, ep, action, params); err != nil {
			return nil, fail(err)
		}
	}

	in, err := argStruct(params)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", ErrSchemaMismatch, err))
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fail(fmt.Errorf("%w: rate limiter: %v", ErrTransport, err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	client := soap.NewSOAPClient(ep.ControlURL)
	client.HTTPClient = http.Client{
		Transport: s.opts.HTTPClient.Transport,
		Timeout:   s.opts.HTTPClient.Timeout,
	}

	var out argMap
	if err := client.PerformActionCtx(ctx, namespace, action, in, &out); err != nil {
		var fault *soap.SOAPFaultError
		if errors.As(err, &fault) {
			return nil, &ActionError{
				Service:     ep.Kind,
				Action:      action,
				Code:        fault.Detail.UPnPError.Errorcode,
				Description: fault.Detail.UPnPError.ErrorDescription,
				Err:         fmt.Errorf("%w: %s", ErrFault, fault.FaultString),
			}
		}
		return nil, fail(fmt.Errorf("%w: %v", ErrTransport, err))
	}
	return out.values, nil
}
