// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ManuGH/dctd/internal/config"
	"github.com/ManuGH/dctd/internal/discovery"
	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/tuning"
	"github.com/ManuGH/dctd/internal/upnp"
	"github.com/ManuGH/dctd/internal/upnp/gena"
	"github.com/rs/zerolog"
)

// Tuner is one controllable device: its services, the event subscriber and
// its NOTIFY listener, and the orchestrator driving them.
type Tuner struct {
	Device       upnp.Device
	Orchestrator *tuning.Orchestrator
	Subscriber   *gena.Subscriber

	callbackURL string
	listener    net.Listener
	server      *http.Server
	logger      zerolog.Logger
}

// ResolveDevice returns the configured device, or the first discovered tuner
// when no location is configured.
func ResolveDevice(ctx context.Context, cfg config.AppConfig) (upnp.Device, error) {
	if cfg.Device.Location != "" {
		return upnp.ResolveDevice(ctx, cfg.Device.Location, cfg.Device.Index)
	}
	devs, err := discovery.New(DiscoveryOptions(cfg)).Discover(ctx)
	if err != nil {
		return upnp.Device{}, err
	}
	if cfg.Device.Index >= len(devs) {
		return upnp.Device{}, fmt.Errorf("%w: tuner %d of %d discovered", upnp.ErrServiceMissing, cfg.Device.Index, len(devs))
	}
	return devs[cfg.Device.Index], nil
}

// OpenTuner resolves the device and builds the control stack around it. The
// NOTIFY listener is bound but not served until Serve.
func OpenTuner(ctx context.Context, cfg config.AppConfig) (*Tuner, error) {
	dev, err := ResolveDevice(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve device: %w", err)
	}
	t, err := NewTuner(cfg, dev)
	if err != nil {
		return nil, err
	}
	t.observeLineup(ctx, cfg.Device.Lineup)
	return t, nil
}

// NewTuner builds the control stack for an already resolved device.
func NewTuner(cfg config.AppConfig, dev upnp.Device) (*Tuner, error) {
	logger := xglog.WithComponent("daemon").With().Str(xglog.FieldDevice, dev.Name).Logger()

	ln, err := net.Listen("tcp", cfg.Events.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: events listener %s: %v", ErrServerStartFailed, cfg.Events.ListenAddr, err)
	}
	callbackURL := cfg.Events.AdvertiseURL
	if callbackURL == "" {
		cm, _ := dev.Endpoint(upnp.ConnectionManager)
		if callbackURL, err = gena.CallbackURL(ln, cm.ControlURL.Host); err != nil {
			_ = ln.Close()
			return nil, err
		}
	}

	sub := gena.New(SubscriberOptions(cfg, callbackURL))
	svc, err := tuning.NewServices(dev, upnp.NewSOAPInvoker(InvokerOptions(cfg)), sub)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	orch, err := tuning.New(svc, TuningOptions(cfg, dev.Name))
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	t := &Tuner{
		Device:       dev,
		Orchestrator: orch,
		Subscriber:   sub,
		callbackURL:  callbackURL,
		listener:     ln,
		logger:       logger,
	}
	t.server = &http.Server{
		Handler:           sub.Handler(HandlerOptions(cfg)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info().
		Str(xglog.FieldURL, dev.Location).
		Str("callback", callbackURL).
		Msg("tuner ready")
	return t, nil
}

// CallbackURL is the NOTIFY base advertised to the device.
func (t *Tuner) CallbackURL() string { return t.callbackURL }

// Serve answers NOTIFY requests until ctx ends.
func (t *Tuner) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- t.server.Serve(t.listener) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("events server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := t.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("events server shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}

// Close stops any session, cancels the subscriptions and releases the listener.
func (t *Tuner) Close(ctx context.Context) error {
	t.Orchestrator.Stop(ctx)
	err := t.Subscriber.Close(ctx)
	if cerr := t.server.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if cerr := t.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}
