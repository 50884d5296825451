// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/dctd/internal/config"
	"github.com/ManuGH/dctd/internal/health"
	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// App owns the long-lived runtime: config watching and reload, the NOTIFY
// server and the Manager.
type App struct {
	logger       zerolog.Logger
	manager      *Manager
	holder       *config.Holder
	tuner        *Tuner
	reloadSignal os.Signal
}

// NewApp creates a new App.
func NewApp(logger zerolog.Logger, manager *Manager, holder *config.Holder, tuner *Tuner) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		holder:       holder,
		tuner:        tuner,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run blocks until ctx is cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.holder != nil {
		g.Go(func() error {
			if err := a.holder.Watch(ctx); err != nil {
				a.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.watcher_start_failed").Msg("config watcher unavailable")
			}
			return nil
		})

		applyCh := make(chan config.AppConfig, 1)
		a.holder.Subscribe(applyCh)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case cfg := <-applyCh:
					if err := xglog.SetLevel(cfg.Log.Level); err != nil {
						a.logger.Warn().Err(err).Msg("log level not applied")
					}
				}
			}
		})
	}

	if a.holder != nil && a.reloadSignal != nil {
		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, a.reloadSignal)
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hup:
					a.logger.Info().
						Str(xglog.FieldEvent, "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal")
					if err := a.holder.Reload(ctx); err != nil {
						a.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.reload_failed").Msg("config reload failed")
					}
				}
			}
		})
	}

	if a.tuner != nil {
		g.Go(func() error { return a.tuner.Serve(ctx) })
	}

	g.Go(func() error { return a.manager.Start(ctx) })
	return g.Wait()
}

// Run opens the tuner described by the held configuration and serves until
// ctx ends.
func Run(ctx context.Context, holder *config.Holder) error {
	cfg := holder.Get()
	logger := xglog.WithComponent("daemon")

	provider, err := telemetry.NewProvider(ctx, TelemetryConfig(cfg))
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry initialization failed, continuing without tracing")
	}

	tuner, err := OpenTuner(ctx, cfg)
	if err != nil {
		if provider != nil {
			_ = provider.Shutdown(context.WithoutCancel(ctx))
		}
		return err
	}

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewDeviceChecker(tuner.Orchestrator.Probe))
	hm.RegisterChecker(health.NewBreakerChecker(tuner.Orchestrator.Breaker))
	hm.RegisterChecker(health.NewSessionChecker(tuner.Orchestrator.Phase))

	deps := Deps{Logger: logger, Health: hm, Status: tuner.Orchestrator}
	if cfg.Metrics.Enabled {
		deps.ListenAddr = cfg.Metrics.ListenAddr
	}
	mgr, err := NewManager(deps)
	if err != nil {
		_ = tuner.Close(context.WithoutCancel(ctx))
		return err
	}
	if provider != nil {
		mgr.RegisterShutdownHook("telemetry", provider.Shutdown)
	}
	mgr.RegisterShutdownHook("tuner", tuner.Close)

	logger.Info().
		Str("version", cfg.Version).
		Str(xglog.FieldDevice, tuner.Device.Name).
		Msg("dctd started")
	return NewApp(logger, mgr, holder, tuner).Run(ctx)
}
