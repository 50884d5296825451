// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires configuration into the tuner control stack and runs
// the long-lived servers.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ManuGH/dctd/internal/health"
	"github.com/ManuGH/dctd/internal/resilience"
	"github.com/ManuGH/dctd/internal/stream"
	"github.com/ManuGH/dctd/internal/tuning"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const defaultShutdownTimeout = 10 * time.Second

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// StatusSource is the part of the orchestrator the status endpoint reads.
type StatusSource interface {
	Name() string
	Phase() tuning.Phase
	Session() (tuning.Session, bool)
	Breaker() resilience.State
	Stream() tuning.Stream
	QAMLineup() bool
}

// StatsReporter is implemented by local streams that expose their counters.
type StatsReporter interface {
	Stats() stream.Stats
}

// Deps contains what the Manager serves.
type Deps struct {
	Logger zerolog.Logger
	// ListenAddr of the metrics, health and status server; empty disables it.
	ListenAddr string
	Health     *health.Manager
	Status     StatusSource
	// ShutdownTimeout bounds Shutdown; zero uses a default.
	ShutdownTimeout time.Duration
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Health == nil {
		return ErrMissingHealth
	}
	return nil
}

// Manager runs the metrics/health server and the shutdown hooks.
type Manager struct {
	deps   Deps
	logger zerolog.Logger

	mu            sync.Mutex
	started       bool
	stopping      bool
	listener      net.Listener
	server        *http.Server
	shutdownHooks []namedHook
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager creates a new daemon manager.
func NewManager(deps Deps) (*Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	if deps.ShutdownTimeout <= 0 {
		deps.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Manager{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "manager").Logger(),
	}, nil
}

// Router returns the metrics, health and status routes.
func (m *Manager) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", m.deps.Health.ServeHealth)
	r.Get("/readyz", m.deps.Health.ServeReady)
	if m.deps.Status != nil {
		r.Get("/status", m.serveStatus)
	}
	return r
}

type statusResponse struct {
	Device    string          `json:"device"`
	Phase     tuning.Phase    `json:"phase"`
	Breaker   string          `json:"breaker"`
	QAMLineup bool            `json:"qamLineup"`
	Session   *tuning.Session `json:"session,omitempty"`
	Stream    *stream.Stats   `json:"stream,omitempty"`
}

func (m *Manager) serveStatus(w http.ResponseWriter, _ *http.Request) {
	src := m.deps.Status
	resp := statusResponse{
		Device:    src.Name(),
		Phase:     src.Phase(),
		Breaker:   string(src.Breaker()),
		QAMLineup: src.QAMLineup(),
	}
	if s, ok := src.Session(); ok {
		resp.Session = &s
	}
	if sr, ok := src.Stream().(StatsReporter); ok {
		st := sr.Stats()
		resp.Stream = &st
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		m.logger.Error().Err(err).Str("event", "status.encode_error").Msg("failed to encode status")
	}
}

// Start binds the server and blocks until ctx is cancelled or the server
// fails, then shuts down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrManagerStarted
	}
	m.started = true
	m.mu.Unlock()

	errCh := make(chan error, 1)
	if m.deps.ListenAddr != "" {
		ln, err := net.Listen("tcp", m.deps.ListenAddr)
		if err != nil {
			return fmt.Errorf("%w: metrics %s: %v", ErrServerStartFailed, m.deps.ListenAddr, err)
		}
		srv := &http.Server{Handler: m.Router(), ReadHeaderTimeout: 5 * time.Second}
		m.mu.Lock()
		m.listener, m.server = ln, srv
		m.mu.Unlock()

		m.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.Error().Err(err).Str("event", "metrics.server.failed").Msg("metrics server failed")
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), m.deps.ShutdownTimeout)
	}
	select {
	case err := <-errCh:
		sctx, cancel := shutdownCtx()
		defer cancel()
		if serr := m.Shutdown(sctx); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		sctx, cancel := shutdownCtx()
		defer cancel()
		return m.Shutdown(sctx)
	}
}

// Addr returns the bound server address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Shutdown stops the server and runs the hooks in reverse order.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	srv, hooks := m.server, m.shutdownHooks
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down")
	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(ctx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook completed")
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
}
