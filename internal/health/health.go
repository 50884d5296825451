// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package health provides liveness and readiness endpoints for the daemon.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/resilience"
	"github.com/ManuGH/dctd/internal/tuning"
)

// Status represents the overall health/readiness status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCheckTimeout bounds a single checker.
const DefaultCheckTimeout = 3 * time.Second

// CheckResult represents the result of a component health check
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Uptime    int64                  `json:"uptime_seconds"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager manages health and readiness checks
type Manager struct {
	version  string
	started  time.Time
	timeout  time.Duration
	checkers []Checker
}

// NewManager creates a new health check manager
func NewManager(version string) *Manager {
	return &Manager{
		version: version,
		started: time.Now(),
		timeout: DefaultCheckTimeout,
	}
}

// RegisterChecker adds a health checker to the manager
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

func (m *Manager) runChecks(ctx context.Context) (map[string]CheckResult, Status) {
	checks := make(map[string]CheckResult, len(m.checkers))
	overall := StatusHealthy
	for _, c := range m.checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		res := c.Check(cctx)
		cancel()
		checks[c.Name()] = res
		switch res.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return checks, overall
}

// Health is the liveness view. Component checks run only when verbose.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Uptime:    int64(time.Since(m.started).Seconds()),
		Timestamp: time.Now(),
	}
	if verbose && len(m.checkers) > 0 {
		resp.Checks, resp.Status = m.runChecks(ctx)
	}
	return resp
}

// Ready is the readiness view. Any unhealthy component makes it not ready.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{Ready: true, Status: StatusHealthy, Timestamp: time.Now()}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks, resp.Status = m.runChecks(ctx)
	resp.Ready = resp.Status != StatusUnhealthy
	return resp
}

// ServeHealth handles HTTP health check requests
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // Always 200 for liveness
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
	logger.Debug().
		Str("event", "health.checked").
		Str("status", string(resp.Status)).
		Bool("verbose", verbose).
		Msg("health check performed")
}

// ServeReady handles HTTP readiness check requests
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}
	logger.Debug().
		Str("event", "readiness.checked").
		Str("status", string(resp.Status)).
		Bool("ready", resp.Ready).
		Msg("readiness check performed")
}

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckFunc returns a named Checker backed by fn.
func NewCheckFunc(name string, fn func(ctx context.Context) CheckResult) CheckFunc {
	return CheckFunc{name: name, fn: fn}
}

func (c CheckFunc) Name() string                          { return c.name }
func (c CheckFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// DeviceChecker reports whether the tuner answers and has a usable card.
type DeviceChecker struct {
	probe func(ctx context.Context) (tuning.CardStatus, error)
}

// NewDeviceChecker wraps an orchestrator probe.
func NewDeviceChecker(probe func(ctx context.Context) (tuning.CardStatus, error)) *DeviceChecker {
	return &DeviceChecker{probe: probe}
}

func (c *DeviceChecker) Name() string { return "device" }

func (c *DeviceChecker) Check(ctx context.Context) CheckResult {
	status, err := c.probe(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !status.Inserted() {
		// Clear QAM tuning still works without a card.
		return CheckResult{Status: StatusDegraded, Message: "card status " + status.Status}
	}
	return CheckResult{Status: StatusHealthy, Message: "card inserted"}
}

// BreakerChecker maps the device circuit breaker to a status.
type BreakerChecker struct {
	state func() resilience.State
}

// NewBreakerChecker wraps a breaker state accessor.
func NewBreakerChecker(state func() resilience.State) *BreakerChecker {
	return &BreakerChecker{state: state}
}

func (c *BreakerChecker) Name() string { return "breaker" }

func (c *BreakerChecker) Check(context.Context) CheckResult {
	switch st := c.state(); st {
	case resilience.StateOpen:
		return CheckResult{Status: StatusUnhealthy, Message: string(st)}
	case resilience.StateHalfOpen:
		return CheckResult{Status: StatusDegraded, Message: string(st)}
	default:
		return CheckResult{Status: StatusHealthy, Message: string(st)}
	}
}

// SessionChecker reports the tuning phase. A failed phase is degraded since
// the next tune resets it.
type SessionChecker struct {
	phase func() tuning.Phase
}

// NewSessionChecker wraps an orchestrator phase accessor.
func NewSessionChecker(phase func() tuning.Phase) *SessionChecker {
	return &SessionChecker{phase: phase}
}

func (c *SessionChecker) Name() string { return "session" }

func (c *SessionChecker) Check(context.Context) CheckResult {
	p := c.phase()
	if p == tuning.PhaseFailed {
		return CheckResult{Status: StatusDegraded, Message: string(p)}
	}
	return CheckResult{Status: StatusHealthy, Message: string(p)}
}
