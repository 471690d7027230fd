// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness probes with per-component status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/resource"
)

// Status represents the overall health/readiness status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

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
	Uptime    string                 `json:"uptime"`
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
	version string
	started time.Time

	mu       sync.RWMutex
	checkers []Checker
	ready    bool
}

// NewManager creates a new health check manager. It reports not ready until
// MarkReady is called.
func NewManager(version string) *Manager {
	return &Manager{version: version, started: time.Now()}
}

// RegisterChecker adds a health checker to the manager
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, checker)
	m.mu.Unlock()
}

// MarkReady flips the startup gate. Shutdown calls it with false so load
// balancers drain before the listener closes.
func (m *Manager) MarkReady(ready bool) {
	m.mu.Lock()
	m.ready = ready
	m.mu.Unlock()
}

func (m *Manager) snapshot() ([]Checker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Checker(nil), m.checkers...), m.ready
}

func runChecks(ctx context.Context, checkers []Checker) (map[string]CheckResult, Status) {
	results := make(map[string]CheckResult, len(checkers))
	overall := StatusHealthy
	for _, c := range checkers {
		r := c.Check(ctx)
		results[c.Name()] = r
		switch {
		case r.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case r.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return results, overall
}

// Health performs a liveness check. The process is alive whenever it can
// answer; verbose adds component results without changing the HTTP status.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Uptime:    time.Since(m.started).Truncate(time.Second).String(),
		Timestamp: time.Now(),
	}
	checkers, _ := m.snapshot()
	if verbose && len(checkers) > 0 {
		resp.Checks, resp.Status = runChecks(ctx, checkers)
	}
	return resp
}

// Ready performs a readiness check. Degraded components keep the daemon
// ready; an unhealthy one or the startup gate does not.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	checkers, ready := m.snapshot()
	resp := ReadinessResponse{Ready: ready, Status: StatusHealthy, Timestamp: time.Now()}
	if len(checkers) > 0 {
		resp.Checks, resp.Status = runChecks(ctx, checkers)
	}
	if resp.Status == StatusUnhealthy {
		resp.Ready = false
	}
	if !ready && resp.Status == StatusHealthy {
		resp.Status = StatusUnhealthy
	}
	return resp
}

// ServeHealth handles HTTP health check requests
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	resp := m.Health(r.Context(), r.URL.Query().Get("verbose") == "true")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "health.encode_error").Msg("failed to encode health response")
	}
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
		logger.Error().Err(err).Str(log.FieldEvent, "readiness.encode_error").Msg("failed to encode readiness response")
	}

	logger.Debug().
		Str(log.FieldEvent, "readiness.checked").
		Str("status", string(resp.Status)).
		Bool("ready", resp.Ready).
		Msg("readiness check performed")
}

// FuncChecker adapts a function returning an error. A failure is unhealthy.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncChecker wraps fn.
func NewFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	if err := c.fn(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// BinaryChecker reports degraded when an optional executable is missing.
// The daemon keeps serving; only the features that launch it fail.
type BinaryChecker struct {
	name     string
	binaries []string
	lookPath func(string) (string, error)
}

// NewBinaryChecker checks that every binary resolves.
func NewBinaryChecker(name string, binaries ...string) *BinaryChecker {
	return &BinaryChecker{name: name, binaries: binaries, lookPath: exec.LookPath}
}

func (c *BinaryChecker) Name() string { return c.name }

func (c *BinaryChecker) Check(context.Context) CheckResult {
	for _, bin := range c.binaries {
		if _, err := c.lookPath(bin); err != nil {
			return CheckResult{Status: StatusDegraded, Message: bin, Error: "binary not found"}
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// HostChecker reads the resource monitor's last host sample.
type HostChecker struct {
	last      func() (resource.HostSample, bool)
	warnRatio float64
	maxAge    time.Duration
}

// NewHostChecker reports degraded when memory use is at or above warnRatio
// or the newest sample is older than maxAge.
func NewHostChecker(last func() (resource.HostSample, bool), warnRatio float64, maxAge time.Duration) *HostChecker {
	return &HostChecker{last: last, warnRatio: warnRatio, maxAge: maxAge}
}

func (c *HostChecker) Name() string { return "host" }

func (c *HostChecker) Check(context.Context) CheckResult {
	s, ok := c.last()
	if !ok {
		return CheckResult{Status: StatusDegraded, Message: "no host sample yet"}
	}
	if c.maxAge > 0 && time.Since(s.At) > c.maxAge {
		return CheckResult{Status: StatusDegraded, Message: "host sample is stale"}
	}
	msg := fmt.Sprintf("memory %.0f%%, cpu %.0f%%", s.MemoryRatio*100, s.CPUPercent)
	if s.MemoryRatio >= c.warnRatio {
		return CheckResult{Status: StatusDegraded, Message: msg}
	}
	return CheckResult{Status: StatusHealthy, Message: msg}
}
