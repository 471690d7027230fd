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
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/barrierd/internal/config"
)

const (
	listenerAPI     = "API"
	listenerMetrics = "metrics"

	// failureShutdownBudget bounds the shutdown that follows a listener failure.
	failureShutdownBudget = 30 * time.Second
)

// ShutdownHook releases a resource during graceful shutdown.
type ShutdownHook func(ctx context.Context) error

// Manager owns the HTTP listeners and the ordered teardown of everything
// registered with it.
type Manager interface {
	// Start binds every listener and blocks until ctx ends or a listener fails.
	Start(ctx context.Context) error

	// Shutdown drains listeners, then runs hooks newest first.
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook appends a named hook.
	RegisterShutdownHook(name string, hook ShutdownHook)
}

// listener is one HTTP endpoint served by the manager.
type listener struct {
	name    string
	addr    string
	handler http.Handler
	srv     *http.Server
}

type namedHook struct {
	name string
	run  ShutdownHook
}

type manager struct {
	cfg    config.ServerConfig
	deps   Deps
	logger zerolog.Logger

	mu        sync.Mutex
	listeners []*listener
	hooks     []namedHook
	started   bool
	stopping  bool
}

// NewManager validates deps and prepares the listener set. The metrics
// listener is bound first so a port clash there never exposes the API.
func NewManager(cfg config.ServerConfig, deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}

	var listeners []*listener
	if deps.MetricsHandler != nil && deps.MetricsAddr != "" {
		listeners = append(listeners, &listener{name: listenerMetrics, addr: deps.MetricsAddr, handler: deps.MetricsHandler})
	}
	listeners = append(listeners, &listener{name: listenerAPI, addr: cfg.ListenAddr, handler: deps.APIHandler})

	return &manager{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With().Str("component", "manager").Logger(),
		listeners: listeners,
	}, nil
}

func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("start context is nil")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.cfg.ListenAddr).
		Dur("read_timeout", m.cfg.ReadTimeout).
		Dur("write_timeout", m.cfg.WriteTimeout).
		Dur("shutdown_timeout", m.cfg.ShutdownTimeout).
		Int("listeners", len(m.listeners)).
		Msg("starting daemon manager")

	failed := make(chan error, len(m.listeners))
	var apiAddr string
	for _, l := range m.listeners {
		addr, err := m.serve(l, failed)
		if err != nil {
			m.teardown(ctx)
			return fmt.Errorf("failed to start %s server: %w", l.name, err)
		}
		if l.name == listenerAPI {
			apiAddr = addr
		}
	}
	if m.deps.OnListening != nil {
		m.deps.OnListening(apiAddr)
	}

	select {
	case err := <-failed:
		m.logger.Error().Err(err).Msg("listener failed, shutting down")
		if shutdownErr := m.teardown(ctx); shutdownErr != nil {
			return fmt.Errorf("server error and shutdown failure: %w", errors.Join(err, shutdownErr))
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.teardown(ctx)
	}
}

// teardown shuts down on a context detached from the (possibly cancelled) parent.
func (m *manager) teardown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), failureShutdownBudget)
	defer cancel()
	return m.Shutdown(ctx)
}

// serve binds l synchronously and serves it in the background. Serve errors
// other than a graceful close are reported on failed.
func (m *manager) serve(l *listener, failed chan<- error) (string, error) {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return "", err
	}

	srv := &http.Server{Handler: l.handler, ReadHeaderTimeout: 5 * time.Second}
	if l.name == listenerAPI {
		srv.ReadTimeout = m.cfg.ReadTimeout
		srv.ReadHeaderTimeout = m.cfg.ReadTimeout / 2
		srv.WriteTimeout = m.cfg.WriteTimeout
		srv.IdleTimeout = m.cfg.IdleTimeout
		srv.MaxHeaderBytes = m.cfg.MaxHeaderBytes
	}
	m.mu.Lock()
	l.srv = srv
	m.mu.Unlock()

	addr := ln.Addr().String()
	lg := m.logger.With().Str("listener", l.name).Str("addr", addr).Logger()
	lg.Info().Msg("listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Str("event", "listener.failed").Msg("server failed")
			failed <- fmt.Errorf("%s server: %w", l.name, err)
		}
	}()
	return addr, nil
}

func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return errors.New("shutdown context is nil")
	}

	m.mu.Lock()
	switch {
	case m.stopping:
		m.mu.Unlock()
		return nil
	case !m.started:
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := append([]namedHook(nil), m.hooks...)
	var servers []*listener
	for _, l := range m.listeners {
		if l.srv != nil {
			servers = append(servers, l)
		}
	}
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down daemon manager")
	if m.deps.OnDrain != nil {
		m.deps.OnDrain()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	// The API goes first so in-flight requests stop before metrics vanish.
	for i := len(servers) - 1; i >= 0; i-- {
		l := servers[i]
		if err := l.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s server shutdown: %w", l.name, err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		began := time.Now()
		err := h.run(ctx)
		ev := m.logger.Debug()
		if err != nil {
			ev = m.logger.Error().Err(err)
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
		}
		ev.Str("hook", h.name).Dur("duration", time.Since(began)).Msg("shutdown hook finished")
	}

	if len(errs) > 0 {
		m.logger.Error().Int("error_count", len(errs)).Msg("shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon manager stopped cleanly")
	return nil
}

func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, run: hook})
}
