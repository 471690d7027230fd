// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api is the HTTP surface of the daemon: the signaling websocket,
// the relay and catalog endpoints, automation and health.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/barrierd/internal/admission"
	"github.com/ManuGH/barrierd/internal/api/middleware"
	"github.com/ManuGH/barrierd/internal/audit"
	"github.com/ManuGH/barrierd/internal/auth"
	"github.com/ManuGH/barrierd/internal/automation"
	"github.com/ManuGH/barrierd/internal/emulator"
	"github.com/ManuGH/barrierd/internal/health"
	"github.com/ManuGH/barrierd/internal/resource"
	"github.com/ManuGH/barrierd/internal/session"
	"github.com/ManuGH/barrierd/internal/store"
)

// Sessions is the orchestrator surface the relay endpoints use.
type Sessions interface {
	Generate(ctx context.Context, deviceID string) (session.View, error)
	Status(ctx context.Context, deviceID string) (session.DeviceStatus, error)
	LookupCredential(rustdeskID string) (session.View, bool)
	Stop(ctx context.Context, sessionID string) error
}

// Catalog manages environments and emulators.
type Catalog interface {
	ListEnvironments(ctx context.Context) ([]store.Entity, error)
	CreateEnvironment(ctx context.Context, in emulator.EnvironmentInput) (store.Entity, error)
	ToggleEnvironment(ctx context.Context, id string) (store.Status, error)
	ListEmulators(ctx context.Context) ([]store.Entity, error)
	CreateEmulator(ctx context.Context, in emulator.EmulatorInput) (store.Entity, error)
	ToggleEmulator(ctx context.Context, id string) (store.Status, error)
	Usage(ctx context.Context) ([]admission.Usage, error)
}

// Automation handles free-text commands.
type Automation interface {
	Handle(ctx context.Context, caller, text string) automation.Result
}

// Config holds the HTTP surface settings.
type Config struct {
	AllowedOrigins []string
	RateLimit      int
	TracingService string
}

// Deps are the collaborators behind the routes. Signaling and Health are
// required; a nil Catalog or Automation disables their routes.
type Deps struct {
	Sessions   Sessions
	Catalog    Catalog
	Automation Automation
	Signaling  http.Handler
	Health     *health.Manager
	Verifier   *auth.Verifier
	// Host returns the newest host sample.
	Host func() (resource.HostSample, bool)
	// Audit records credential and auth decisions; defaults to the audit component logger.
	Audit *audit.Logger
}

// Server routes HTTP requests to the daemon's components.
type Server struct {
	cfg   Config
	deps  Deps
	audit *audit.Logger
}

// New returns a Server.
func New(cfg Config, deps Deps) *Server {
	al := deps.Audit
	if al == nil {
		al = audit.NewLogger()
	}
	return &Server{cfg: cfg, deps: deps, audit: al}
}

// Handler builds the routed handler with the ingress middleware applied.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		AllowedOrigins: s.cfg.AllowedOrigins,
		TracingService: s.cfg.TracingService,
		RateLimit:      s.cfg.RateLimit,
	})

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)

	r.Route("/api", func(r chi.Router) {
		// The websocket authenticates inside the protocol.
		r.Handle("/webrtc", s.deps.Signaling)

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Verifier.Middleware(s.writeAuthError))

			r.Post("/rustdesk/generate", s.handleGenerate)
			r.Get("/rustdesk/status/{device_id}", s.handleStatus)
			r.Post("/rustdesk/connect/{rustdesk_id}", s.handleConnect)
			r.Post("/rustdesk/stop/{session_id}", s.handleStop)

			if s.deps.Catalog != nil {
				r.Get("/os_environments", s.handleListEnvironments)
				r.Post("/os_environments", s.handleCreateEnvironment)
				r.Post("/os_environments/{id}/toggle", s.handleToggleEnvironment)
				r.Get("/emulators", s.handleListEmulators)
				r.Post("/emulators", s.handleCreateEmulator)
				r.Post("/emulators/{id}/run", s.handleRunEmulator)
			}
			if s.deps.Automation != nil {
				r.Post("/automate", s.handleAutomate)
			}
			r.Get("/resources", s.handleResources)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed")
	})
	return r
}

// caller returns the authenticated identity, or "" when auth is disabled.
func caller(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.ID
	}
	return ""
}
