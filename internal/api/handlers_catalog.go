// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/barrierd/internal/emulator"
	"github.com/ManuGH/barrierd/internal/store"
)

type toggleResponse struct {
	ID     string       `json:"id"`
	Status store.Status `json:"status"`
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.deps.Catalog.ListEnvironments(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if envs == nil {
		envs = []store.Entity{}
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var in emulator.EnvironmentInput
	if err := decodeJSON(r, w, &in); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	e, err := s.deps.Catalog.CreateEnvironment(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleToggleEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.deps.Catalog.ToggleEnvironment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{ID: id, Status: st})
}

func (s *Server) handleListEmulators(w http.ResponseWriter, r *http.Request) {
	emus, err := s.deps.Catalog.ListEmulators(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if emus == nil {
		emus = []store.Entity{}
	}
	writeJSON(w, http.StatusOK, emus)
}

func (s *Server) handleCreateEmulator(w http.ResponseWriter, r *http.Request) {
	var in emulator.EmulatorInput
	if err := decodeJSON(r, w, &in); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	e, err := s.deps.Catalog.CreateEmulator(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleRunEmulator starts a stopped emulator or stops a running one.
func (s *Server) handleRunEmulator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.deps.Catalog.ToggleEmulator(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{ID: id, Status: st})
}
