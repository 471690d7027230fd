// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/session"
)

type generateRequest struct {
	DeviceID string `json:"device_id"`
}

type connectResponse struct {
	Connected  bool   `json:"connected"`
	RustDeskID string `json:"rustdesk_id"`
	URI        string `json:"uri"`
	Detail     string `json:"detail"`
}

type stopResponse struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// connectURI is the link a RustDesk client opens to join the relay.
func connectURI(v session.View) string {
	u := url.URL{Scheme: "rustdesk", Host: "connection", Path: "/new/" + v.RustDeskID}
	if v.Password != "" {
		u.RawQuery = url.Values{"password": {v.Password}}.Encode()
	}
	return u.String()
}

// handleGenerate starts a relay session for the caller's device. An
// authenticated caller may only generate for its own identity.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	device := strings.TrimSpace(req.DeviceID)
	if id := caller(r); id != "" {
		if device != "" && device != id {
			s.audit.Forbidden(r.Context(), id, r.RemoteAddr, device)
			writeProblem(w, r, http.StatusForbidden, "forbidden", "device_id does not match the authenticated identity")
			return
		}
		device = id
	}
	if device == "" {
		writeProblem(w, r, http.StatusBadRequest, "invalid_input", "device_id is required")
		return
	}

	view, err := s.deps.Sessions.Generate(r.Context(), device)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.WithComponentFromContext(r.Context(), "api").Info().
		Str(log.FieldEvent, "rustdesk.generated").
		Str(log.FieldSessionID, view.ID).
		Str(log.FieldDeviceID, device).
		Msg("relay session generated")
	s.audit.CredentialIssued(r.Context(), caller(r), device, view.ID, view.RustDeskID)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Sessions.Status(r.Context(), chi.URLParam(r, "device_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := strings.ToUpper(chi.URLParam(r, "rustdesk_id"))
	if !session.ValidRustDeskID(id) {
		writeProblem(w, r, http.StatusBadRequest, "invalid_input", "malformed rustdesk id")
		return
	}
	view, ok := s.deps.Sessions.LookupCredential(id)
	s.audit.CredentialDisclosed(r.Context(), caller(r), r.RemoteAddr, id, ok)
	if !ok {
		writeProblem(w, r, http.StatusNotFound, "not_found", "no active session for "+id)
		return
	}
	uri := connectURI(view)
	writeJSON(w, http.StatusOK, connectResponse{
		Connected:  true,
		RustDeskID: id,
		URI:        uri,
		Detail:     fmt.Sprintf("Connected to %s; use %s", id, uri),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.deps.Sessions.Stop(r.Context(), id); err != nil {
		status, _ := classify(err)
		s.audit.SessionStopped(r.Context(), caller(r), id, status)
		writeError(w, r, err)
		return
	}
	s.audit.SessionStopped(r.Context(), caller(r), id, http.StatusOK)
	writeJSON(w, http.StatusOK, stopResponse{Message: "Session stopped", Detail: "RustDesk cleaned up"})
}
