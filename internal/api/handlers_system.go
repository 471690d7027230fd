// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"strings"

	"github.com/ManuGH/barrierd/internal/admission"
	"github.com/ManuGH/barrierd/internal/resource"
)

type automateRequest struct {
	Text string `json:"text"`
	// DeviceID identifies the caller when authentication is disabled.
	DeviceID string `json:"device_id"`
}

type resourcesResponse struct {
	Host  *resource.HostSample `json:"host,omitempty"`
	Usage []admission.Usage    `json:"usage"`
}

func (s *Server) handleAutomate(w http.ResponseWriter, r *http.Request) {
	var req automateRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeProblem(w, r, http.StatusBadRequest, "invalid_input", "text is required")
		return
	}
	who := caller(r)
	if who == "" {
		who = strings.TrimSpace(req.DeviceID)
	}
	writeJSON(w, http.StatusOK, s.deps.Automation.Handle(r.Context(), who, req.Text))
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	resp := resourcesResponse{Usage: []admission.Usage{}}
	if s.deps.Host != nil {
		if h, ok := s.deps.Host(); ok {
			resp.Host = &h
		}
	}
	if s.deps.Catalog != nil {
		usage, err := s.deps.Catalog.Usage(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Usage = usage
	}
	writeJSON(w, http.StatusOK, resp)
}
