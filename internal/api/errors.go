// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ManuGH/barrierd/internal/admission"
	"github.com/ManuGH/barrierd/internal/auth"
	"github.com/ManuGH/barrierd/internal/emulator"
	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/session"
	"github.com/ManuGH/barrierd/internal/store"
	"github.com/ManuGH/barrierd/internal/supervisor"
)

const maxBodyBytes = 64 << 10

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	if status >= http.StatusInternalServerError {
		log.WithComponentFromContext(r.Context(), "api").Error().
			Str(log.FieldEvent, "api.error").
			Int("status", status).
			Str("detail", detail).
			Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: code, Detail: detail})
}

// classify maps a domain error to its HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, admission.ErrInsufficientResources):
		return http.StatusConflict, "insufficient_resources"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrClosed):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, emulator.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, emulator.ErrUnsupportedPlatform):
		return http.StatusBadRequest, "unsupported_platform"
	case errors.Is(err, session.ErrCredentialSpace):
		return http.StatusServiceUnavailable, "credential_space_exhausted"
	case errors.Is(err, supervisor.ErrBinaryNotFound):
		return http.StatusInternalServerError, "binary_not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError writes err classified by its sentinel.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	writeProblem(w, r, status, code, err.Error())
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, status int, err error) {
	code := "unauthorized"
	switch {
	case errors.Is(err, auth.ErrForbidden):
		code = "forbidden"
		s.audit.AuthFailure(r.Context(), r.RemoteAddr, r.URL.Path, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		s.audit.AuthMissing(r.Context(), r.RemoteAddr, r.URL.Path)
	}
	writeProblem(w, r, status, code, err.Error())
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, w http.ResponseWriter, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
