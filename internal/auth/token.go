// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package auth maps bearer tokens to caller identities.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ManuGH/barrierd/internal/log"
)

// SessionCookie is the cookie consulted after the Authorization header.
const SessionCookie = "barrier_session"

// ExtractToken retrieves the API token from the request.
// 1. Authorization: Bearer <token>
// 2. Cookie: barrier_session
// 3. Header: X-API-Token
// 4. Query: ?token= (if allowed; browsers cannot set headers on websocket upgrades)
func ExtractToken(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if t := r.Header.Get("X-API-Token"); t != "" {
		return t
	}
	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			log.L().Debug().
				Str(log.FieldPath, r.URL.Path).
				Str(log.FieldRemoteAddr, r.RemoteAddr).
				Msg("token taken from query parameter")
			return t
		}
	}
	return ""
}

// AuthorizeToken returns true if got matches expected using constant-time comparison.
// Empty tokens are always treated as unauthorized.
func AuthorizeToken(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
