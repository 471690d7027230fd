// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"errors"
	"net/http"
	"sync/atomic"
)

var (
	// ErrUnauthenticated means no credential was presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the credential does not map to the claimed identity.
	ErrForbidden = errors.New("forbidden")
)

// Verifier resolves tokens to identities. With no tokens configured it runs
// open: every caller is accepted under the identity it claims.
type Verifier struct {
	tokens atomic.Pointer[map[string]string]
}

// NewVerifier builds a verifier from a token -> identity map.
func NewVerifier(tokens map[string]string) *Verifier {
	v := &Verifier{}
	v.SetTokens(tokens)
	return v
}

// SetTokens replaces the token table.
func (v *Verifier) SetTokens(tokens map[string]string) {
	cp := make(map[string]string, len(tokens))
	for k, id := range tokens {
		cp[k] = id
	}
	v.tokens.Store(&cp)
}

// Enabled reports whether tokens are enforced.
func (v *Verifier) Enabled() bool {
	return v != nil && len(*v.tokens.Load()) > 0
}

// Identify returns the principal for token.
func (v *Verifier) Identify(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	var match *Principal
	// Every entry is compared so the scan time does not depend on the match position.
	for expected, id := range *v.tokens.Load() {
		if AuthorizeToken(token, expected) && match == nil {
			match = NewPrincipal(token, id)
		}
	}
	if match == nil {
		return nil, ErrForbidden
	}
	return match, nil
}

// Authenticate binds a claimed identity. When tokens are enforced the token
// must resolve to claimed (or claimed must be empty, in which case the token's
// identity is used).
func (v *Verifier) Authenticate(token, claimed string) (*Principal, error) {
	if !v.Enabled() {
		if claimed == "" {
			return nil, ErrUnauthenticated
		}
		return &Principal{ID: claimed}, nil
	}
	p, err := v.Identify(token)
	if err != nil {
		return nil, err
	}
	if claimed != "" && claimed != p.ID {
		return nil, ErrForbidden
	}
	return p, nil
}

// Middleware rejects requests without a valid token when tokens are enforced.
// onError writes the rejection.
func (v *Verifier) Middleware(onError func(http.ResponseWriter, *http.Request, int, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			p, err := v.Identify(ExtractToken(r, false))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrForbidden) {
					status = http.StatusForbidden
				}
				onError(w, r, status, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}
