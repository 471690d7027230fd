// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Principal is the authenticated identity of a caller.
type Principal struct {
	// ID is the caller's device identity (did). When no identity is
	// configured for a token it is derived from the token hash.
	ID string

	// Token is kept for comparison only and never logged.
	Token string
}

// NewPrincipal creates a Principal from a token and optional configured identity.
func NewPrincipal(token, id string) *Principal {
	if id == "" {
		hash := sha256.Sum256([]byte(token))
		id = "t_" + hex.EncodeToString(hash[:])[:16]
	}
	return &Principal{ID: id, Token: token}
}

type principalKey struct{}

// ContextWithPrincipal stores p in ctx.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by the middleware, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
