// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		setup      func(r *http.Request)
		allowQuery bool
		want       string
	}{
		{
			name: "bearer wins over everything",
			url:  "/ws?token=query",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer bearer-token ")
				r.Header.Set("X-API-Token", "header-token")
				r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "cookie-token"})
			},
			allowQuery: true,
			want:       "bearer-token",
		},
		{
			name: "cookie before header",
			url:  "/ws",
			setup: func(r *http.Request) {
				r.Header.Set("X-API-Token", "header-token")
				r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "cookie-token"})
			},
			want: "cookie-token",
		},
		{
			name:  "non-bearer authorization ignored",
			url:   "/ws",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic Zm9vOmJhcg==") },
			want:  "",
		},
		{name: "query refused", url: "/ws?token=query-token", want: ""},
		{name: "query allowed", url: "/ws?token=query-token", allowQuery: true, want: "query-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://barrier.local"+tt.url, nil)
			if tt.setup != nil {
				tt.setup(r)
			}
			assert.Equal(t, tt.want, ExtractToken(r, tt.allowQuery))
		})
	}
}

func TestAuthorizeToken(t *testing.T) {
	assert.True(t, AuthorizeToken("secret", "secret"))
	assert.False(t, AuthorizeToken("secret", "other"))
	assert.False(t, AuthorizeToken("", "secret"), "empty presented token")
	assert.False(t, AuthorizeToken("secret", "  "), "blank configured token")
}
