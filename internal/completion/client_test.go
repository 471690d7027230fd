// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = Allowlist{CIDRs: []string{"127.0.0.1/32", "::1/128"}}

type backend struct {
	*httptest.Server
	probes    atomic.Int32
	generates atomic.Int32
	healthy   atomic.Bool
	broken    atomic.Bool
	prompts   chan generateRequest
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{prompts: make(chan generateRequest, 16)}
	b.healthy.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		b.probes.Add(1)
		if !b.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		b.generates.Add(1)
		if b.broken.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(generateResponse{Error: "model crashed"})
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.prompts <- req
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "  the lights are off\n"})
	})
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func TestCompleteDisabled(t *testing.T) {
	c := New(Config{})
	assert.False(t, c.Enabled())
	_, err := c.Complete(context.Background(), "hello")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCompleteInitializesOnce(t *testing.T) {
	b := newBackend(t)
	c := New(Config{Endpoint: b.URL + "/", Model: "llama3", Allowlist: loopback})
	require.False(t, c.Ready())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.Complete(context.Background(), "turn everything off")
			assert.NoError(t, err)
			assert.Equal(t, "the lights are off", out)
		}()
	}
	wg.Wait()

	assert.True(t, c.Ready())
	assert.Equal(t, int32(1), b.probes.Load())
	req := <-b.prompts
	assert.Equal(t, "llama3", req.Model)
	assert.False(t, req.Stream)
}

func TestCompleteRetriesFailedInit(t *testing.T) {
	b := newBackend(t)
	b.healthy.Store(false)
	c := New(Config{Endpoint: b.URL, Allowlist: loopback})

	_, err := c.Complete(context.Background(), "hi")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, c.Ready())

	b.healthy.Store(true)
	_, err = c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.probes.Load())
}

func TestCompleteRejectsLoopbackWithoutAllowlist(t *testing.T) {
	b := newBackend(t)
	c := New(Config{Endpoint: b.URL})

	_, err := c.Complete(context.Background(), "hi")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, b.probes.Load())
}

func TestValidateEndpoint(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		raw   string
		allow Allowlist
		want  string
		err   bool
	}{
		{name: "loopback allowed", raw: "http://127.0.0.1:11434/", allow: loopback, want: "http://127.0.0.1:11434"},
		{name: "ipv6 loopback", raw: "http://[::1]:11434", allow: loopback, want: "http://[::1]:11434"},
		{name: "upper-case scheme", raw: "HTTP://127.0.0.1:8080/v1", allow: loopback, want: "http://127.0.0.1:8080/v1"},
		{name: "loopback not listed", raw: "http://127.0.0.1:11434", err: true},
		{name: "named host cannot bypass restricted address", raw: "http://127.0.0.1", allow: Allowlist{Hosts: []string{"127.0.0.1"}}, err: true},
		{name: "public address by network", raw: "https://203.0.113.7", allow: Allowlist{CIDRs: []string{"203.0.113.0/24"}}, want: "https://203.0.113.7"},
		{name: "public address by name", raw: "https://203.0.113.7", allow: Allowlist{Hosts: []string{"203.0.113.7"}}, want: "https://203.0.113.7"},
		{name: "public address not listed", raw: "https://203.0.113.7", err: true},
		{name: "bad scheme", raw: "ftp://127.0.0.1", allow: loopback, err: true},
		{name: "userinfo", raw: "http://u:p@127.0.0.1", allow: loopback, err: true},
		{name: "fragment", raw: "http://127.0.0.1/#x", allow: loopback, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateEndpoint(ctx, tt.raw, tt.allow, nil)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	got, err := normalizeHost("Bücher.Example.")
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", got)

	got, err = normalizeHost("[::1]")
	require.NoError(t, err)
	assert.Equal(t, "::1", got)

	_, err = normalizeHost("user@host")
	require.Error(t, err)
}

func TestCompleteBreakerStopsCallingBrokenBackend(t *testing.T) {
	b := newBackend(t)
	c := New(Config{Endpoint: b.URL, Allowlist: loopback, BreakerThreshold: 2, BreakerReset: time.Hour})

	_, err := c.Complete(context.Background(), "warm up")
	require.NoError(t, err)
	<-b.prompts

	b.broken.Store(true)
	for i := 0; i < 2; i++ {
		_, err = c.Complete(context.Background(), "hi")
		require.ErrorContains(t, err, "status 500")
	}

	_, err = c.Complete(context.Background(), "hi")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), b.generates.Load())
}
