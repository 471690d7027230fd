package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transportOf(t *testing.T, c *http.Client) *http.Transport {
	t.Helper()
	tr, ok := c.Transport.(*http.Transport)
	require.Truef(t, ok, "transport type = %T", c.Transport)
	return tr
}

func TestClientTimeouts(t *testing.T) {
	tests := []struct {
		name        string
		client      *http.Client
		wantTotal   time.Duration
		wantTLS     time.Duration
		wantHeaders time.Duration
	}{
		{"probe default", NewClient(0), defaultClientTimeout, defaultDialTimeout, defaultResponseHeaderTimeout},
		{"probe capped", NewClient(10 * time.Second), 10 * time.Second, defaultDialTimeout, defaultResponseHeaderTimeout},
		{"probe short", NewClient(1500 * time.Millisecond), 1500 * time.Millisecond, 1500 * time.Millisecond, 1500 * time.Millisecond},
		{"upstream slow headers", NewUpstreamClient(45 * time.Second), 45 * time.Second, defaultDialTimeout, 45 * time.Second},
		{"upstream default", NewUpstreamClient(-1), defaultClientTimeout, defaultDialTimeout, defaultClientTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := transportOf(t, tt.client)
			assert.Equal(t, tt.wantTotal, tt.client.Timeout)
			assert.Equal(t, tt.wantTLS, tr.TLSHandshakeTimeout)
			assert.Equal(t, tt.wantHeaders, tr.ResponseHeaderTimeout)
		})
	}
}

func TestClientPoolLimits(t *testing.T) {
	tr := transportOf(t, NewClient(0))
	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, defaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.NotNil(t, tr.Proxy)
}

func TestClientGivesUpOnSlowHeaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = NewClient(100 * time.Millisecond).Do(req)
	assert.Error(t, err)
}
