// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindListenAddr(t *testing.T) {
	tests := []struct {
		listen, bind, want string
	}{
		{":8088", "", ":8088"},
		{":8088", "127.0.0.1", "127.0.0.1:8088"},
		{"", "127.0.0.1", "127.0.0.1:0"},
		{"10.0.0.5:8088", "127.0.0.1", "10.0.0.5:8088"},
		{":8088", "::1", "[::1]:8088"},
	}
	for _, tt := range tests {
		got, err := BindListenAddr(tt.listen, tt.bind)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "listen=%q bind=%q", tt.listen, tt.bind)
	}
}

func TestBindListenAddr_UnknownInterface(t *testing.T) {
	_, err := BindListenAddr(":8088", "if:barrier-missing0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "barrier-missing0")
}

func TestServerConfigFor(t *testing.T) {
	t.Setenv("BARRIER_BIND", "")
	sc, err := ServerConfigFor(Defaults())
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, sc.ListenAddr)

	t.Setenv("BARRIER_BIND", "127.0.0.1")
	cfg := AppConfig{}
	cfg.API.ListenAddr = ":9000"
	cfg.API.ReadTimeout = 7 * time.Second
	cfg.API.ShutdownTimeout = time.Second

	sc, err := ServerConfigFor(cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", sc.ListenAddr)
	assert.Equal(t, 7*time.Second, sc.ReadTimeout)
	assert.Equal(t, minShutdownTimeout, sc.ShutdownTimeout)
	assert.Equal(t, maxHeaderBytes, sc.MaxHeaderBytes)
}
