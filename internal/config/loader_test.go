// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := NewLoader("", "v-test").Load()
	require.NoError(t, err)

	assert.Equal(t, "v-test", cfg.Version)
	assert.Equal(t, DefaultMemoryBudgetMB, cfg.Limits.MemoryBudgetMB)
	assert.Equal(t, DefaultStopGrace, cfg.Limits.StopGrace)
	assert.Equal(t, 0.8, cfg.Monitor.MemoryWarnRatio)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dataDir: /var/lib/barrierd
limits:
  memoryBudgetMB: 8192
  stopGrace: 2s
monitor:
  interval: 10s
auth:
  tokens:
    secret-a: device-a
signaling:
  iceServers:
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: p
`)
	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/barrierd", cfg.DataDir)
	assert.Equal(t, 8192, cfg.Limits.MemoryBudgetMB)
	assert.Equal(t, 2*time.Second, cfg.Limits.StopGrace)
	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, map[string]string{"secret-a": "device-a"}, cfg.Auth.Tokens)
	require.Len(t, cfg.Signaling.ICEServers, 1)
	assert.Equal(t, "turn:turn.example.com:3478", cfg.Signaling.ICEServers[0].URLs[0])
	// untouched sections keep defaults
	assert.Equal(t, 70.0, cfg.Limits.SoftCPUPercent)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "limits:\n  memoryBudgetMB: 8192\n")
	t.Setenv("BARRIER_MEMORY_BUDGET_MB", "1024")
	t.Setenv("BARRIER_API_TOKENS", "tok1:dev1, tok2:dev2,broken")

	l := NewLoader(path, "")
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Limits.MemoryBudgetMB)
	if diff := cmp.Diff(map[string]string{"tok1": "dev1", "tok2": "dev2"}, cfg.Auth.Tokens); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, l.ConsumedEnvKeys, "BARRIER_MEMORY_BUDGET_MB")
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "limits:\n  memoryBudgetGB: 4\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownConfigField)
}

func TestLoadRejectsNonYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "dataDir: a\n---\ndataDir: b\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.API.ListenAddr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"zero budget", func(c *AppConfig) { c.Limits.MemoryBudgetMB = 0 }},
		{"tiny grace", func(c *AppConfig) { c.Limits.StopGrace = time.Millisecond }},
		{"warn ratio above one", func(c *AppConfig) { c.Monitor.MemoryWarnRatio = 1.5 }},
		{"ice server without urls", func(c *AppConfig) { c.Signaling.ICEServers = []ICEServerConfig{{}} }},
		{"bad exporter", func(c *AppConfig) { c.Telemetry.ExporterType = "zipkin" }},
		{"metrics without addr", func(c *AppConfig) { c.Metrics.ListenAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	assert.NoError(t, Validate(Defaults()))
}

func TestLoadIsDeterministic(t *testing.T) {
	path := writeConfig(t, `
auth:
  tokens:
    tok1: dev1
signaling:
  iceServers:
    - urls: ["stun:stun.l.google.com:19302"]
`)
	first, err := NewLoader(path, "v1").Load()
	require.NoError(t, err)
	second, err := NewLoader(path, "v1").Load()
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("two loads of the same file differ (-first +second):\n%s", diff)
	}
	assert.Empty(t, ChangedSections(first, second))
}
