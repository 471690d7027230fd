// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/barrierd/internal/store"
	"github.com/ManuGH/barrierd/internal/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body = strings.ReplaceAll(body, "$DATA", filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.String()+"\n", out)
}

func TestCheckCommand(t *testing.T) {
	t.Setenv("BARRIER_CONFIG", "")

	t.Run("valid file", func(t *testing.T) {
		path := writeConfig(t, "dataDir: $DATA\napi:\n  listenAddr: 127.0.0.1:0\n")
		out, err := execute(t, "check", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "is valid")
		assert.Contains(t, out, path)
	})

	t.Run("dump omits tokens", func(t *testing.T) {
		path := writeConfig(t, "dataDir: $DATA\nauth:\n  tokens:\n    s3cret: dev-1\n")
		out, err := execute(t, "check", "-c", path, "--dump")
		require.NoError(t, err)
		assert.Contains(t, out, "memoryBudgetMB: 4096")
		assert.NotContains(t, out, "s3cret")
	})

	t.Run("dump to file", func(t *testing.T) {
		path := writeConfig(t, "dataDir: $DATA\nauth:\n  tokens:\n    s3cret: dev-1\n")
		target := filepath.Join(filepath.Dir(path), "effective.yaml")
		_, err := execute(t, "check", "-c", path, "--dump", "-o", target)
		require.NoError(t, err)

		body, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Contains(t, string(body), "memoryBudgetMB")
		assert.NotContains(t, string(body), "s3cret")
		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeConfig(t, "dataDir: $DATA\nbogus: true\n")
		_, err := execute(t, "check", "--config", path)
		require.ErrorContains(t, err, "configuration error")
	})

	t.Run("verify db", func(t *testing.T) {
		path := writeConfig(t, "dataDir: $DATA\n")
		dataDir := filepath.Join(filepath.Dir(path), "data")
		st, err := store.Open(context.Background(), dataDir)
		require.NoError(t, err)
		require.NoError(t, st.Close())

		out, err := execute(t, "check", "-c", path, "--verify-db", "full")
		require.NoError(t, err)
		assert.Contains(t, out, "passed full check")

		_, err = execute(t, "check", "-c", path, "--verify-db", "deep")
		require.ErrorContains(t, err, "integrity check mode")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "check", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestHealthcheckCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	out, err := execute(t, "healthcheck", "--addr", addr, "--mode", "live")
	require.NoError(t, err)
	assert.Contains(t, out, "healthcheck successful (live)")

	_, err = execute(t, "healthcheck", "--addr", addr)
	require.ErrorContains(t, err, "503")
}
