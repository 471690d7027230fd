// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ManuGH/barrierd/internal/config"
	"github.com/ManuGH/barrierd/internal/log"
)

// PerformStartupChecks validates the environment before the daemon starts.
// Missing relay or emulator tooling is reported but not fatal.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if cfg.DataDir != "" {
		if err := checkDataDir(logger, cfg.DataDir); err != nil {
			return fmt.Errorf("data directory check failed: %w", err)
		}
	}

	if err := checkListenAddr("api.listenAddr", cfg.API.ListenAddr); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		if err := checkListenAddr("metrics.listenAddr", cfg.Metrics.ListenAddr); err != nil {
			return err
		}
	}

	if cfg.RustDesk.Path != "" {
		info, err := os.Stat(cfg.RustDesk.Path)
		if err != nil {
			return fmt.Errorf("rustdesk.path: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("rustdesk.path is not a directory: %s", cfg.RustDesk.Path)
		}
	}

	for _, bin := range []string{cfg.RustDesk.DirectoryBin, cfg.RustDesk.RelayBin, cfg.Emulator.Binary, cfg.Emulator.ADBBinary} {
		if _, err := exec.LookPath(bin); err != nil {
			logger.Warn().Str(log.FieldBinary, bin).Msg("binary not found; features that launch it will fail")
		}
	}

	if len(cfg.Auth.Tokens) == 0 {
		logger.Warn().Msg("no API tokens configured; callers are trusted by their claimed device id")
	}

	logger.Info().Msg("startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return err
	}
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str(log.FieldPath, path).Msg("data directory is writable")
	return nil
}

func checkListenAddr(field, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid %s port %q", field, port)
	}
	return nil
}
