// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks cross-field constraints. All failures are reported together.
func Validate(cfg AppConfig) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.API.ListenAddr == "" {
		fail("api.listenAddr must not be empty")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		fail("metrics.listenAddr must be set when metrics are enabled")
	}
	if cfg.API.RateLimit < 0 {
		fail("api.rateLimit must be >= 0 (got %d)", cfg.API.RateLimit)
	}
	if cfg.Limits.MemoryBudgetMB <= 0 {
		fail("limits.memoryBudgetMB must be > 0 (got %d)", cfg.Limits.MemoryBudgetMB)
	}
	if cfg.Limits.SoftCPUPercent <= 0 || cfg.Limits.HardCPUPercent <= 0 {
		fail("limits cpu thresholds must be > 0")
	}
	if cfg.Limits.StopGrace < 100*time.Millisecond {
		fail("limits.stopGrace must be >= 100ms (got %s)", cfg.Limits.StopGrace)
	}
	if cfg.Limits.SampleHistory <= 0 {
		fail("limits.sampleHistory must be > 0")
	}
	if cfg.Monitor.Interval <= 0 || cfg.Monitor.HostInterval <= 0 {
		fail("monitor intervals must be > 0")
	}
	if cfg.Monitor.MemoryWarnRatio <= 0 || cfg.Monitor.MemoryWarnRatio > 1 {
		fail("monitor.memoryWarnRatio must be in (0,1] (got %v)", cfg.Monitor.MemoryWarnRatio)
	}
	if cfg.Signaling.OutboundQueue <= 0 {
		fail("signaling.outboundQueue must be > 0")
	}
	if cfg.Signaling.FrameRate <= 0 || cfg.Signaling.FrameBurst <= 0 {
		fail("signaling frame rate and burst must be > 0")
	}
	for i, s := range cfg.Signaling.ICEServers {
		if len(s.URLs) == 0 {
			fail("signaling.iceServers[%d] has no urls", i)
		}
	}
	if cfg.RustDesk.DirectoryBin == "" || cfg.RustDesk.RelayBin == "" {
		fail("rustdesk binaries must be named")
	}
	switch cfg.Telemetry.ExporterType {
	case "grpc", "http":
	default:
		fail("telemetry.exporterType must be grpc or http (got %q)", cfg.Telemetry.ExporterType)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
