// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // Mechanical tracking of consumed keys
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the file the loader reads, or "" for environment-only configuration.
func (l *Loader) Path() string { return l.configPath }

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envList(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseStringList(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults,
// then validates the result.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadFile decodes the YAML file on top of cfg, rejecting unknown keys.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.DataDir = l.envString("BARRIER_DATA_DIR", cfg.DataDir)

	cfg.API.ListenAddr = l.envString("BARRIER_LISTEN", cfg.API.ListenAddr)
	cfg.API.ShutdownTimeout = l.envDuration("BARRIER_SHUTDOWN_TIMEOUT", cfg.API.ShutdownTimeout)
	cfg.API.RateLimit = l.envInt("BARRIER_RATE_LIMIT", cfg.API.RateLimit)
	cfg.API.AllowedOrigins = l.envList("BARRIER_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)

	cfg.Metrics.Enabled = l.envBool("BARRIER_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.ListenAddr = l.envString("BARRIER_METRICS_LISTEN", cfg.Metrics.ListenAddr)

	cfg.Log.Level = l.envString("BARRIER_LOG_LEVEL", cfg.Log.Level)

	l.ConsumedEnvKeys["BARRIER_API_TOKENS"] = struct{}{}
	cfg.Auth.Tokens = ParseTokenMap("BARRIER_API_TOKENS", cfg.Auth.Tokens)

	cfg.RustDesk.Path = l.envString("BARRIER_RUSTDESK_PATH", cfg.RustDesk.Path)
	cfg.RustDesk.Key = l.envString("BARRIER_RUSTDESK_KEY", cfg.RustDesk.Key)

	cfg.Emulator.Binary = l.envString("BARRIER_EMULATOR_BIN", cfg.Emulator.Binary)
	cfg.Emulator.ADBBinary = l.envString("BARRIER_ADB_BIN", cfg.Emulator.ADBBinary)

	cfg.Limits.MemoryBudgetMB = l.envInt("BARRIER_MEMORY_BUDGET_MB", cfg.Limits.MemoryBudgetMB)
	cfg.Limits.SoftCPUPercent = l.envFloat("BARRIER_SOFT_CPU_PERCENT", cfg.Limits.SoftCPUPercent)
	cfg.Limits.SoftRSSMB = l.envFloat("BARRIER_SOFT_RSS_MB", cfg.Limits.SoftRSSMB)
	cfg.Limits.HardCPUPercent = l.envFloat("BARRIER_HARD_CPU_PERCENT", cfg.Limits.HardCPUPercent)
	cfg.Limits.StopGrace = l.envDuration("BARRIER_STOP_GRACE", cfg.Limits.StopGrace)

	cfg.Monitor.Interval = l.envDuration("BARRIER_MONITOR_INTERVAL", cfg.Monitor.Interval)
	cfg.Monitor.HostInterval = l.envDuration("BARRIER_HOST_MONITOR_INTERVAL", cfg.Monitor.HostInterval)
	cfg.Monitor.MemoryWarnRatio = l.envFloat("BARRIER_MEMORY_WARN_RATIO", cfg.Monitor.MemoryWarnRatio)

	cfg.Completion.Endpoint = l.envString("BARRIER_COMPLETION_ENDPOINT", cfg.Completion.Endpoint)
	cfg.Completion.Model = l.envString("BARRIER_COMPLETION_MODEL", cfg.Completion.Model)
	cfg.Completion.AllowedHosts = l.envList("BARRIER_COMPLETION_ALLOWED_HOSTS", cfg.Completion.AllowedHosts)

	cfg.Telemetry.Enabled = l.envBool("BARRIER_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = l.envString("BARRIER_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.ExporterType = l.envString("BARRIER_OTLP_EXPORTER", cfg.Telemetry.ExporterType)
}
