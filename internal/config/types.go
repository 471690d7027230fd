// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration from YAML, environment and defaults.
package config

import "time"

// AppConfig is the fully resolved daemon configuration.
type AppConfig struct {
	Version string `yaml:"-"`
	DataDir string `yaml:"dataDir"`

	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
	Auth       AuthConfig       `yaml:"auth"`
	Signaling  SignalingConfig  `yaml:"signaling"`
	RustDesk   RustDeskConfig   `yaml:"rustdesk"`
	Emulator   EmulatorConfig   `yaml:"emulator"`
	Limits     LimitsConfig     `yaml:"limits"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Completion CompletionConfig `yaml:"completion"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit is the number of requests allowed per client IP per minute. 0 disables limiting.
	RateLimit      int      `yaml:"rateLimit"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// AuthConfig maps bearer tokens to caller identities.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// ICEServerConfig is one STUN/TURN server advertised to joining peers.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// SignalingConfig tunes the websocket relay.
type SignalingConfig struct {
	ICEServers      []ICEServerConfig `yaml:"iceServers"`
	OutboundQueue   int               `yaml:"outboundQueue"`
	FrameRate       float64           `yaml:"frameRate"`
	FrameBurst      int               `yaml:"frameBurst"`
	MaxMessageBytes int64             `yaml:"maxMessageBytes"`
	PingInterval    time.Duration     `yaml:"pingInterval"`
}

// RustDeskConfig locates the relay binaries and their launch parameters.
type RustDeskConfig struct {
	Path          string `yaml:"path"`
	Key           string `yaml:"key"`
	DirectoryBin  string `yaml:"directoryBin"`
	RelayBin      string `yaml:"relayBin"`
	DirectoryPort string `yaml:"directoryPort"`
	RelayPort     string `yaml:"relayPort"`
}

// EmulatorConfig locates the device emulator tooling.
type EmulatorConfig struct {
	Binary      string `yaml:"binary"`
	ADBBinary   string `yaml:"adbBinary"`
	ForwardPort int    `yaml:"forwardPort"`
}

// LimitsConfig holds the admission budget and supervision thresholds.
type LimitsConfig struct {
	MemoryBudgetMB int           `yaml:"memoryBudgetMB"`
	SoftCPUPercent float64       `yaml:"softCPUPercent"`
	SoftRSSMB      float64       `yaml:"softRSSMB"`
	HardCPUPercent float64       `yaml:"hardCPUPercent"`
	StopGrace      time.Duration `yaml:"stopGrace"`
	SampleHistory  int           `yaml:"sampleHistory"`
}

// MonitorConfig sets the sampling cadence.
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	HostInterval    time.Duration `yaml:"hostInterval"`
	MemoryWarnRatio float64       `yaml:"memoryWarnRatio"`
}

// CompletionConfig points at the text-completion backend.
type CompletionConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	// AllowedHosts and AllowedCIDRs gate the endpoint. Loopback and
	// link-local addresses need an explicit CIDR entry.
	AllowedHosts []string `yaml:"allowedHosts"`
	AllowedCIDRs []string `yaml:"allowedCIDRs"`
}

// TelemetryConfig mirrors telemetry.Config.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	ExporterType string  `yaml:"exporterType"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}
