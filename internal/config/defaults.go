// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

const (
	DefaultListenAddr     = ":8088"
	DefaultMemoryBudgetMB = 4096
	DefaultMonitorPeriod  = 30 * time.Second
	DefaultStopGrace      = 5 * time.Second
)

// Defaults returns the baseline configuration before file and environment overrides.
func Defaults() AppConfig {
	return AppConfig{
		DataDir: "data",
		API: APIConfig{
			ListenAddr:      DefaultListenAddr,
			ReadTimeout:     60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       300,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9108",
		},
		Log: LogConfig{Level: "info"},
		Signaling: SignalingConfig{
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			OutboundQueue:   64,
			FrameRate:       50,
			FrameBurst:      100,
			MaxMessageBytes: 64 << 10,
			PingInterval:    25 * time.Second,
		},
		RustDesk: RustDeskConfig{
			Key:           "_",
			DirectoryBin:  "hbbs",
			RelayBin:      "hbbr",
			DirectoryPort: "21115-21117",
			RelayPort:     "21116-21119",
		},
		Emulator: EmulatorConfig{
			Binary:      "emulator",
			ADBBinary:   "adb",
			ForwardPort: 21115,
		},
		Limits: LimitsConfig{
			MemoryBudgetMB: DefaultMemoryBudgetMB,
			SoftCPUPercent: 70,
			SoftRSSMB:      500,
			HardCPUPercent: 70,
			StopGrace:      DefaultStopGrace,
			SampleHistory:  10,
		},
		Monitor: MonitorConfig{
			Interval:        DefaultMonitorPeriod,
			HostInterval:    DefaultMonitorPeriod,
			MemoryWarnRatio: 0.8,
		},
		Completion: CompletionConfig{
			Model:        "llama3",
			Timeout:      60 * time.Second,
			AllowedCIDRs: []string{"127.0.0.1/32", "::1/128"},
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "barrierd",
			ExporterType: "grpc",
			SamplingRate: 1.0,
		},
	}
}
