// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bootstrap is the production composition root: it loads the
// configuration and wires every component into a runnable container.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/barrierd/internal/admission"
	"github.com/ManuGH/barrierd/internal/api"
	"github.com/ManuGH/barrierd/internal/audit"
	"github.com/ManuGH/barrierd/internal/auth"
	"github.com/ManuGH/barrierd/internal/automation"
	"github.com/ManuGH/barrierd/internal/bus"
	"github.com/ManuGH/barrierd/internal/completion"
	"github.com/ManuGH/barrierd/internal/config"
	"github.com/ManuGH/barrierd/internal/daemon"
	"github.com/ManuGH/barrierd/internal/emulator"
	"github.com/ManuGH/barrierd/internal/health"
	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/resource"
	"github.com/ManuGH/barrierd/internal/session"
	"github.com/ManuGH/barrierd/internal/signaling"
	"github.com/ManuGH/barrierd/internal/store"
	"github.com/ManuGH/barrierd/internal/supervisor"
	"github.com/ManuGH/barrierd/internal/telemetry"
)

// procMount is where host and process statistics are read from.
const procMount = "/proc"

// Container is the production composition root output.
type Container struct {
	Config config.AppConfig
	Holder *config.Holder
	Logger zerolog.Logger

	Store      store.Store
	Bus        *bus.MemoryBus
	Monitor    *resource.Monitor
	Supervisor *supervisor.Supervisor
	Hub        *signaling.Hub
	Sessions   *session.Orchestrator
	Catalog    *emulator.Service
	Admission  *admission.Controller
	Completion *completion.Client
	Verifier   *auth.Verifier
	Audit      *audit.Logger
	Health     *health.Manager
	Telemetry  *telemetry.Provider
	Server     *api.Server
	Manager    daemon.Manager
	App        *daemon.App

	addrMu  sync.RWMutex
	apiAddr string
}

// WireServices loads the configuration and builds the production dependency
// graph. explicitConfigPath may be empty.
func WireServices(ctx context.Context, version, explicitConfigPath string) (*Container, error) {
	if ctx == nil {
		return nil, fmt.Errorf("wire services context is nil")
	}

	log.Configure(log.Config{Level: "info", Service: "barrierd", Version: version})
	logger := log.WithComponent("bootstrap")

	path, explicit, err := ResolveConfigPath(strings.TrimSpace(explicitConfigPath))
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	loader := config.NewLoader(path, version)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log.SetLevel(cfg.Log.Level)

	switch {
	case explicit:
		logger.Info().Str("event", "config.loaded").Str("source", "file").Str("path", path).Msg("loaded configuration from file")
	case path != "":
		logger.Info().Str("event", "config.loaded").Str("source", "file(auto)").Str("path", path).Msg("loaded configuration from file")
	default:
		logger.Info().Str("event", "config.loaded").Str("source", "env+defaults").Msg("loaded configuration from environment and defaults")
	}

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		return nil, fmt.Errorf("startup checks failed: %w", err)
	}

	return Build(ctx, cfg, config.NewHolder(cfg, loader))
}

// Build wires every component from cfg. holder may be nil when hot reload
// is not wanted.
func Build(ctx context.Context, cfg config.AppConfig, holder *config.Holder) (c *Container, err error) {
	logger := log.WithComponent("bootstrap")
	c = &Container{Config: cfg, Holder: holder, Logger: logger}

	// Release whatever was already opened when a later step fails.
	var cleanups []func(context.Context) error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			_ = cleanups[i](context.WithoutCancel(ctx))
		}
	}()

	c.Telemetry, err = telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	cleanups = append(cleanups, c.Telemetry.Shutdown)

	c.Store, err = store.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cleanups = append(cleanups, func(context.Context) error { return c.Store.Close() })

	sampler, err := resource.NewProcFS(procMount)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	c.Bus = bus.NewMemoryBus()
	c.Supervisor = supervisor.New(supervisor.Config{
		Interval:  cfg.Monitor.Interval,
		StopGrace: cfg.Limits.StopGrace,
		History:   cfg.Limits.SampleHistory,
		Limits:    limitsFor(cfg),
	}, supervisor.Deps{Sampler: sampler, Publisher: c.Bus})
	cleanups = append(cleanups, c.Supervisor.Close)

	c.Monitor = resource.NewMonitor(sampler, c.Bus, cfg.Monitor.HostInterval, cfg.Monitor.MemoryWarnRatio)
	c.Verifier = auth.NewVerifier(cfg.Auth.Tokens)
	c.Audit = audit.NewLogger()

	c.Hub = signaling.NewHub(signaling.Options{
		ICEServers:      iceServers(cfg.Signaling.ICEServers),
		OutboundQueue:   cfg.Signaling.OutboundQueue,
		FrameRate:       cfg.Signaling.FrameRate,
		FrameBurst:      cfg.Signaling.FrameBurst,
		MaxMessageBytes: cfg.Signaling.MaxMessageBytes,
		PingInterval:    cfg.Signaling.PingInterval,
		AllowedOrigins:  cfg.API.AllowedOrigins,
		Verifier:        c.Verifier,
	})

	c.Sessions = session.New(session.RelayConfig{
		Dir:            cfg.RustDesk.Path,
		Key:            cfg.RustDesk.Key,
		DirectoryBin:   cfg.RustDesk.DirectoryBin,
		RelayBin:       cfg.RustDesk.RelayBin,
		DirectoryPorts: cfg.RustDesk.DirectoryPort,
		RelayPorts:     cfg.RustDesk.RelayPort,
	}, session.Deps{
		Supervisor:  c.Supervisor,
		Broadcaster: c.Hub,
		Recorder:    c.Store,
	})
	c.Hub.SetListener(c.Sessions)

	budget := cfg.Limits.MemoryBudgetMB
	c.Admission = admission.New(c.Store, budget)
	c.Catalog = emulator.New(emulator.Config{
		BudgetMB:    budget,
		Binary:      cfg.Emulator.Binary,
		ADBBinary:   cfg.Emulator.ADBBinary,
		ForwardPort: cfg.Emulator.ForwardPort,
	}, emulator.Deps{
		Entities:   c.Store,
		Admission:  c.Admission,
		Supervisor: c.Supervisor,
	})
	if rerr := c.Catalog.Reconcile(ctx); rerr != nil {
		logger.Warn().Err(rerr).Str("event", "emulator.reconcile_failed").Msg("could not reconcile emulator status")
	}

	c.Completion = completion.New(completion.Config{
		Endpoint: cfg.Completion.Endpoint,
		Model:    cfg.Completion.Model,
		Timeout:  cfg.Completion.Timeout,
		Allowlist: completion.Allowlist{
			Hosts: cfg.Completion.AllowedHosts,
			CIDRs: cfg.Completion.AllowedCIDRs,
		},
	})
	router := automation.NewRouter(c.Completion, c.Hub, c.Sessions, cfg.Completion.Timeout)

	c.Health = health.NewManager(cfg.Version)
	registerChecks(c, cfg)

	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = cfg.Telemetry.ServiceName
	}
	c.Server = api.New(api.Config{
		AllowedOrigins: cfg.API.AllowedOrigins,
		RateLimit:      cfg.API.RateLimit,
		TracingService: tracingService,
	}, api.Deps{
		Sessions:   c.Sessions,
		Catalog:    c.Catalog,
		Automation: router,
		Signaling:  c.Hub,
		Health:     c.Health,
		Verifier:   c.Verifier,
		Host:       c.Monitor.Last,
		Audit:      c.Audit,
	})

	serverCfg, err := config.ServerConfigFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	metricsAddr := ""
	if cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.ListenAddr
	}

	c.Manager, err = daemon.NewManager(serverCfg, daemon.Deps{
		Logger:         logger,
		APIHandler:     c.Server.Handler(),
		MetricsHandler: promhttp.Handler(),
		MetricsAddr:    metricsAddr,
		OnListening: func(addr string) {
			c.addrMu.Lock()
			c.apiAddr = addr
			c.addrMu.Unlock()
			c.Health.MarkReady(true)
		},
		OnDrain: func() { c.Health.MarkReady(false) },
	})
	if err != nil {
		return nil, fmt.Errorf("create daemon manager: %w", err)
	}

	// Hooks run in reverse: connections first, the trace exporter last.
	c.Manager.RegisterShutdownHook("telemetry", c.Telemetry.Shutdown)
	c.Manager.RegisterShutdownHook("store", func(context.Context) error { return c.Store.Close() })
	c.Manager.RegisterShutdownHook("supervisor", c.Supervisor.Close)
	c.Manager.RegisterShutdownHook("sessions", func(ctx context.Context) error {
		c.Sessions.Shutdown(ctx)
		return nil
	})
	c.Manager.RegisterShutdownHook("signaling", c.Hub.Close)

	c.App = daemon.NewApp(logger, c.Manager, holder, c.Apply,
		daemon.Task{Name: "resource-monitor", Run: func(ctx context.Context) error {
			c.Monitor.Run(ctx)
			return nil
		}},
		daemon.Task{Name: "session-events", Run: func(ctx context.Context) error {
			return c.Sessions.Run(ctx, c.Bus)
		}},
	)

	logger.Info().
		Str("event", "startup").
		Str("version", cfg.Version).
		Str("addr", serverCfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Int("memory_budget_mb", budget).
		Bool("auth", c.Verifier.Enabled()).
		Bool("completion", c.Completion.Enabled()).
		Msg("barrierd wired")
	return c, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (c *Container) Run(ctx context.Context) error {
	if c == nil || c.App == nil {
		return errors.New("container is not fully initialized")
	}
	return c.App.Run(ctx)
}

// APIAddr is the bound API address, empty until the listener is up.
func (c *Container) APIAddr() string {
	c.addrMu.RLock()
	defer c.addrMu.RUnlock()
	return c.apiAddr
}

// Apply pushes the hot-reloadable settings of a new configuration into the
// running components. Listeners, binaries and budgets need a restart.
func (c *Container) Apply(cfg config.AppConfig) {
	log.SetLevel(cfg.Log.Level)
	c.Supervisor.SetLimits(limitsFor(cfg))
	c.Monitor.SetWarnRatio(cfg.Monitor.MemoryWarnRatio)
	c.Verifier.SetTokens(cfg.Auth.Tokens)
	if budget := cfg.Limits.MemoryBudgetMB; budget != c.Admission.BudgetMB() {
		c.Logger.Warn().
			Str("event", "config.restart_required").
			Int("memory_budget_mb", budget).
			Int("active_budget_mb", c.Admission.BudgetMB()).
			Msg("memory budget change takes effect after restart")
	}
	c.Audit.ConfigReload("system", "success", map[string]string{
		"log_level": cfg.Log.Level,
		"tokens":    strconv.Itoa(len(cfg.Auth.Tokens)),
	})
	c.Logger.Info().
		Str("event", "config.applied").
		Str("log_level", cfg.Log.Level).
		Float64("soft_cpu_percent", cfg.Limits.SoftCPUPercent).
		Float64("hard_cpu_percent", cfg.Limits.HardCPUPercent).
		Msg("applied reloaded configuration")
}

func limitsFor(cfg config.AppConfig) supervisor.Limits {
	return supervisor.Limits{
		SoftCPUPercent: cfg.Limits.SoftCPUPercent,
		SoftRSSMB:      cfg.Limits.SoftRSSMB,
		HardCPUPercent: cfg.Limits.HardCPUPercent,
	}
}

func iceServers(in []config.ICEServerConfig) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func registerChecks(c *Container, cfg config.AppConfig) {
	c.Health.RegisterChecker(health.NewFuncChecker("store", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := c.Store.ListEntities(ctx, store.KindEnvironment)
		return err
	}))
	c.Health.RegisterChecker(health.NewBinaryChecker("rustdesk", cfg.RustDesk.DirectoryBin, cfg.RustDesk.RelayBin))
	c.Health.RegisterChecker(health.NewBinaryChecker("emulator", cfg.Emulator.Binary, cfg.Emulator.ADBBinary))
	c.Health.RegisterChecker(health.NewHostChecker(c.Monitor.Last, cfg.Monitor.MemoryWarnRatio, 3*cfg.Monitor.HostInterval))
}

// ResolveConfigPath returns the configuration file to load. An explicit path
// must exist; otherwise BARRIER_CONFIG and then <dataDir>/config.yaml are
// tried, and an empty path means environment and defaults only.
func ResolveConfigPath(explicit string) (path string, explicitMode bool, err error) {
	if explicit == "" {
		explicit = strings.TrimSpace(config.ParseString("BARRIER_CONFIG", ""))
	}
	if explicit != "" {
		absPath, err := filepath.Abs(explicit)
		if err != nil {
			return "", true, fmt.Errorf("resolve absolute path for explicit config %q: %w", explicit, err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", true, fmt.Errorf("explicit config file not found %q: %w", absPath, err)
		}
		if info.IsDir() {
			return "", true, fmt.Errorf("explicit config path %q is a directory", absPath)
		}
		return absPath, true, nil
	}

	dataDir := strings.TrimSpace(config.ParseString("BARRIER_DATA_DIR", "data"))
	if dataDir == "" {
		dataDir = "data"
	}
	autoPath := filepath.Join(dataDir, "config.yaml")
	if info, err := os.Stat(autoPath); err == nil && !info.IsDir() {
		if absPath, absErr := filepath.Abs(autoPath); absErr == nil {
			return absPath, false, nil
		}
	}
	return "", false, nil
}
