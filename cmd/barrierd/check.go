// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/barrierd/internal/app/bootstrap"
	"github.com/ManuGH/barrierd/internal/config"
	"github.com/ManuGH/barrierd/internal/health"
	"github.com/ManuGH/barrierd/internal/persistence/sqlite"
	"github.com/ManuGH/barrierd/internal/platform/httpx"
	"github.com/ManuGH/barrierd/internal/store"
	"github.com/ManuGH/barrierd/internal/version"
)

func newCheckCmd(configPath *string) *cobra.Command {
	var (
		dump     bool
		output   string
		verifyDB string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and run the startup checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _, err := bootstrap.ResolveConfigPath(*configPath)
			if err != nil {
				return err
			}
			cfg, err := config.NewLoader(path, version.Version).Load()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if err := health.PerformStartupChecks(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("startup checks failed: %w", err)
			}

			if verifyDB != "" {
				if err := verifyDatabase(cmd, cfg, verifyDB); err != nil {
					return err
				}
			}

			if dump {
				if output != "" {
					return writeDumpFile(output, cfg)
				}
				return dumpConfig(cmd.OutOrStdout(), cfg)
			}

			source := path
			if source == "" {
				source = "environment and defaults"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration from %s is valid\n", source)
			return err
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "print the effective configuration (tokens omitted)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "with --dump, atomically write the configuration to this file")
	cmd.Flags().StringVar(&verifyDB, "verify-db", "", "run an integrity check (quick or full) on the session database")
	return cmd
}

// dumpConfig writes cfg as YAML with the token table removed.
func dumpConfig(w io.Writer, cfg config.AppConfig) error {
	cfg.Auth.Tokens = nil
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func writeDumpFile(path string, cfg config.AppConfig) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending config file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if err := dumpConfig(pending, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func verifyDatabase(cmd *cobra.Command, cfg config.AppConfig, rawMode string) error {
	mode, err := sqlite.ParseCheckMode(rawMode)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("verify-db: no dataDir configured, sessions are kept in memory")
	}
	path := filepath.Join(cfg.DataDir, store.DBFile)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("verify-db: %w", err)
	}
	problems, err := sqlite.VerifyFile(cmd.Context(), path, mode)
	if err != nil {
		return fmt.Errorf("verify-db: %w", err)
	}
	if len(problems) > 0 {
		for _, p := range problems {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
		}
		return fmt.Errorf("verify-db: %s reported %d problem(s)", path, len(problems))
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "database %s passed %s check\n", path, mode)
	return err
}

func newHealthcheckCmd() *cobra.Command {
	var (
		mode    string
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/healthz"
			if mode == "ready" {
				path = "/readyz"
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, "http://"+addr+path, nil)
			if err != nil {
				return err
			}
			resp, err := httpx.NewClient(timeout).Do(req)
			if err != nil {
				return fmt.Errorf("healthcheck failed (network): %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck failed (status): %s", resp.Status)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "healthcheck successful (%s)\n", mode)
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "ready", "healthcheck mode: ready or live")
	cmd.Flags().StringVar(&addr, "addr", "localhost:8088", "API address to check")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "check timeout")
	return cmd
}
