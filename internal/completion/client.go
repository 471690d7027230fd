// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package completion is a lazily initialized handle to a text-completion
// backend speaking the Ollama generate API.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/platform/httpx"
	"github.com/ManuGH/barrierd/internal/resilience"
)

// ErrUnavailable means no backend is configured or it could not be reached.
// Callers fall back to a canned answer.
var ErrUnavailable = errors.New("completion backend unavailable")

const (
	maxPromptBytes   = 4 << 10
	maxResponseBytes = 1 << 20
	probeTimeout     = 5 * time.Second

	defaultBreakerThreshold = 3
	defaultBreakerReset     = 30 * time.Second
)

// Config selects the backend.
type Config struct {
	Endpoint  string
	Model     string
	Timeout   time.Duration
	Allowlist Allowlist
	// BreakerThreshold consecutive failed generations stop calls to the
	// backend for BreakerReset.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Client initializes its backend on first use. A failed initialization is
// retried by the next call; a successful one is kept for the process lifetime.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker

	init singleflight.Group

	mu   sync.RWMutex
	base string
}

// New returns a Client. No network traffic happens until Complete.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = defaultBreakerReset
	}
	return &Client{
		cfg:     cfg,
		http:    httpx.NewUpstreamClient(cfg.Timeout),
		logger:  log.WithComponent("completion"),
		breaker: resilience.NewCircuitBreaker("completion", cfg.BreakerThreshold, cfg.BreakerReset),
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool { return strings.TrimSpace(c.cfg.Endpoint) != "" }

// Ready reports whether the backend has been initialized.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base != ""
}

// handle returns the validated base URL, initializing it on first use.
// Concurrent first callers share one probe.
func (c *Client) handle(ctx context.Context) (string, error) {
	c.mu.RLock()
	base := c.base
	c.mu.RUnlock()
	if base != "" {
		return base, nil
	}
	if !c.Enabled() {
		return "", ErrUnavailable
	}

	v, err, _ := c.init.Do("init", func() (any, error) {
		c.mu.RLock()
		ready := c.base
		c.mu.RUnlock()
		if ready != "" {
			return ready, nil
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()
		base, err := ValidateEndpoint(pctx, c.cfg.Endpoint, c.cfg.Allowlist, nil)
		if err != nil {
			return "", err
		}
		if err := c.probe(pctx, base); err != nil {
			return "", err
		}
		c.mu.Lock()
		c.base = base
		c.mu.Unlock()
		c.logger.Info().
			Str(log.FieldEvent, "completion.ready").
			Str("endpoint", base).
			Str("model", c.cfg.Model).
			Msg("completion backend initialized")
		return base, nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldEvent, "completion.init_failed").Msg("completion backend unavailable")
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v.(string), nil
}

func (c *Client) probe(ctx context.Context, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe: status %d", resp.StatusCode)
	}
	return nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete returns the backend's continuation of prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	base, err := c.handle(ctx)
	if err != nil {
		return "", err
	}
	if len(prompt) > maxPromptBytes {
		prompt = prompt[:maxPromptBytes]
	}
	body, err := json.Marshal(generateRequest{Model: c.cfg.Model, Prompt: prompt})
	if err != nil {
		return "", err
	}

	var out string
	err = c.breaker.Execute(func() error {
		var gerr error
		out, gerr = c.generate(ctx, base, body)
		return gerr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, err
}

func (c *Client) generate(ctx context.Context, base string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion backend: status %d: %s", resp.StatusCode, out.Error)
	}
	return strings.TrimSpace(out.Response), nil
}
