// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/barrierd/internal/log"
)

const reloadDebounce = 500 * time.Millisecond

// Holder owns the live configuration. Reloads replace it wholesale and fan
// the new value out to registered listeners.
type Holder struct {
	loader *Loader
	logger zerolog.Logger

	mu        sync.RWMutex
	current   AppConfig
	listeners []chan<- AppConfig
	watcher   *fsnotify.Watcher
}

// NewHolder wraps the configuration produced by loader.
func NewHolder(initial AppConfig, loader *Loader) *Holder {
	return &Holder{
		current: initial,
		loader:  loader,
		logger:  log.WithComponent("config"),
	}
}

// Get returns a copy of the current configuration.
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the file. An invalid file leaves the current
// configuration in place. Sections that only take effect at startup are
// reported but still stored.
func (h *Holder) Reload(_ context.Context) error {
	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("keeping previous configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	listeners := append([]chan<- AppConfig(nil), h.listeners...)
	h.mu.Unlock()

	changed := ChangedSections(prev, next)
	if len(changed) == 0 {
		h.logger.Debug().Str(log.FieldEvent, "config.reload_noop").Msg("configuration unchanged")
		return nil
	}

	ev := h.logger.Info().Str(log.FieldEvent, "config.reloaded").Strs("sections", changed)
	if restart := restartOnly(changed); len(restart) > 0 {
		ev = ev.Strs("restart_required", restart)
	}
	ev.Msg("configuration reloaded")

	for _, ch := range listeners {
		select {
		case ch <- next:
		default:
			h.logger.Warn().Str(log.FieldEvent, "config.listener_skip").Msg("listener busy, reload not delivered")
		}
	}
	return nil
}

// RegisterListener adds ch to the reload fan-out. Sends never block; a
// listener that is not ready misses that reload.
func (h *Holder) RegisterListener(ch chan<- AppConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// StartWatcher reloads on changes to the config file until ctx ends. The
// parent directory is watched so that editors which replace the file by
// rename are still seen. Without a file it does nothing.
func (h *Holder) StartWatcher(ctx context.Context) error {
	path := h.loader.Path()
	if path == "" {
		h.logger.Info().Str(log.FieldEvent, "config.watcher_disabled").Msg("no config file, watcher disabled")
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.mu.Lock()
	h.watcher = w
	h.mu.Unlock()

	h.logger.Info().Str(log.FieldEvent, "config.watcher_started").Str(log.FieldPath, abs).Msg("watching config file")
	go h.watch(ctx, w, abs)
	return nil
}

func (h *Holder) watch(ctx context.Context, w *fsnotify.Watcher, path string) {
	defer func() { _ = w.Close() }()

	// The debounce fires on this goroutine, so reloads never overlap.
	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			if err := h.Reload(ctx); err != nil {
				h.logger.Warn().Err(err).Str(log.FieldEvent, "config.auto_reload_failed").Msg("automatic reload failed")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str(log.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop closes the watcher, if any.
func (h *Holder) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watcher != nil {
		_ = h.watcher.Close()
		h.watcher = nil
	}
}

// ChangedSections lists the top-level YAML sections that differ.
func ChangedSections(a, b AppConfig) []string {
	var out []string
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			continue
		}
		name := t.Field(i).Tag.Get("yaml")
		if name == "" || name == "-" {
			name = t.Field(i).Name
		}
		out = append(out, name)
	}
	return out
}

// liveSections are applied without a restart.
var liveSections = map[string]bool{
	"log":     true,
	"auth":    true,
	"limits":  true,
	"monitor": true,
}

func restartOnly(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
