// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/voicelane/dialcore/internal/log"
)

// Overrides is the subset of the TTL table that may be changed at runtime via
// the overrides file. Zero values leave the corresponding setting untouched.
type Overrides struct {
	PreDialBaseSeconds     int `yaml:"preDialBaseSeconds"`
	PreDialJitterSeconds   int `yaml:"preDialJitterSeconds"`
	ActiveLeaseBaseSeconds int `yaml:"activeLeaseBaseSeconds"`
	ReservationTTLSeconds  int `yaml:"reservationTTLSeconds"`
	GateTTLSeconds         int `yaml:"gateTTLSeconds"`
	MaxBatch               int `yaml:"maxBatch"`
}

// Holder holds configuration with atomic reloading. It watches the overrides
// file and applies validated changes; an invalid overrides file keeps the
// previous configuration.
type Holder struct {
	mu      sync.RWMutex
	current Config
	path    string
	logger  zerolog.Logger
}

// NewHolder wraps an initial configuration for hot reloading.
func NewHolder(initial *Config) *Holder {
	return &Holder{
		current: *initial,
		path:    initial.OverridesFile,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the overrides file and applies it on top of the current
// configuration. Either the full result validates and is applied, or the old
// configuration remains unchanged.
func (h *Holder) Reload(_ context.Context) error {
	if h.path == "" {
		return nil
	}
	raw, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("read overrides: %w", err)
	}
	var ov Overrides
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("parse overrides: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	next := h.current
	applySeconds := func(dst *time.Duration, secs int) {
		if secs > 0 {
			*dst = time.Duration(secs) * time.Second
		}
	}
	applySeconds(&next.PreDialBase, ov.PreDialBaseSeconds)
	applySeconds(&next.PreDialJitter, ov.PreDialJitterSeconds)
	applySeconds(&next.ActiveLeaseBase, ov.ActiveLeaseBaseSeconds)
	applySeconds(&next.ReservationTTL, ov.ReservationTTLSeconds)
	applySeconds(&next.GateTTL, ov.GateTTLSeconds)
	if ov.MaxBatch > 0 {
		next.MaxBatch = ov.MaxBatch
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("overrides rejected: %w", err)
	}
	h.current = next
	h.logger.Info().Str("path", h.path).Msg("configuration overrides applied")
	return nil
}

// Watch blocks watching the overrides file until ctx is cancelled. File
// changes trigger a reload; reload errors are logged, never fatal.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(h.path); err != nil {
		return fmt.Errorf("watch %s: %w", h.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := h.Reload(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("overrides reload failed, keeping previous config")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn().Err(err).Msg("overrides watcher error")
		}
	}
}
