// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	xglog "github.com/renewtv/renewd/internal/log"
)

// SettingsHolder holds runtime settings with atomic reloading capability.
// It provides thread-safe access and supports hot reloading from file change
// events or a manual trigger (SIGHUP).
type SettingsHolder struct {
	mu      sync.RWMutex
	current Settings
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewSettingsHolder loads (or creates) the settings file and wraps it.
func NewSettingsHolder(path string) (*SettingsHolder, error) {
	initial, err := EnsureSettings(path)
	if err != nil {
		return nil, err
	}
	return &SettingsHolder{
		current: initial,
		path:    path,
		logger:  xglog.WithComponent("settings"),
	}, nil
}

// Get returns the current settings (thread-safe read).
func (h *SettingsHolder) Get() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the settings file. On parse failure the previous settings
// are kept, so a broken edit never takes anything down.
func (h *SettingsHolder) Reload(_ context.Context) error {
	newSettings, err := LoadSettings(h.path)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("event", "settings.reload_failed").
			Msg("failed to load new settings, keeping previous")
		return fmt.Errorf("load settings: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = newSettings
	h.mu.Unlock()

	h.logChanges(old, newSettings)
	h.logger.Info().
		Str("event", "settings.reload_success").
		Msg("settings reloaded")
	return nil
}

// StartWatcher starts watching the settings file for changes.
func (h *SettingsHolder) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch settings file: %w", err)
	}

	h.logger.Info().
		Str("event", "settings.watcher_started").
		Str("path", h.path).
		Msg("watching settings file for changes")

	go h.watchLoop(ctx)
	return nil
}

// watchLoop is the main file watcher loop.
func (h *SettingsHolder) watchLoop(ctx context.Context) {
	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "settings.watcher_stopped").Msg("settings watcher stopped")
			if h.watcher != nil {
				_ = h.watcher.Close()
			}
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			// Write and Create cover vim, nano and plain redirection
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().
							Err(err).
							Str("event", "settings.auto_reload_failed").
							Msg("automatic settings reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().
				Err(err).
				Str("event", "settings.watcher_error").
				Msg("settings watcher error")
		}
	}
}

// Stop stops the watcher (if running).
func (h *SettingsHolder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// logChanges logs the differences between old and new settings. The solver
// key is never logged in the clear.
func (h *SettingsHolder) logChanges(old, newSettings Settings) {
	if old.CaptchaSolverKey != newSettings.CaptchaSolverKey {
		h.logger.Info().
			Bool("old_set", old.CaptchaSolverKey != "").
			Bool("new_set", newSettings.CaptchaSolverKey != "").
			Msg("settings changed: CaptchaSolverKey")
	}
	if old.KeepaliveIntervalMinutes != newSettings.KeepaliveIntervalMinutes {
		h.logger.Info().
			Int("old", old.KeepaliveIntervalMinutes).
			Int("new", newSettings.KeepaliveIntervalMinutes).
			Msg("settings changed: KeepaliveIntervalMinutes")
	}
	if old.LowBalanceThreshold != newSettings.LowBalanceThreshold {
		h.logger.Info().
			Str("old", old.LowBalanceThreshold).
			Str("new", newSettings.LowBalanceThreshold).
			Msg("settings changed: LowBalanceThreshold")
	}
}
