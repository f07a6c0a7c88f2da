// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arbiterhq/arbiter/internal/log"
)

// Holder provides thread-safe access to the live configuration and hot
// reload from the config file. Reloads are atomic: a config that fails
// validation leaves the previous one in place.
type Holder struct {
	mu      sync.RWMutex
	current *Config
	path    string
	watcher *fsnotify.Watcher

	listenerMu sync.RWMutex
	listeners  []chan<- *Config
}

// NewHolder wraps an already-validated config. path may be empty for
// env-only deployments, which disables the watcher.
func NewHolder(initial *Config, path string) *Holder {
	return &Holder{current: initial, path: path}
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads and validates the config file, swapping on success.
func (h *Holder) Reload(ctx context.Context) error {
	logger := log.WithComponentFromContext(ctx, "config")

	next, err := LoadFile(h.path, os.Getenv(EnvConfigSignature))
	if err != nil {
		logger.Error().Err(err).Msg("config reload rejected")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	h.current = next
	h.mu.Unlock()

	h.notify(next)
	logger.Info().Str("path", h.path).Msg("configuration reloaded")
	return nil
}

// RegisterListener subscribes to successful reloads. Sends are
// non-blocking; a full channel misses the notification.
func (h *Holder) RegisterListener(ch chan<- *Config) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg *Config) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
		}
	}
}

// Watch starts the file watcher. It returns immediately and reloads with a
// debounce on write events until ctx is cancelled.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", h.path, err)
	}
	h.watcher = watcher

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	logger := log.WithComponent("config")
	var debounce *time.Timer
	defer h.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				if err := h.Reload(ctx); err != nil {
					logger.Error().Err(err).Msg("automatic config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("config watcher error")
		}
	}
}
