// Package config provides configuration loading and hot reload.
package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// settleDelay coalesces the burst of events one editor save produces.
const settleDelay = 100 * time.Millisecond

type fieldListener struct {
	key string
	fn  func(*Config)
}

// Holder owns the live configuration of a running server. A reload swaps
// the whole Config; listeners run only when a tracked key changed.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	logger   zerolog.Logger
	onChange []func(*Config)
	onField  []fieldListener
	observe  func(error)

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHolder loads path and returns a holder for it.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	return &Holder{
		config:  cfg,
		path:    abs,
		logger:  logger.With().Str("component", "config").Logger(),
		observe: func(error) {},
		stopCh:  make(chan struct{}),
	}, nil
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// OnChange registers fn to run after any reload that changed a tracked key.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// OnFieldChange registers fn to run after a reload that changed key, one of
// ReloadableFields.
func (h *Holder) OnFieldChange(key string, fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onField = append(h.onField, fieldListener{key: key, fn: fn})
}

// Observe registers fn to receive the outcome of every reload attempt.
func (h *Holder) Observe(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observe = fn
}

// Reload re-reads the file. On error the current configuration stays.
func (h *Holder) Reload() error {
	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload failed, keeping current config")
		h.notify(err)
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.config
	h.config = next
	changes := Diff(prev, next)
	var run []func(*Config)
	if len(changes) > 0 {
		run = append(run, h.onChange...)
		for _, l := range h.onField {
			if touched(changes, l.key) {
				run = append(run, l.fn)
			}
		}
	}
	h.mu.Unlock()

	h.logChanges(changes)
	for _, fn := range run {
		fn(next)
	}
	h.notify(nil)
	return nil
}

func (h *Holder) notify(err error) {
	h.mu.RLock()
	fn := h.observe
	h.mu.RUnlock()
	fn(err)
}

func touched(changes []Change, key string) bool {
	for _, c := range changes {
		if c.Field == key {
			return true
		}
	}
	return false
}

func (h *Holder) logChanges(changes []Change) {
	if len(changes) == 0 {
		h.logger.Debug().Msg("config reloaded, nothing changed")
		return
	}
	for _, c := range changes {
		ev := h.logger.Info()
		msg := "config value applied"
		if !c.Reloadable {
			ev = h.logger.Warn()
			msg = "config value changed, restart to apply"
		}
		ev.Str("field", c.Field).Str("old", c.Old).Str("new", c.New).Msg(msg)
	}
}

// WatchFile reloads whenever the config file is written or replaced. The
// directory is watched so atomic saves are seen.
func (h *Holder) WatchFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.watcher = w
	go h.watch(w)
	h.logger.Info().Str("path", h.path).Msg("watching config file")
	return nil
}

func (h *Holder) watch(w *fsnotify.Watcher) {
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()
	pending := false

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != h.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			pending = true
			settle.Reset(settleDelay)

		case <-settle.C:
			if !pending {
				continue
			}
			pending = false
			if err := h.Reload(); err != nil {
				h.logger.Debug().Err(err).Msg("file triggered reload rejected")
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")

		case <-h.stopCh:
			return
		}
	}
}

// WatchSignals reloads on SIGHUP until Stop.
func (h *Holder) WatchSignals() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-sig:
				if err := h.Reload(); err != nil {
					h.logger.Debug().Err(err).Msg("SIGHUP reload rejected")
				}
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop ends file and signal watching. It is safe to call more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}
