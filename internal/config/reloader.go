package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	ReloadStateIdle      ReloadState = "idle"
	ReloadStateReloading ReloadState = "reloading"
	ReloadStateStopped   ReloadState = "stopped"
)

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// reloadTimeout bounds the callbacks run for one signal-triggered reload.
const reloadTimeout = 30 * time.Second

// Logger is the part of *logger.Logger the reloader writes to. The logger
// package is configured from this one, so it cannot be imported here.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ReloadCallback applies a freshly loaded configuration. Returning an error
// rejects the whole reload.
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader reloads the configuration file on SIGHUP and hands the result to
// its callbacks. The current configuration only changes once every callback
// accepted the new one.
type Reloader struct {
	path   string
	logger Logger

	mu        sync.RWMutex
	current   *Config
	state     ReloadState
	callbacks []ReloadCallback
	signals   chan os.Signal
	cancel    context.CancelFunc
	reloads   int
	failures  int
	lastErr   error
}

// NewReloader creates a reloader for the file at path. A nil log falls back
// to slog's default logger.
func NewReloader(path string, initial *Config, log Logger) *Reloader {
	if log == nil {
		log = slog.Default().With("component", "config_reloader")
	}
	return &Reloader{
		path:    path,
		logger:  log,
		current: initial,
		state:   ReloadStateIdle,
		signals: make(chan os.Signal, 1),
	}
}

// Start begins listening for SIGHUP. Calling Start on a running reloader does
// nothing; a stopped reloader can be started again.
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.state = ReloadStateIdle
	signal.Notify(r.signals, syscall.SIGHUP)

	r.logger.Info("Config reloader started", "config_path", r.path)
	go r.watch(ctx)
}

// Stop stops listening for SIGHUP
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return
	}

	signal.Stop(r.signals)
	r.cancel()
	r.cancel = nil
	r.state = ReloadStateStopped

	r.logger.Info("Config reloader stopped", "config_path", r.path)
}

func (r *Reloader) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-r.signals:
			r.logger.Info("Reload signal received", "signal", sig.String())
			go func() {
				reloadCtx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
				defer cancel()
				// Reload logs its own failures.
				_ = r.Reload(reloadCtx)
			}()
		}
	}
}

// Reload loads the file and runs every callback with the result. A reload
// that arrives while another is running is skipped.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.logger.Debug("Reload already in progress, skipping", "config_path", r.path)
		return nil
	}
	previous := r.state
	r.state = ReloadStateReloading
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	r.logger.Info("Reloading configuration", "config_path", r.path, "callbacks", len(callbacks))

	next, err := Load(r.path)
	if err != nil {
		err = fmt.Errorf("failed to load configuration: %w", err)
		r.finish(previous, nil, err)
		return err
	}

	for i, cb := range callbacks {
		if err := cb(ctx, next); err != nil {
			r.logger.Warn("Reload callback rejected configuration", "callback", i, "error", err)
			err = fmt.Errorf("reload callbacks failed: %w", err)
			r.finish(previous, nil, err)
			return err
		}
	}

	r.finish(previous, next, nil)
	return nil
}

// finish records the outcome of a reload and restores the state it started
// from, so a reload run on a stopped reloader leaves it stopped.
func (r *Reloader) finish(previous ReloadState, next *Config, err error) {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.state = previous
	}
	r.lastErr = err
	if err != nil {
		r.failures++
	} else {
		r.current = next
		r.reloads++
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Configuration reload failed", "config_path", r.path, "error", err)
		return
	}
	r.logger.Info("Configuration reloaded", "config_path", r.path)
}

// AddCallback registers a callback run on every reload, in registration order
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastError returns the error of the most recent reload, nil if it succeeded
func (r *Reloader) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d, reloads: %d, failures: %d}",
		r.state, r.path, len(r.callbacks), r.reloads, r.failures)
}
