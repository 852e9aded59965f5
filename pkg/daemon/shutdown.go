package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// hookTimeout bounds each shutdown hook
const hookTimeout = 5 * time.Second

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	ShutdownStateRunning   ShutdownState = "running"
	ShutdownStateInitiated ShutdownState = "initiated"
	ShutdownStateStopping  ShutdownState = "stopping"
	ShutdownStateComplete  ShutdownState = "complete"
)

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// ShutdownHook runs during shutdown
type ShutdownHook func(ctx context.Context) error

// Closer is what the shutdown manager stops
type Closer interface {
	CloseContext(ctx context.Context) error
}

// ShutdownManager stops the daemon on SIGINT or SIGTERM, or when Shutdown
// is called. Pre hooks run before the daemon closes, post hooks after.
type ShutdownManager struct {
	mu         sync.RWMutex
	target     Closer
	state      ShutdownState
	timeout    time.Duration
	preHooks   []ShutdownHook
	postHooks  []ShutdownHook
	logger     *logger.Logger
	signalChan chan os.Signal
	stopChan   chan struct{}
	started    bool
	done       chan struct{}
	reason     string
	startedAt  time.Time
}

// NewShutdownManager creates a shutdown manager for target
func NewShutdownManager(target Closer, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log, _ = logger.NewDefault()
	}
	return &ShutdownManager{
		target:     target,
		state:      ShutdownStateRunning,
		timeout:    timeout,
		logger:     log.With("component", "shutdown_manager"),
		signalChan: make(chan os.Signal, 1),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for shutdown signals
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}
	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true
	sm.logger.Debug("Shutdown manager started", "timeout", sm.timeout)

	go sm.handleSignals()
}

// Stop stops listening for signals. It does not shut anything down.
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}
	signal.Stop(sm.signalChan)
	close(sm.stopChan)
	sm.started = false
}

func (sm *ShutdownManager) handleSignals() {
	select {
	case sig := <-sm.signalChan:
		sm.logger.Info("Shutdown signal received", "signal", sig.String())
		if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil {
			sm.logger.Error("Shutdown failed", "error", err)
		}
	case <-sm.stopChan:
	}
}

// AddPreHook registers a hook that runs before the daemon closes
func (sm *ShutdownManager) AddPreHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.preHooks = append(sm.preHooks, hook)
}

// AddPostHook registers a hook that runs after the daemon closed
func (sm *ShutdownManager) AddPostHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.postHooks = append(sm.postHooks, hook)
}

// Shutdown runs the pre hooks, closes the target and runs the post hooks,
// all within the shutdown timeout. Only the first call does anything.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.reason = reason
	sm.startedAt = time.Now()
	pre := append([]ShutdownHook(nil), sm.preHooks...)
	post := append([]ShutdownHook(nil), sm.postHooks...)
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	var firstErr error
	if err := sm.runHooks(ctx, "pre-shutdown", pre); err != nil {
		firstErr = err
	}

	sm.setState(ShutdownStateStopping)
	if sm.target != nil {
		if err := sm.target.CloseContext(ctx); err != nil {
			sm.logger.Error("Close failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := sm.runHooks(ctx, "post-shutdown", post); err != nil && firstErr == nil {
		firstErr = err
	}

	sm.setState(ShutdownStateComplete)
	close(sm.done)
	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.startedAt).String())
	return firstErr
}

func (sm *ShutdownManager) runHooks(ctx context.Context, phase string, hooks []ShutdownHook) error {
	var failed []error
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		err := hook(hookCtx)
		cancel()
		if err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			failed = append(failed, err)
		}
		if ctx.Err() != nil {
			return types.WrapError(types.ErrCodeCanceled, phase+" hooks canceled", ctx.Err())
		}
	}
	if len(failed) > 0 {
		return types.WrapError(types.ErrCodeInternal, fmt.Sprintf("%d %s hooks failed", len(failed), phase), failed[0])
	}
	return nil
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
}

// Done is closed once shutdown completes
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Wait blocks until shutdown completes or ctx ends
func (sm *ShutdownManager) Wait(ctx context.Context) error {
	select {
	case <-sm.done:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for shutdown canceled", ctx.Err())
	}
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown reports whether shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// Reason returns why shutdown was initiated
func (sm *ShutdownManager) Reason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.timeout, len(sm.preHooks)+len(sm.postHooks), sm.started)
}
