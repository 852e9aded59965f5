// Package daemon assembles the awareness daemon: permission guard,
// discovery state manager, connection gateway, client socket server and
// health endpoint, started in dependency order and stopped in reverse.
package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/billm/baaaht/awareness/internal/config"
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/discovery"
	"github.com/billm/baaaht/awareness/pkg/gateway"
	"github.com/billm/baaaht/awareness/pkg/health"
	"github.com/billm/baaaht/awareness/pkg/ipc"
	"github.com/billm/baaaht/awareness/pkg/permission"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// drainInterval is how often Close polls for clients still being torn down
const drainInterval = 10 * time.Millisecond

// Daemon owns every subsystem of one awarenessd process
type Daemon struct {
	mu     sync.RWMutex
	cfg    config.Config
	base   *logger.Logger
	logger *logger.Logger

	guard   *permission.Guard
	manager *discovery.Manager
	gateway *gateway.Gateway
	server  *ipc.Server
	checker *health.Checker
	health  *health.Server

	started   bool
	closed    bool
	startedAt time.Time
}

// New creates a daemon for cfg. Nothing is started until Start.
func New(cfg config.Config, log *logger.Logger) (*Daemon, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
	}

	return &Daemon{
		cfg:    cfg,
		base:   log,
		logger: log.With("component", "daemon"),
	}, nil
}

// Start initializes the subsystems in dependency order:
//  1. permission guard
//  2. discovery state manager
//  3. connection gateway
//  4. health checker and endpoint (when enabled)
//  5. client socket server
//
// A failure unwinds whatever was already started.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return types.NewError(types.ErrCodeUnavailable, "daemon is closed")
	}
	if d.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "daemon already started")
	}

	d.logger.Info("Starting daemon subsystems")

	guard, err := permission.New(d.cfg.Permission, d.base)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to initialize permission guard", err)
	}
	d.guard = guard

	manager, err := discovery.New(d.cfg.Discovery, d.base)
	if err != nil {
		d.stopLocked(ctx)
		return types.WrapError(types.ErrCodeInternal, "failed to initialize discovery manager", err)
	}
	d.manager = manager

	gw, err := gateway.New(gateway.Options{
		StateManager: manager,
		Guard:        guard,
		Logger:       d.base,
		ServiceName:  d.cfg.Gateway.ServiceName,
	})
	if err != nil {
		d.stopLocked(ctx)
		return types.WrapError(types.ErrCodeInternal, "failed to initialize gateway", err)
	}
	d.gateway = gw

	checker, err := health.NewChecker(d.base, health.ServiceGateway, health.ServiceDiscovery)
	if err != nil {
		d.stopLocked(ctx)
		return types.WrapError(types.ErrCodeInternal, "failed to initialize health checker", err)
	}
	checker.SetNotServing(health.ServiceOverall)
	checker.SetNotServing(health.ServiceGateway)
	d.checker = checker

	if d.cfg.Health.Enabled {
		hs, err := health.NewServer(d.cfg.Health.SocketPath, checker, d.base)
		if err == nil {
			err = hs.Start(ctx)
		}
		if err != nil {
			d.stopLocked(ctx)
			return types.WrapError(types.ErrCodeInternal, "failed to start health endpoint", err)
		}
		d.health = hs
	}

	server, err := ipc.NewServer(d.cfg.IPC, gw, d.base)
	if err == nil {
		err = server.Listen(context.Background())
	}
	if err != nil {
		d.stopLocked(ctx)
		return types.WrapError(types.ErrCodeInternal, "failed to start client socket", err)
	}
	d.server = server

	checker.SetServing(health.ServiceGateway)
	checker.SetServing(health.ServiceOverall)

	d.started = true
	d.startedAt = time.Now()
	d.logger.Info("Daemon started",
		"socket_path", d.cfg.IPC.SocketPath,
		"service_name", d.cfg.Gateway.ServiceName,
		"permission_mode", string(guard.Mode()),
		"health_enabled", d.cfg.Health.Enabled)
	return nil
}

// stopLocked tears down in reverse order whatever has been created. The
// caller holds d.mu.
func (d *Daemon) stopLocked(ctx context.Context) {
	if d.checker != nil {
		d.checker.SetNotServing(health.ServiceOverall)
		d.checker.SetNotServing(health.ServiceGateway)
	}

	if d.server != nil {
		if err := d.server.Close(); err != nil {
			d.logger.Error("Failed to close client socket", "error", err)
		}
		d.drainClients(ctx)
		d.server = nil
	}

	if d.health != nil {
		if err := d.health.Stop(); err != nil {
			d.logger.Error("Failed to stop health endpoint", "error", err)
		}
		d.health = nil
	}
	if d.checker != nil {
		d.checker.Shutdown()
	}

	d.gateway = nil

	if d.manager != nil {
		if err := d.manager.Close(); err != nil {
			d.logger.Error("Failed to close discovery manager", "error", err)
		}
		d.manager = nil
	}

	if d.guard != nil {
		if err := d.guard.Close(); err != nil {
			d.logger.Error("Failed to close permission guard", "error", err)
		}
		d.guard = nil
	}
}

// drainClients waits for the teardowns triggered by closing the socket,
// bounded by ctx
func (d *Daemon) drainClients(ctx context.Context) {
	if d.gateway == nil {
		return
	}

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for d.gateway.Stats().ActiveClients > 0 {
		select {
		case <-ctx.Done():
			d.logger.Warn("Clients still registered at shutdown", "active_clients", d.gateway.Stats().ActiveClients)
			return
		case <-ticker.C:
		}
	}
}

// Close stops every subsystem. Closing connections reports their peers
// dead, so every client is torn down before the state manager stops.
func (d *Daemon) Close() error {
	return d.CloseContext(context.Background())
}

// CloseContext is Close with a bound on how long client teardown may take
func (d *Daemon) CloseContext(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Daemon.ShutdownTimeout)
		defer cancel()
	}

	d.logger.Info("Stopping daemon subsystems")
	d.stopLocked(ctx)
	d.logger.Info("Daemon stopped")
	return nil
}

// ApplyConfig applies the parts of a reloaded configuration that can change
// at runtime: the log level and the permission rules and mode. Other
// sections need a restart and are only reported.
func (d *Daemon) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return types.NewError(types.ErrCodeUnavailable, "daemon is closed")
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid log level", err)
	}

	if d.guard != nil {
		if err := d.guard.ApplyConfig(ctx, cfg); err != nil {
			return types.WrapError(types.ErrCodeInvalid, "failed to apply permission configuration", err)
		}
	}
	d.logger.SetLevel(level)

	if changed := restartOnlyChanges(d.cfg, *cfg); len(changed) > 0 {
		d.logger.Warn("Configuration changes need a restart to take effect", "sections", strings.Join(changed, ","))
	}

	d.cfg.Logging.Level = cfg.Logging.Level
	d.cfg.Permission = cfg.Permission
	return nil
}

func restartOnlyChanges(old, updated config.Config) []string {
	var changed []string
	if old.IPC != updated.IPC {
		changed = append(changed, "ipc")
	}
	if old.Gateway != updated.Gateway {
		changed = append(changed, "gateway")
	}
	if old.Discovery != updated.Discovery {
		changed = append(changed, "discovery")
	}
	if old.Health != updated.Health {
		changed = append(changed, "health")
	}
	if old.Logging.Format != updated.Logging.Format || old.Logging.Output != updated.Logging.Output {
		changed = append(changed, "logging")
	}
	return changed
}

// HealthCheck reports the status of each subsystem
func (d *Daemon) HealthCheck(context.Context) map[string]types.Health {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := map[string]types.Health{
		"permission": types.Unhealthy,
		"discovery":  types.Unhealthy,
		"gateway":    types.Unhealthy,
		"ipc":        types.Unhealthy,
	}
	if d.guard != nil {
		result["permission"] = types.Healthy
	}
	if d.manager != nil {
		result["discovery"] = types.Healthy
	}
	if d.gateway != nil {
		result["gateway"] = types.Healthy
	}
	if d.server != nil {
		result["ipc"] = types.Healthy
	}
	if d.cfg.Health.Enabled {
		result["health"] = types.Unhealthy
		if d.health != nil {
			result["health"] = types.Healthy
		}
	}
	return result
}

// Gateway returns the connection gateway, or nil before Start
func (d *Daemon) Gateway() *gateway.Gateway {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gateway
}

// Discovery returns the discovery state manager, or nil before Start
func (d *Daemon) Discovery() *discovery.Manager {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manager
}

// Guard returns the permission guard, or nil before Start
func (d *Daemon) Guard() *permission.Guard {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.guard
}

// SocketPath returns the client socket path
func (d *Daemon) SocketPath() string {
	return d.cfg.IPC.SocketPath
}

// Config returns a copy of the active configuration
func (d *Daemon) Config() config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Logger returns the daemon logger
func (d *Daemon) Logger() *logger.Logger {
	return d.logger
}

// IsStarted reports whether Start succeeded
func (d *Daemon) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

// IsClosed reports whether Close was called
func (d *Daemon) IsClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// String returns a string representation of the daemon
func (d *Daemon) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var clients int
	if d.gateway != nil {
		clients = d.gateway.Stats().ActiveClients
	}
	return fmt.Sprintf("Daemon{socket: %s, started: %t, closed: %t, clients: %d}",
		d.cfg.IPC.SocketPath, d.started, d.closed, clients)
}
