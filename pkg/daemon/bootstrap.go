package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/billm/baaaht/awareness/internal/config"
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// Version is the daemon version reported by the CLI
const Version = "0.1.0"

// BootstrapConfig contains configuration for the bootstrap process
type BootstrapConfig struct {
	Config config.Config
	Logger *logger.Logger
	// ConfigPath enables SIGHUP reloads of the file when non-empty
	ConfigPath string
	Version    string
}

// BootstrapResult contains the result of a bootstrap operation
type BootstrapResult struct {
	Daemon    *Daemon
	Reloader  *config.Reloader
	StartedAt time.Time
	Duration  time.Duration
	Version   string
}

// Bootstrap creates and starts a daemon. When cfg.ConfigPath is set and
// permission reloads are enabled, a config reloader is started whose
// callback applies the new configuration to the running daemon.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*BootstrapResult, error) {
	startedAt := time.Now()
	if cfg.Version == "" {
		cfg.Version = Version
	}

	d, err := New(cfg.Config, cfg.Logger)
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		d.Close()
		return nil, err
	}

	for subsystem, status := range d.HealthCheck(ctx) {
		if status != types.Healthy {
			d.Close()
			return nil, types.NewError(types.ErrCodeInternal,
				fmt.Sprintf("subsystem %s is %s after start", subsystem, status))
		}
	}

	result := &BootstrapResult{
		Daemon:    d,
		StartedAt: startedAt,
		Version:   cfg.Version,
	}

	if cfg.ConfigPath != "" && cfg.Config.Permission.ReloadOnSignal {
		reloader := config.NewReloader(cfg.ConfigPath, &cfg.Config, d.base.With("component", "config_reloader"))
		reloader.AddCallback(d.ApplyConfig)
		reloader.Start()
		result.Reloader = reloader
	}

	result.Duration = time.Since(startedAt)
	d.Logger().Info("Daemon bootstrapped",
		"version", cfg.Version,
		"duration", result.Duration.String(),
		"reload_on_signal", result.Reloader != nil)
	return result, nil
}

// Stop stops the reloader and closes the daemon
func (r *BootstrapResult) Stop(ctx context.Context) error {
	if r.Reloader != nil {
		r.Reloader.Stop()
	}
	return r.Daemon.CloseContext(ctx)
}

// String returns a string representation of the bootstrap result
func (r *BootstrapResult) String() string {
	return fmt.Sprintf("BootstrapResult{version: %s, started_at: %s, duration: %s}",
		r.Version, r.StartedAt.Format(time.RFC3339), r.Duration)
}
