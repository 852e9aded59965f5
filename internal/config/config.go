package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/baaaht/awareness/pkg/types"
)

// Config represents the complete configuration for the awareness daemon
type Config struct {
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	IPC        IPCConfig        `json:"ipc" yaml:"ipc"`
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway"`
	Permission PermissionConfig `json:"permission" yaml:"permission"`
	Discovery  DiscoveryConfig  `json:"discovery" yaml:"discovery"`
	Health     HealthConfig     `json:"health" yaml:"health"`
	Daemon     DaemonConfig     `json:"daemon" yaml:"daemon"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// IPCConfig contains the client socket configuration
type IPCConfig struct {
	SocketPath     string        `json:"socket_path" yaml:"socket_path"`
	SocketMode     string        `json:"socket_mode" yaml:"socket_mode"` // octal file mode, e.g. "0666"
	MaxConnections int           `json:"max_connections" yaml:"max_connections"`
	MaxRequestSize int           `json:"max_request_size" yaml:"max_request_size"` // bytes
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout"`         // 0 = never
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// GatewayConfig contains connection gateway configuration
type GatewayConfig struct {
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// PermissionConfig contains permission guard configuration
type PermissionConfig struct {
	Mode           string `json:"mode" yaml:"mode"` // strict, permissive, disabled
	RulesPath      string `json:"rules_path" yaml:"rules_path"`
	AuditPath      string `json:"audit_path" yaml:"audit_path"`
	ReloadOnSignal bool   `json:"reload_on_signal" yaml:"reload_on_signal"`
}

// DiscoveryConfig contains configuration of the in-process discovery engine
type DiscoveryConfig struct {
	MaxClients           int `json:"max_clients" yaml:"max_clients"`
	MaxSessionsPerClient int `json:"max_sessions_per_client" yaml:"max_sessions_per_client"`
	MaxMessageLength     int `json:"max_message_length" yaml:"max_message_length"`
}

// HealthConfig contains gRPC health endpoint configuration
type HealthConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	SocketPath string `json:"socket_path" yaml:"socket_path"`
}

// DaemonConfig contains process-level configuration
type DaemonConfig struct {
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig returns a configuration with every section at its default
func DefaultConfig() *Config {
	return &Config{
		Logging:    DefaultLoggingConfig(),
		IPC:        DefaultIPCConfig(),
		Gateway:    DefaultGatewayConfig(),
		Permission: DefaultPermissionConfig(),
		Discovery:  DefaultDiscoveryConfig(),
		Health:     DefaultHealthConfig(),
		Daemon:     DefaultDaemonConfig(),
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// This is used by both Load() and the config reloader.
func applyEnvOverrides(cfg *Config) error {
	// Logging
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	// IPC
	if v := os.Getenv(EnvSocketPath); v != "" {
		cfg.IPC.SocketPath = v
	}
	if v := os.Getenv(EnvMaxConnections); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMaxConnections, err)
		}
		cfg.IPC.MaxConnections = n
	}

	// Permission
	if v := os.Getenv(EnvPermissionMode); v != "" {
		cfg.Permission.Mode = v
	}
	if v := os.Getenv(EnvPermissionRules); v != "" {
		cfg.Permission.RulesPath = v
	}

	// Health
	if v := os.Getenv(EnvHealthEnabled); v != "" {
		cfg.Health.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvHealthSocketPath); v != "" {
		cfg.Health.SocketPath = v
	}

	// Daemon
	if v := os.Getenv(EnvShutdownTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvShutdownTimeout, err)
		}
		cfg.Daemon.ShutdownTimeout = d
	}

	return nil
}

// Load builds the configuration from defaults, the YAML file at path (or the
// default config path when path is empty) and environment overrides. A
// missing file is not an error; the defaults are used instead.
func Load(path string) (*Config, error) {
	if path == "" {
		if v := os.Getenv(EnvConfigPath); v != "" {
			path = v
		} else if p, err := GetDefaultConfigPath(); err == nil {
			path = p
		}
	}

	var cfg *Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err = LoadFromFile(path)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.IPC.SocketPath == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc socket path cannot be empty")
	}
	if _, err := c.IPC.FileMode(); err != nil {
		return err
	}
	if c.IPC.MaxConnections < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc max connections cannot be negative")
	}
	if c.IPC.MaxRequestSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc max request size must be positive")
	}
	if c.IPC.IdleTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc idle timeout cannot be negative")
	}
	if c.IPC.WriteTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc write timeout must be positive")
	}

	if c.Gateway.ServiceName == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "gateway service name cannot be empty")
	}

	validModes := map[string]bool{"strict": true, "permissive": true, "disabled": true}
	if !validModes[c.Permission.Mode] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid permission mode: %s (must be strict, permissive or disabled)", c.Permission.Mode))
	}

	if c.Discovery.MaxClients < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "discovery max clients cannot be negative")
	}
	if c.Discovery.MaxSessionsPerClient < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "discovery max sessions per client cannot be negative")
	}
	if c.Discovery.MaxMessageLength <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "discovery max message length must be positive")
	}
	if c.Discovery.MaxMessageLength >= c.IPC.MaxRequestSize {
		return types.NewError(types.ErrCodeInvalidArgument,
			"discovery max message length must be smaller than ipc max request size")
	}

	if c.Health.Enabled && c.Health.SocketPath == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "health socket path cannot be empty when health is enabled")
	}
	if c.Health.Enabled && c.Health.SocketPath == c.IPC.SocketPath {
		return types.NewError(types.ErrCodeInvalidArgument, "health socket path must differ from ipc socket path")
	}

	if c.Daemon.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}

	return nil
}

// FileMode parses SocketMode as an octal permission mask
func (c IPCConfig) FileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil {
		return 0, types.WrapError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid ipc socket mode: %q", c.SocketMode), err)
	}
	if mode > 0o777 {
		return 0, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("ipc socket mode out of range: %q", c.SocketMode))
	}
	return os.FileMode(mode), nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, IPC: %s, Gateway: %s, Permission: %s, Discovery: %s, Health: %s, Daemon: %s}",
		c.Logging.String(),
		c.IPC.String(),
		c.Gateway.String(),
		c.Permission.String(),
		c.Discovery.String(),
		c.Health.String(),
		c.Daemon.String(),
	)
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// Flags win over the file and the environment.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.SocketPath != "" {
		c.IPC.SocketPath = opts.SocketPath
	}
	if opts.PermissionMode != "" {
		c.Permission.Mode = opts.PermissionMode
	}
}

// OverrideOptions holds values collected from command line flags
type OverrideOptions struct {
	LogLevel       string
	LogFormat      string
	LogOutput      string
	SocketPath     string
	PermissionMode string
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("Logging{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c IPCConfig) String() string {
	return fmt.Sprintf("IPC{SocketPath: %s, SocketMode: %s, MaxConnections: %d, MaxRequestSize: %d, IdleTimeout: %s, WriteTimeout: %s}",
		c.SocketPath, c.SocketMode, c.MaxConnections, c.MaxRequestSize, c.IdleTimeout, c.WriteTimeout)
}

func (c GatewayConfig) String() string {
	return fmt.Sprintf("Gateway{ServiceName: %s}", c.ServiceName)
}

func (c PermissionConfig) String() string {
	return fmt.Sprintf("Permission{Mode: %s, RulesPath: %s, AuditPath: %s, ReloadOnSignal: %t}",
		c.Mode, c.RulesPath, c.AuditPath, c.ReloadOnSignal)
}

func (c DiscoveryConfig) String() string {
	return fmt.Sprintf("Discovery{MaxClients: %d, MaxSessionsPerClient: %d, MaxMessageLength: %d}",
		c.MaxClients, c.MaxSessionsPerClient, c.MaxMessageLength)
}

func (c HealthConfig) String() string {
	return fmt.Sprintf("Health{Enabled: %t, SocketPath: %s}", c.Enabled, c.SocketPath)
}

func (c DaemonConfig) String() string {
	return fmt.Sprintf("Daemon{ShutdownTimeout: %s}", c.ShutdownTimeout)
}
