package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the awareness configuration directory
// Uses ~/.config/awareness/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "awareness"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvConfigPath       = "AWARENESS_CONFIG"
	EnvLogLevel         = "AWARENESS_LOG_LEVEL"
	EnvLogFormat        = "AWARENESS_LOG_FORMAT"
	EnvLogOutput        = "AWARENESS_LOG_OUTPUT"
	EnvSocketPath       = "AWARENESS_SOCKET_PATH"
	EnvMaxConnections   = "AWARENESS_MAX_CONNECTIONS"
	EnvPermissionMode   = "AWARENESS_PERMISSION_MODE"
	EnvPermissionRules  = "AWARENESS_PERMISSION_RULES"
	EnvHealthEnabled    = "AWARENESS_HEALTH_ENABLED"
	EnvHealthSocketPath = "AWARENESS_HEALTH_SOCKET_PATH"
	EnvShutdownTimeout  = "AWARENESS_SHUTDOWN_TIMEOUT"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Default IPC settings
	DefaultSocketPath     = "/tmp/awareness.sock"
	DefaultSocketMode     = "0666"
	DefaultMaxConnections = 256
	DefaultMaxRequestSize = 64 * 1024

	// Default Gateway settings
	DefaultServiceName = "awarenessd"

	// Default Permission settings
	DefaultPermissionMode = "strict"

	// Default Discovery settings
	DefaultMaxClients           = 64
	DefaultMaxSessionsPerClient = 16
	DefaultMaxMessageLength     = 255

	// Default Health settings
	DefaultHealthSocketPath = "/tmp/awareness-health.sock"

	// Default Daemon settings
	DefaultShutdownTimeout = 30 * time.Second
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultIPCConfig returns the default IPC configuration
func DefaultIPCConfig() IPCConfig {
	return IPCConfig{
		SocketPath:     DefaultSocketPath,
		SocketMode:     DefaultSocketMode,
		MaxConnections: DefaultMaxConnections,
		MaxRequestSize: DefaultMaxRequestSize,
		IdleTimeout:    0,
		WriteTimeout:   5 * time.Second,
	}
}

// DefaultGatewayConfig returns the default gateway configuration
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ServiceName: DefaultServiceName,
	}
}

// DefaultPermissionConfig returns the default permission configuration
func DefaultPermissionConfig() PermissionConfig {
	rulesPath := ""
	if configDir, err := GetConfigDir(); err == nil {
		rulesPath = filepath.Join(configDir, "permissions.yaml")
	}
	return PermissionConfig{
		Mode:           DefaultPermissionMode,
		RulesPath:      rulesPath,
		AuditPath:      "",
		ReloadOnSignal: true,
	}
}

// DefaultDiscoveryConfig returns the default discovery configuration
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		MaxClients:           DefaultMaxClients,
		MaxSessionsPerClient: DefaultMaxSessionsPerClient,
		MaxMessageLength:     DefaultMaxMessageLength,
	}
}

// DefaultHealthConfig returns the default health endpoint configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled:    true,
		SocketPath: DefaultHealthSocketPath,
	}
}

// DefaultDaemonConfig returns the default daemon configuration
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}
