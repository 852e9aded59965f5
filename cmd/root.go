package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/awareness/internal/config"
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/daemon"
)

var (
	// CLI flags
	cfgFile        string
	logLevel       string
	logFormat      string
	logOutput      string
	socketPath     string
	permissionMode string

	rootLog *logger.Logger
)

// rootCmd runs the daemon when called without a subcommand
var rootCmd = &cobra.Command{
	Use:   "awarenessd",
	Short: "Neighbor awareness gateway daemon",
	Long: `awarenessd accepts local client connections on a Unix socket, issues each
client an identity bound to the calling user, and forwards publish,
subscribe and message operations to the discovery state manager. Client
state is torn down exactly once, whether the client disconnects or its
process goes away.`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()

	rootLog.Info("Starting awarenessd", "version", daemon.Version, "config_path", configPath)

	result, err := daemon.Bootstrap(context.Background(), daemon.BootstrapConfig{
		Config:     *cfg,
		Logger:     rootLog,
		ConfigPath: configPath,
	})
	if err != nil {
		rootLog.Error("Failed to start daemon", "error", err)
		return err
	}

	shutdown := daemon.NewShutdownManager(result.Daemon, cfg.Daemon.ShutdownTimeout, rootLog)
	shutdown.AddPreHook(func(ctx context.Context) error {
		if result.Reloader != nil {
			result.Reloader.Stop()
		}
		return nil
	})
	shutdown.Start()
	defer shutdown.Stop()

	rootLog.Info("awarenessd is running", "socket_path", cfg.IPC.SocketPath)
	<-shutdown.Done()
	return nil
}

// loadConfig reads the configuration file, then applies environment and
// flag overrides. It returns the file path reloads should read, which is
// empty when no file exists.
func loadConfig() (*config.Config, string, error) {
	path := cfgFile
	if path == "" {
		if v := os.Getenv(config.EnvConfigPath); v != "" {
			path = v
		} else if p, err := config.GetDefaultConfigPath(); err == nil {
			path = p
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:       logLevel,
		LogFormat:      logFormat,
		LogOutput:      logOutput,
		SocketPath:     socketPath,
		PermissionMode: permissionMode,
	})
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return cfg, path, nil
}

func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: $AWARENESS_CONFIG or ~/.config/awareness/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "",
		"Client socket path (default: from config or env)")

	rootCmd.Flags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.Flags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")
	rootCmd.Flags().StringVar(&permissionMode, "permission-mode", "",
		"Permission mode: strict, permissive, disabled (default: from config or env)")

	rootCmd.AddCommand(dumpCmd, healthCmd, versionCmd)
}
