package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/awareness/internal/config"
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/client"
	"github.com/billm/baaaht/awareness/pkg/permission"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// testConfig returns a configuration whose sockets and files live in a
// fresh short temporary directory
func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "awd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := *config.DefaultConfig()
	cfg.IPC.SocketPath = filepath.Join(dir, "d.sock")
	cfg.Health.SocketPath = filepath.Join(dir, "h.sock")
	cfg.Permission.RulesPath = filepath.Join(dir, "permissions.yaml")
	cfg.Daemon.ShutdownTimeout = 5 * time.Second
	return cfg
}

type nopEvents struct{}

func (nopEvents) OnConnectSuccess(types.ClientID) {}
func (nopEvents) OnConnectFail(int)               {}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Permission.Mode = "paranoid"

	_, err := New(cfg, logger.NewDiscard())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestStartAndClose(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, logger.NewDiscard())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	assert.True(t, d.IsStarted())

	err = d.Start(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))

	for subsystem, status := range d.HealthCheck(ctx) {
		assert.Equal(t, types.Healthy, status, subsystem)
	}
	_, err = os.Stat(cfg.Health.SocketPath)
	require.NoError(t, err)

	c, err := client.Dial(ctx, cfg.IPC.SocketPath, client.Config{}, logger.NewDiscard())
	require.NoError(t, err)
	defer c.Close()

	id, err := c.Connect(ctx, nopEvents{}, nil)
	require.NoError(t, err)
	assert.True(t, id.IsValid())
	gw := d.Gateway()
	require.Equal(t, 1, gw.Stats().ActiveClients)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, d.IsClosed())

	assert.Equal(t, 0, gw.Stats().ActiveClients)
	assert.Equal(t, int64(1), gw.Stats().PeerDeaths)
	assert.Nil(t, d.Gateway())

	for _, path := range []string{cfg.IPC.SocketPath, cfg.Health.SocketPath} {
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err), path)
	}

	err = d.Start(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestStartWithoutHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.Enabled = false

	d, err := New(cfg, logger.NewDiscard())
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	status := d.HealthCheck(context.Background())
	_, reported := status["health"]
	assert.False(t, reported)
	_, err = os.Stat(cfg.Health.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestStartFailureUnwinds(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.SocketPath = filepath.Join(filepath.Dir(cfg.IPC.SocketPath), "missing", "d.sock")

	d, err := New(cfg, logger.NewDiscard())
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.False(t, d.IsStarted())
	assert.Nil(t, d.Gateway())
	assert.Nil(t, d.Discovery())
	assert.Nil(t, d.Guard())

	_, err = os.Stat(cfg.Health.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	log := logger.NewDiscard()
	d, err := New(cfg, log)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	updated := cfg
	updated.Logging.Level = "debug"
	updated.Permission.Mode = "permissive"
	updated.IPC.MaxConnections = 1

	require.NoError(t, d.ApplyConfig(context.Background(), &updated))
	assert.Equal(t, logger.LevelDebug, log.GetLevel())
	assert.Equal(t, permission.ModePermissive, d.Guard().Mode())

	active := d.Config()
	assert.Equal(t, "permissive", active.Permission.Mode)
	assert.Equal(t, cfg.IPC.MaxConnections, active.IPC.MaxConnections)

	bad := cfg
	bad.Logging.Level = "loud"
	assert.Error(t, d.ApplyConfig(context.Background(), &bad))
}

func TestBootstrap(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(filepath.Dir(cfg.IPC.SocketPath), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	result, err := Bootstrap(context.Background(), BootstrapConfig{
		Config:     cfg,
		Logger:     logger.NewDiscard(),
		ConfigPath: path,
	})
	require.NoError(t, err)
	assert.Equal(t, Version, result.Version)
	require.NotNil(t, result.Reloader)
	assert.True(t, result.Daemon.IsStarted())
	assert.Contains(t, result.String(), Version)

	require.NoError(t, result.Stop(context.Background()))
	assert.True(t, result.Daemon.IsClosed())
	assert.Equal(t, config.ReloadStateStopped, result.Reloader.State())
}

func TestBootstrapFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.SocketPath = filepath.Join(filepath.Dir(cfg.Health.SocketPath), "missing", "h.sock")

	_, err := Bootstrap(context.Background(), BootstrapConfig{Config: cfg, Logger: logger.NewDiscard()})
	require.Error(t, err)

	_, err = os.Stat(cfg.IPC.SocketPath)
	assert.True(t, os.IsNotExist(err))
}
