package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
)

type recordingCloser struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingCloser) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recordingCloser) CloseContext(ctx context.Context) error {
	r.record("close")
	return r.err
}

func (r *recordingCloser) hook(name string, err error) ShutdownHook {
	return func(context.Context) error {
		r.record(name)
		return err
	}
}

func TestShutdownRunsHooksAroundClose(t *testing.T) {
	target := &recordingCloser{}
	sm := NewShutdownManager(target, time.Second, logger.NewDiscard())
	sm.AddPreHook(target.hook("pre-1", nil))
	sm.AddPreHook(target.hook("pre-2", nil))
	sm.AddPostHook(target.hook("post", nil))

	assert.Equal(t, ShutdownStateRunning, sm.State())
	require.NoError(t, sm.Shutdown(context.Background(), "test"))

	assert.Equal(t, []string{"pre-1", "pre-2", "close", "post"}, target.calls)
	assert.Equal(t, ShutdownStateComplete, sm.State())
	assert.True(t, sm.IsShuttingDown())
	assert.Equal(t, "test", sm.Reason())

	select {
	case <-sm.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
	require.NoError(t, sm.Wait(context.Background()))

	err := sm.Shutdown(context.Background(), "again")
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
}

func TestShutdownReportsFailures(t *testing.T) {
	target := &recordingCloser{err: errors.New("close failed")}
	sm := NewShutdownManager(target, time.Second, logger.NewDiscard())
	sm.AddPreHook(target.hook("pre", errors.New("hook failed")))

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook failed")
	assert.Equal(t, []string{"pre", "close"}, target.calls)
}

func TestShutdownWaitCanceled(t *testing.T) {
	sm := NewShutdownManager(&recordingCloser{}, time.Second, logger.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sm.Wait(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestShutdownManagerStartStop(t *testing.T) {
	sm := NewShutdownManager(&recordingCloser{}, time.Second, logger.NewDiscard())
	sm.Start()
	sm.Start()
	assert.Contains(t, sm.String(), "started: true")
	sm.Stop()
	sm.Stop()
	assert.Equal(t, ShutdownStateRunning, sm.State())
}

func TestShutdownClosesDaemon(t *testing.T) {
	d, err := New(testConfig(t), logger.NewDiscard())
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	sm := NewShutdownManager(d, time.Second, logger.NewDiscard())
	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.True(t, d.IsClosed())
}
