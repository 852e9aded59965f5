package discovery

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/billm/baaaht/awareness/internal/config"
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures callbacks as readable strings
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) OnConnectSuccess(id types.ClientID) { r.add("connected %d", id) }
func (r *recorder) OnConnectFail(reason int)           { r.add("connect failed %d", reason) }

func (r *recorder) OnSessionStarted(id types.SessionID) { r.add("started %d", id) }
func (r *recorder) OnSessionConfigSuccess()             { r.add("config ok") }
func (r *recorder) OnSessionConfigFail(reason int)      { r.add("config failed %d", reason) }
func (r *recorder) OnSessionTerminated(reason int)      { r.add("terminated %d", reason) }
func (r *recorder) OnMatch(peer types.PeerID, info, filter []byte) {
	r.add("match %d %s/%s", peer, info, filter)
}
func (r *recorder) OnMessageSendSuccess(id int)      { r.add("sent %d", id) }
func (r *recorder) OnMessageSendFail(id, reason int) { r.add("send failed %d %d", id, reason) }
func (r *recorder) OnMessageReceived(peer types.PeerID, msg []byte) {
	r.add("received %d %s", peer, msg)
}

var owner = types.Principal{UID: 1000, GID: 1000, PID: 1}

func newTestManager(t *testing.T, mutate ...func(*config.DiscoveryConfig)) *Manager {
	t.Helper()
	cfg := config.DefaultDiscoveryConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg, logger.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.DiscoveryConfig)
	}{
		{"zero clients", func(c *config.DiscoveryConfig) { c.MaxClients = 0 }},
		{"zero sessions", func(c *config.DiscoveryConfig) { c.MaxSessionsPerClient = 0 }},
		{"zero message length", func(c *config.DiscoveryConfig) { c.MaxMessageLength = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultDiscoveryConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, logger.NewDiscard())
			assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
		})
	}
}

func TestConnect(t *testing.T) {
	m := newTestManager(t, func(c *config.DiscoveryConfig) { c.MaxClients = 1 })
	first, second := &recorder{}, &recorder{}

	m.Connect(1, owner, first, types.DefaultConfigRequest())
	m.Connect(1, owner, first, types.DefaultConfigRequest())
	m.Connect(2, owner, second, types.DefaultConfigRequest())
	m.Flush()

	assert.Equal(t, []string{"connected 1", fmt.Sprintf("connect failed %d", types.ReasonOther)}, first.all())
	assert.Equal(t, []string{fmt.Sprintf("connect failed %d", types.ReasonNoResources)}, second.all())
	assert.Equal(t, 1, m.Stats().Clients)
}

func TestPublishSubscribeMatch(t *testing.T) {
	m := newTestManager(t)
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())
	m.Connect(2, owner, &recorder{}, types.DefaultConfigRequest())

	pub, sub := &recorder{}, &recorder{}
	m.Publish(1, types.PublishConfig{ServiceName: "printer", ServiceSpecificInfo: []byte("info"), MatchFilter: []byte("f")}, pub)
	m.Subscribe(2, types.SubscribeConfig{ServiceName: "printer", MatchFilter: []byte("f")}, sub)
	m.Flush()

	assert.Equal(t, []string{"started 1"}, pub.all(), "unsolicited publisher is not told about subscribers")
	assert.Equal(t, []string{"started 1", "match 1 info/f"}, sub.all())
	assert.Equal(t, int64(1), m.Stats().Matches)
}

func TestNoMatchOnDifferentServiceOrFilter(t *testing.T) {
	m := newTestManager(t)
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())

	sub := &recorder{}
	m.Subscribe(1, types.SubscribeConfig{ServiceName: "printer", MatchFilter: []byte("color")}, sub)
	m.Publish(1, types.PublishConfig{ServiceName: "scanner"}, &recorder{})
	m.Publish(1, types.PublishConfig{ServiceName: "printer", MatchFilter: []byte("mono")}, &recorder{})
	m.Flush()

	assert.Equal(t, []string{"started 1"}, sub.all())
}

func TestSolicitedPublishNeedsActiveSubscriber(t *testing.T) {
	m := newTestManager(t)
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())

	pub, passive, active := &recorder{}, &recorder{}, &recorder{}
	m.Publish(1, types.PublishConfig{ServiceName: "svc", PublishType: types.PublishTypeSolicited}, pub)
	m.Subscribe(1, types.SubscribeConfig{ServiceName: "svc", SubscribeType: types.SubscribeTypePassive}, passive)
	m.Subscribe(1, types.SubscribeConfig{ServiceName: "svc", SubscribeType: types.SubscribeTypeActive,
		ServiceSpecificInfo: []byte("hi")}, active)
	m.Flush()

	assert.Equal(t, []string{"started 2"}, passive.all())
	assert.Equal(t, []string{"started 3", "match 1 /"}, active.all())
	assert.Equal(t, []string{"started 1", "match 3 hi/"}, pub.all())
}

func TestMatchStyleFirstOnly(t *testing.T) {
	m := newTestManager(t)
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())

	sub := &recorder{}
	m.Subscribe(1, types.SubscribeConfig{ServiceName: "svc", MatchStyle: types.MatchStyleFirstOnly}, sub)
	m.Publish(1, types.PublishConfig{ServiceName: "svc"}, &recorder{})
	m.Publish(1, types.PublishConfig{ServiceName: "svc"}, &recorder{})
	m.Flush()

	assert.Equal(t, []string{"started 1", "match 2 /"}, sub.all())
}

func TestSessionLimit(t *testing.T) {
	m := newTestManager(t, func(c *config.DiscoveryConfig) { c.MaxSessionsPerClient = 1 })
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())

	first, second := &recorder{}, &recorder{}
	m.Publish(1, types.PublishConfig{ServiceName: "a"}, first)
	m.Subscribe(1, types.SubscribeConfig{ServiceName: "b"}, second)
	m.Flush()

	assert.Equal(t, []string{"started 1"}, first.all())
	assert.Equal(t, []string{fmt.Sprintf("config failed %d", types.ReasonNoResources)}, second.all())
}

func TestSessionForUnknownClient(t *testing.T) {
	m := newTestManager(t)
	cb := &recorder{}
	m.Publish(9, types.PublishConfig{ServiceName: "a"}, cb)
	m.Flush()
	assert.Equal(t, []string{fmt.Sprintf("config failed %d", types.ReasonOther)}, cb.all())
}

func TestUpdateSession(t *testing.T) {
	m := newTestManager(t)
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())

	pub, sub := &recorder{}, &recorder{}
	m.Publish(1, types.PublishConfig{ServiceName: "old"}, pub)
	m.Subscribe(1, types.SubscribeConfig{ServiceName: "new"}, sub)

	m.UpdatePublish(1, 1, types.PublishConfig{ServiceName: "new"})
	m.UpdateSubscribe(1, 1, types.SubscribeConfig{ServiceName: "new"})
	m.Flush()

	assert.Equal(t, []string{"started 1", "config ok", fmt.Sprintf("config failed %d", types.ReasonInvalidArgs)}, pub.all())
	assert.Equal(t, []string{"started 2", "match 1 /"}, sub.all())
}

func TestSendMessage(t *testing.T) {
	m := newTestManager(t)
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())
	m.Connect(2, owner, &recorder{}, types.DefaultConfigRequest())

	pub, sub := &recorder{}, &recorder{}
	m.Publish(1, types.PublishConfig{ServiceName: "chat"}, pub)
	m.Subscribe(2, types.SubscribeConfig{ServiceName: "chat"}, sub)

	// Subscriber instance 2 writes to publisher instance 1, which answers.
	m.SendMessage(2, 1, 1, []byte("hello world"), 5, 10)
	m.SendMessage(1, 1, 2, []byte("back"), 4, 11)
	m.Flush()

	assert.Equal(t, []string{"started 1", "received 2 hello", "sent 11"}, pub.all())
	assert.Equal(t, []string{"started 1", "match 1 /", "sent 10", "received 1 back"}, sub.all())
	assert.Equal(t, int64(2), m.Stats().MessagesSent)
}

func TestSendMessageFailures(t *testing.T) {
	m := newTestManager(t, func(c *config.DiscoveryConfig) { c.MaxMessageLength = 4 })
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())

	pub := &recorder{}
	m.Publish(1, types.PublishConfig{ServiceName: "chat"}, pub)
	m.SendMessage(1, 1, 99, []byte("hi"), 2, 1)
	m.SendMessage(1, 1, 99, []byte("too long"), 8, 2)
	m.SendMessage(1, 7, 99, []byte("hi"), 2, 3)
	m.Flush()

	assert.Equal(t, []string{
		"started 1",
		fmt.Sprintf("send failed 1 %d", types.ReasonNoMatchSession),
		fmt.Sprintf("send failed 2 %d", types.ReasonInvalidArgs),
	}, pub.all())
	assert.Equal(t, int64(2), m.Stats().MessagesFailed)
}

func TestTerminateAndDisconnectRemoveSessions(t *testing.T) {
	m := newTestManager(t)
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())
	m.Connect(2, owner, &recorder{}, types.DefaultConfigRequest())

	pub, sub := &recorder{}, &recorder{}
	m.Publish(1, types.PublishConfig{ServiceName: "chat"}, pub)
	m.Subscribe(2, types.SubscribeConfig{ServiceName: "chat"}, sub)
	m.Publish(1, types.PublishConfig{ServiceName: "other"}, &recorder{})
	assert.Equal(t, 3, m.Stats().Sessions)

	m.TerminateSession(1, 1)
	assert.Equal(t, 2, m.Stats().Sessions)

	// Messages to the terminated instance fail.
	m.SendMessage(2, 1, 1, []byte("x"), 1, 5)

	m.Disconnect(1)
	m.Disconnect(1)
	m.Flush()

	s := m.Stats()
	assert.Equal(t, 1, s.Clients)
	assert.Equal(t, 1, s.Sessions)
	assert.Contains(t, sub.all(), fmt.Sprintf("send failed 5 %d", types.ReasonNoMatchSession))
	assert.NotContains(t, pub.all(), "terminated 0", "explicit terminate is not notified")
}

func TestSessionExpiry(t *testing.T) {
	m := newTestManager(t)
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())

	notified, silent := &recorder{}, &recorder{}
	m.Publish(1, types.PublishConfig{ServiceName: "a", TTLSec: 1, EnableTerminateNotification: true}, notified)
	m.Subscribe(1, types.SubscribeConfig{ServiceName: "b", TTLSec: 1}, silent)

	require.Eventually(t, func() bool { return m.Stats().Sessions == 0 }, 5*time.Second, 20*time.Millisecond)
	m.Flush()

	assert.Equal(t, []string{"started 1", fmt.Sprintf("terminated %d", types.TerminateReasonDone)}, notified.all())
	assert.Equal(t, []string{"started 2"}, silent.all())
}

func TestDump(t *testing.T) {
	m := newTestManager(t)
	m.Connect(1, owner, &recorder{}, types.DefaultConfigRequest())
	m.Publish(1, types.PublishConfig{ServiceName: "printer"}, &recorder{})

	var buf bytes.Buffer
	m.Dump(&buf)
	out := buf.String()
	assert.Contains(t, out, "Discovery:")
	assert.Contains(t, out, "clients: 1 sessions: 1")
	assert.Contains(t, out, "client 1: owner=uid=1000")
	assert.Contains(t, out, `session 1: publish service="printer" instance=1`)
}

func TestCallbacksRunInOrderAfterPanic(t *testing.T) {
	m := newTestManager(t)
	rec := &recorder{}

	m.dispatch.Post(func() { panic("boom") })
	m.Connect(1, owner, rec, types.DefaultConfigRequest())
	m.Flush()

	assert.Equal(t, []string{"connected 1"}, rec.all())
}

func TestCloseDrainsAndStops(t *testing.T) {
	cfg := config.DefaultDiscoveryConfig()
	m, err := New(cfg, logger.NewDiscard())
	require.NoError(t, err)

	rec := &recorder{}
	m.Connect(1, owner, rec, types.DefaultConfigRequest())
	require.NoError(t, m.Close())
	assert.Equal(t, []string{"connected 1"}, rec.all())

	assert.Error(t, m.Close())
	m.Connect(2, owner, rec, types.DefaultConfigRequest())
	m.Flush()
	assert.Len(t, rec.all(), 1)
}
