package gateway

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/billm/baaaht/awareness/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresStateManager(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestNewDefaultsGuard(t *testing.T) {
	gw, err := New(Options{StateManager: &fakeState{}})
	require.NoError(t, err)
	assert.Equal(t, AllowAll, gw.guard)
	assert.Equal(t, DefaultServiceName, gw.serviceName)
}

func TestConnectForwardsDefaultConfig(t *testing.T) {
	gw, state, _ := newTestGateway(t)
	peer := newFakePeer("peer-a")

	id, err := gw.Connect(as(alice), peer, &fakeEvents{}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ClientID(1), id)

	owner, ok := gw.registry.Owner(id)
	require.True(t, ok)
	assert.Equal(t, alice, owner)
	assert.Equal(t, 1, peer.linked())

	last := state.last()
	assert.Equal(t, "connect", last.op)
	assert.Equal(t, id, last.clientID)
	assert.Equal(t, alice, last.args[0])
	assert.Equal(t, types.DefaultConfigRequest(), last.args[1])
}

func TestConnectForwardsGivenConfig(t *testing.T) {
	gw, state, _ := newTestGateway(t)
	cfg := &types.ConfigRequest{Support5gBand: true, MasterPreference: 10, ClusterLow: 5, ClusterHigh: 10}

	id, err := gw.Connect(as(alice), newFakePeer("p"), &fakeEvents{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, id, state.last().clientID)
	assert.Equal(t, *cfg, state.last().args[1])
}

func TestConnectIdentitiesIncrease(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	first := connect(t, gw, alice, newFakePeer("a"))
	second := connect(t, gw, bob, newFakePeer("b"))
	assert.Greater(t, second, first)
}

func TestConnectRejections(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		peer     PeerHandle
		callback types.EventCallback
		cfg      *types.ConfigRequest
		deny     types.Permission
		code     string
	}{
		{
			name:     "missing caller",
			ctx:      context.Background(),
			peer:     newFakePeer("p"),
			callback: &fakeEvents{},
			code:     types.ErrCodeUnauthorized,
		},
		{
			name:     "access denied",
			ctx:      as(alice),
			peer:     newFakePeer("p"),
			callback: &fakeEvents{},
			deny:     types.PermissionAccess,
			code:     types.ErrCodeUnauthorized,
		},
		{
			name:     "change denied",
			ctx:      as(alice),
			peer:     newFakePeer("p"),
			callback: &fakeEvents{},
			deny:     types.PermissionChange,
			code:     types.ErrCodeUnauthorized,
		},
		{
			name: "nil callback",
			ctx:  as(alice),
			peer: newFakePeer("p"),
			code: types.ErrCodeInvalidArgument,
		},
		{
			name:     "nil peer",
			ctx:      as(alice),
			callback: &fakeEvents{},
			code:     types.ErrCodeInvalidArgument,
		},
		{
			name:     "cluster range inverted",
			ctx:      as(alice),
			peer:     newFakePeer("p"),
			callback: &fakeEvents{},
			cfg:      &types.ConfigRequest{ClusterLow: 10, ClusterHigh: 5},
			code:     types.ErrCodeInvalidConfiguration,
		},
		{
			name:     "master preference out of range",
			ctx:      as(alice),
			peer:     newFakePeer("p"),
			callback: &fakeEvents{},
			cfg:      &types.ConfigRequest{MasterPreference: 256, ClusterHigh: 1},
			code:     types.ErrCodeInvalidConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, state, guard := newTestGateway(t)
			if tt.deny != "" {
				guard.deny(tt.deny)
			}

			id, err := gw.Connect(tt.ctx, tt.peer, tt.callback, tt.cfg)
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, tt.code), "got %v", err)
			assert.Equal(t, types.NoClient, id)
			assert.Equal(t, 0, gw.registry.Len())
			assert.Empty(t, state.ops())
			assert.Equal(t, types.ClientID(1), gw.allocator.Peek(), "no identity may be allocated")
		})
	}
}

func TestConnectInvalidConfigurationIsInvalidArgument(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	_, err := gw.Connect(as(alice), newFakePeer("p"), &fakeEvents{}, &types.ConfigRequest{ClusterLow: -1})
	require.Error(t, err)
	assert.True(t, types.IsInvalidArgument(err))
}

func TestConnectDeadPeer(t *testing.T) {
	gw, state, _ := newTestGateway(t)
	peer := newFakePeer("dead")
	peer.kill()
	events := &fakeEvents{}

	id, err := gw.Connect(as(alice), peer, events, nil)
	require.NoError(t, err)
	assert.Equal(t, types.NoClient, id)
	assert.Equal(t, []int{types.ReasonOther}, events.failed())
	assert.Equal(t, 0, gw.registry.Len())
	assert.Empty(t, state.ops())
	assert.Equal(t, int64(1), gw.Stats().ConnectFails)
}

func TestDisconnect(t *testing.T) {
	gw, state, _ := newTestGateway(t)
	peer := newFakePeer("a")
	id := connect(t, gw, alice, peer)

	require.NoError(t, gw.Disconnect(as(alice), id, peer))
	assert.Equal(t, 0, gw.registry.Len())
	assert.Equal(t, 1, state.count("disconnect", id))
	assert.Equal(t, 0, peer.linked(), "watcher must be unlinked")

	// The identity is gone, so a second disconnect is unauthorized.
	err := gw.Disconnect(as(alice), id, peer)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnauthorized))
	assert.Equal(t, 1, state.count("disconnect", id))

	// Death after disconnect produces nothing.
	peer.kill()
	peer.waitDeaths()
	assert.Equal(t, 1, state.count("disconnect", id))
}

func TestDisconnectSameUserOtherProcess(t *testing.T) {
	gw, state, _ := newTestGateway(t)
	peer := newFakePeer("a")
	id := connect(t, gw, alice, peer)

	sibling := alice
	sibling.PID = alice.PID + 1
	require.NoError(t, gw.Disconnect(as(sibling), id, peer))
	assert.Equal(t, 1, state.count("disconnect", id))
}

func TestDisconnectRejections(t *testing.T) {
	gw, state, guard := newTestGateway(t)
	peer := newFakePeer("a")
	id := connect(t, gw, alice, peer)

	err := gw.Disconnect(as(bob), id, peer)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnauthorized))

	err = gw.Disconnect(as(alice), id, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	err = gw.Disconnect(as(alice), id+100, peer)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnauthorized))

	guard.deny(types.PermissionChange)
	err = gw.Disconnect(as(alice), id, peer)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnauthorized))

	assert.Equal(t, 1, gw.registry.Len())
	assert.Equal(t, 0, state.count("disconnect", id))
	assert.Equal(t, 1, peer.linked())
}

func TestDisconnectWithDifferentPeerStillUnlinksConnectPeer(t *testing.T) {
	gw, state, _ := newTestGateway(t)
	peer := newFakePeer("a")
	id := connect(t, gw, alice, peer)

	require.NoError(t, gw.Disconnect(as(alice), id, newFakePeer("other")))
	assert.Equal(t, 0, peer.linked())
	assert.Equal(t, 1, state.count("disconnect", id))
}

func TestPeerDeathTearsDown(t *testing.T) {
	gw, state, _ := newTestGateway(t)
	peer := newFakePeer("a")
	id := connect(t, gw, alice, peer)

	peer.kill()
	peer.waitDeaths()

	assert.Equal(t, 0, gw.registry.Len())
	assert.Equal(t, 1, state.count("disconnect", id))
	assert.Equal(t, int64(1), gw.Stats().PeerDeaths)

	ops := state.ops()
	require.Len(t, ops, 2)
	assert.Equal(t, []string{"connect", "disconnect"}, ops)
}

func TestPeerDeathOnlyAffectsItsClient(t *testing.T) {
	gw, state, _ := newTestGateway(t)
	peerA := newFakePeer("a")
	peerB := newFakePeer("b")
	idA := connect(t, gw, alice, peerA)
	idB := connect(t, gw, alice, peerB)

	peerA.kill()
	peerA.waitDeaths()

	_, ok := gw.registry.Owner(idA)
	assert.False(t, ok)
	_, ok = gw.registry.Owner(idB)
	assert.True(t, ok)
	assert.Equal(t, 0, state.count("disconnect", idB))
}

func TestDisconnectRacingPeerDeath(t *testing.T) {
	for i := 0; i < 200; i++ {
		gw, state, _ := newTestGateway(t)
		peer := newFakePeer("racer")
		id := connect(t, gw, alice, peer)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := gw.Disconnect(as(alice), id, peer)
			if err != nil {
				// The death path won the race and removed the identity first.
				assert.True(t, types.IsErrCode(err, types.ErrCodeUnauthorized))
			}
		}()
		go func() {
			defer wg.Done()
			peer.kill()
		}()
		wg.Wait()
		peer.waitDeaths()

		require.Equal(t, 1, state.count("disconnect", id), "iteration %d", i)
		require.Equal(t, 0, gw.registry.Len())
	}
}

func TestConcurrentConnectsDistinctIdentities(t *testing.T) {
	gw, state, _ := newTestGateway(t)

	const n = 64
	ids := make(chan types.ClientID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := gw.Connect(as(alice), newFakePeer("p"), &fakeEvents{}, nil)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[types.ClientID]bool)
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, gw.registry.Len())
	assert.Len(t, state.ops(), n)
}

func TestOwnershipScenario(t *testing.T) {
	gw, state, _ := newTestGateway(t)
	peer := newFakePeer("a")

	id := connect(t, gw, alice, peer)
	assert.Equal(t, types.ClientID(1), id)

	err := gw.Disconnect(as(bob), id, peer)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnauthorized))

	peer.kill()
	peer.waitDeaths()
	_, ok := gw.registry.Owner(id)
	assert.False(t, ok)

	err = gw.Publish(as(alice), id, &types.PublishConfig{ServiceName: "svc"}, nopSession{})
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnauthorized))
	assert.Equal(t, 0, state.count("publish", id))
}

func TestDump(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	connect(t, gw, alice, newFakePeer("peer-a"))
	connect(t, gw, bob, newFakePeer("peer-b"))

	var buf bytes.Buffer
	require.NoError(t, gw.Dump(as(alice), &buf))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "awarenessd:\n"))
	assert.Contains(t, out, "nextClientId: 3")
	assert.Contains(t, out, "clients: 2")
	assert.Contains(t, out, "client 1: owner=uid=1000,gid=1000,pid=4242 peer=peer-a")
	assert.Contains(t, out, "client 2: owner=uid=1001")
	assert.Contains(t, out, "state: fake")
}

func TestDumpDenied(t *testing.T) {
	gw, _, guard := newTestGateway(t)
	guard.deny(types.PermissionDump)

	var buf bytes.Buffer
	err := gw.Dump(as(alice), &buf)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnauthorized))
	assert.Equal(t, "Permission Denial: can't dump awarenessd from pid=4242, uid=1000\n", buf.String())
}

func TestDumpIndependentOfOperationalPermissions(t *testing.T) {
	gw, _, guard := newTestGateway(t)
	guard.deny(types.PermissionAccess)
	guard.deny(types.PermissionChange)

	var buf bytes.Buffer
	require.NoError(t, gw.Dump(as(alice), &buf))
	assert.Contains(t, buf.String(), "nextClientId: 1")
}

func TestStats(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	peer := newFakePeer("a")
	id := connect(t, gw, alice, peer)
	connect(t, gw, alice, newFakePeer("b"))
	require.NoError(t, gw.Disconnect(as(alice), id, peer))

	s := gw.Stats()
	assert.Equal(t, 1, s.ActiveClients)
	assert.Equal(t, types.ClientID(3), s.NextClientID)
	assert.Equal(t, int64(2), s.Connects)
	assert.Equal(t, int64(1), s.Disconnects)
	assert.Contains(t, gw.String(), "active_clients: 1")
}
