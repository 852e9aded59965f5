package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakePeer is a PeerHandle whose death is triggered by the test
type fakePeer struct {
	mu         sync.Mutex
	name       string
	dead       bool
	recipients map[DeathRecipient]struct{}
	wg         sync.WaitGroup
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name, recipients: make(map[DeathRecipient]struct{})}
}

func (p *fakePeer) LinkToDeath(r DeathRecipient) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return types.NewError(types.ErrCodePeerUnreachable, "peer is dead")
	}
	p.recipients[r] = struct{}{}
	return nil
}

func (p *fakePeer) UnlinkToDeath(r DeathRecipient) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.recipients[r]
	delete(p.recipients, r)
	return ok
}

func (p *fakePeer) String() string { return p.name }

func (p *fakePeer) linked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recipients)
}

// kill marks the peer dead and notifies its recipients asynchronously
func (p *fakePeer) kill() {
	p.mu.Lock()
	p.dead = true
	recipients := make([]DeathRecipient, 0, len(p.recipients))
	for r := range p.recipients {
		recipients = append(recipients, r)
	}
	p.recipients = make(map[DeathRecipient]struct{})
	p.mu.Unlock()

	for _, r := range recipients {
		p.wg.Add(1)
		go func(r DeathRecipient) {
			defer p.wg.Done()
			r.PeerDied()
		}(r)
	}
}

// waitDeaths blocks until every recipient notified by kill has returned
func (p *fakePeer) waitDeaths() {
	p.wg.Wait()
}

type call struct {
	op       string
	clientID types.ClientID
	args     []any
}

// fakeState records every call forwarded by the gateway
type fakeState struct {
	mu    sync.Mutex
	calls []call
}

func (s *fakeState) record(op string, id types.ClientID, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{op: op, clientID: id, args: args})
}

func (s *fakeState) Connect(id types.ClientID, owner types.Principal, _ types.EventCallback, cfg types.ConfigRequest) {
	s.record("connect", id, owner, cfg)
}

func (s *fakeState) Disconnect(id types.ClientID) { s.record("disconnect", id) }

func (s *fakeState) TerminateSession(id types.ClientID, sessionID types.SessionID) {
	s.record("terminate", id, sessionID)
}

func (s *fakeState) Publish(id types.ClientID, cfg types.PublishConfig, _ types.SessionCallback) {
	s.record("publish", id, cfg)
}

func (s *fakeState) UpdatePublish(id types.ClientID, sessionID types.SessionID, cfg types.PublishConfig) {
	s.record("update_publish", id, sessionID, cfg)
}

func (s *fakeState) Subscribe(id types.ClientID, cfg types.SubscribeConfig, _ types.SessionCallback) {
	s.record("subscribe", id, cfg)
}

func (s *fakeState) UpdateSubscribe(id types.ClientID, sessionID types.SessionID, cfg types.SubscribeConfig) {
	s.record("update_subscribe", id, sessionID, cfg)
}

func (s *fakeState) SendMessage(id types.ClientID, sessionID types.SessionID, peerID types.PeerID, msg []byte, length, msgID int) {
	s.record("send_message", id, sessionID, peerID, msg, length, msgID)
}

func (s *fakeState) Dump(w io.Writer) {
	fmt.Fprintln(w, "state: fake")
}

func (s *fakeState) count(op string, id types.ClientID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.op == op && c.clientID == id {
			n++
		}
	}
	return n
}

func (s *fakeState) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.op)
	}
	return out
}

func (s *fakeState) last() call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

// fakeGuard denies the listed permissions
type fakeGuard struct {
	mu     sync.Mutex
	denied map[types.Permission]bool
}

func (g *fakeGuard) deny(kind types.Permission) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied == nil {
		g.denied = make(map[types.Permission]bool)
	}
	g.denied[kind] = true
}

func (g *fakeGuard) Check(p types.Principal, kind types.Permission) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied[kind] {
		return fmt.Errorf("uid %d lacks %s", p.UID, kind)
	}
	return nil
}

// fakeEvents records connect results
type fakeEvents struct {
	mu       sync.Mutex
	failures []int
}

func (e *fakeEvents) OnConnectSuccess(types.ClientID) {}

func (e *fakeEvents) OnConnectFail(reason int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, reason)
}

func (e *fakeEvents) failed() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.failures...)
}

type nopSession struct{}

func (nopSession) OnSessionStarted(types.SessionID)       {}
func (nopSession) OnSessionConfigSuccess()                {}
func (nopSession) OnSessionConfigFail(int)                {}
func (nopSession) OnSessionTerminated(int)                {}
func (nopSession) OnMatch(types.PeerID, []byte, []byte)   {}
func (nopSession) OnMessageSendSuccess(int)               {}
func (nopSession) OnMessageSendFail(int, int)             {}
func (nopSession) OnMessageReceived(types.PeerID, []byte) {}

var (
	alice = types.Principal{UID: 1000, GID: 1000, PID: 4242}
	bob   = types.Principal{UID: 1001, GID: 1001, PID: 4343}
)

func as(p types.Principal) context.Context {
	return WithCaller(context.Background(), p)
}

func newTestGateway(t *testing.T) (*Gateway, *fakeState, *fakeGuard) {
	t.Helper()
	state := &fakeState{}
	guard := &fakeGuard{}
	gw, err := New(Options{StateManager: state, Guard: guard, Logger: logger.NewDiscard()})
	require.NoError(t, err)
	return gw, state, guard
}

func connect(t *testing.T, gw *Gateway, p types.Principal, peer PeerHandle) types.ClientID {
	t.Helper()
	id, err := gw.Connect(as(p), peer, &fakeEvents{}, nil)
	require.NoError(t, err)
	require.True(t, id.IsValid())
	return id
}
