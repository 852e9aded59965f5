package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/billm/baaaht/awareness/pkg/types"
)

// DeathRecipient is notified when the peer it is linked to terminates.
type DeathRecipient interface {
	PeerDied()
}

// PeerHandle is the lifetime handle of a remote peer.
//
// LinkToDeath must fail when the peer is already gone. Once linked, the
// recipient is called at most once, from a goroutine owned by the handle,
// unless UnlinkToDeath removed it first. UnlinkToDeath is idempotent and
// reports whether the recipient was still linked.
type PeerHandle interface {
	LinkToDeath(recipient DeathRecipient) error
	UnlinkToDeath(recipient DeathRecipient) bool
	String() string
}

// deathWatcher is the recipient linked to the peer of one client. It stays
// unarmed until Connect has published the record and forwarded the connect,
// so a peer that dies mid-connect is torn down after, never before, the
// state manager learned about the client.
type deathWatcher struct {
	gw        *Gateway
	clientID  types.ClientID
	peer      PeerHandle
	armed     chan struct{}
	armOnce   sync.Once
	abandoned atomic.Bool
	fired     sync.Once
}

func newDeathWatcher(gw *Gateway, clientID types.ClientID, peer PeerHandle) *deathWatcher {
	return &deathWatcher{
		gw:       gw,
		clientID: clientID,
		peer:     peer,
		armed:    make(chan struct{}),
	}
}

// arm releases a pending or future PeerDied.
func (w *deathWatcher) arm() {
	w.armOnce.Do(func() { close(w.armed) })
}

// abandon releases the watcher without tearing anything down. Used when
// connect fails after the watcher was created.
func (w *deathWatcher) abandon() {
	w.abandoned.Store(true)
	w.arm()
}

// detach unlinks the watcher from its peer. Safe to call any number of times,
// including after the watcher fired.
func (w *deathWatcher) detach() {
	w.peer.UnlinkToDeath(w)
}

// PeerDied implements DeathRecipient
func (w *deathWatcher) PeerDied() {
	w.fired.Do(func() {
		<-w.armed
		if w.abandoned.Load() {
			return
		}
		w.gw.logger.Debug("Peer died", "client_id", w.clientID, "peer", w.peer.String())
		w.detach()
		w.gw.teardown(w.clientID, teardownPeerDied)
	})
}
