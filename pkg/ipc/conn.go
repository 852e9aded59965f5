package ipc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/billm/baaaht/awareness/pkg/codec"
	"github.com/billm/baaaht/awareness/pkg/gateway"
	"github.com/billm/baaaht/awareness/pkg/types"
)

var _ gateway.PeerHandle = (*peerConn)(nil)

// peerConn is one client connection. It is the peer handle the gateway
// watches: recipients linked to it fire once, when the read loop ends.
type peerConn struct {
	id        uint64
	conn      net.Conn
	principal types.Principal
	createdAt time.Time

	writeMu      sync.Mutex
	enc          *codec.Encoder
	writeTimeout time.Duration

	mu         sync.Mutex
	dead       bool
	recipients map[gateway.DeathRecipient]struct{}
}

func newPeerConn(id uint64, conn net.Conn, principal types.Principal, writeTimeout time.Duration) *peerConn {
	return &peerConn{
		id:           id,
		conn:         conn,
		principal:    principal,
		createdAt:    time.Now(),
		enc:          codec.NewEncoder(conn),
		writeTimeout: writeTimeout,
		recipients:   make(map[gateway.DeathRecipient]struct{}),
	}
}

// LinkToDeath implements gateway.PeerHandle
func (c *peerConn) LinkToDeath(recipient gateway.DeathRecipient) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return types.NewError(types.ErrCodePeerUnreachable, fmt.Sprintf("%s is closed", c))
	}
	c.recipients[recipient] = struct{}{}
	return nil
}

// UnlinkToDeath implements gateway.PeerHandle
func (c *peerConn) UnlinkToDeath(recipient gateway.DeathRecipient) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, linked := c.recipients[recipient]; !linked {
		return false
	}
	delete(c.recipients, recipient)
	return true
}

// markDead closes the connection and notifies every linked recipient on its
// own goroutine. Later calls do nothing.
func (c *peerConn) markDead() {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	recipients := make([]gateway.DeathRecipient, 0, len(c.recipients))
	for r := range c.recipients {
		recipients = append(recipients, r)
	}
	c.recipients = nil
	c.mu.Unlock()

	c.conn.Close()
	for _, r := range recipients {
		go r.PeerDied()
	}
}

func (c *peerConn) isDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// send writes one frame. Responses and events share the connection, so
// writes are serialized. A failed write kills the connection.
func (c *peerConn) send(frame *Frame) error {
	if c.isDead() {
		return types.NewError(types.ErrCodePeerUnreachable, fmt.Sprintf("%s is closed", c))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.enc.Encode(frame); err != nil {
		// A partial frame leaves the stream undecodable.
		c.markDead()
		return types.WrapError(types.ErrCodeUnavailable, fmt.Sprintf("failed to write to %s", c), err)
	}
	return nil
}

// String implements gateway.PeerHandle
func (c *peerConn) String() string {
	return fmt.Sprintf("conn-%d(uid=%d,pid=%d)", c.id, c.principal.UID, c.principal.PID)
}
