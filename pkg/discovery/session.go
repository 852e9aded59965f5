package discovery

import (
	"time"

	"github.com/billm/baaaht/awareness/pkg/types"
)

type sessionKind int

const (
	kindPublish sessionKind = iota
	kindSubscribe
)

func (k sessionKind) String() string {
	if k == kindPublish {
		return "publish"
	}
	return "subscribe"
}

// session is one publish or subscribe session. instance is unique across
// all clients and is the PeerID other sessions see in matches.
type session struct {
	clientID  types.ClientID
	id        types.SessionID
	instance  types.PeerID
	kind      sessionKind
	publish   types.PublishConfig
	subscribe types.SubscribeConfig
	callback  types.SessionCallback
	matched   map[types.PeerID]bool
	started   time.Time
	expiry    *time.Timer
}

func (s *session) serviceName() string {
	if s.kind == kindPublish {
		return s.publish.ServiceName
	}
	return s.subscribe.ServiceName
}

func (s *session) serviceInfo() []byte {
	if s.kind == kindPublish {
		return s.publish.ServiceSpecificInfo
	}
	return s.subscribe.ServiceSpecificInfo
}

func (s *session) matchFilter() []byte {
	if s.kind == kindPublish {
		return s.publish.MatchFilter
	}
	return s.subscribe.MatchFilter
}

func (s *session) ttl() time.Duration {
	if s.kind == kindPublish {
		return time.Duration(s.publish.TTLSec) * time.Second
	}
	return time.Duration(s.subscribe.TTLSec) * time.Second
}

func (s *session) notifyTerminate() bool {
	if s.kind == kindPublish {
		return s.publish.EnableTerminateNotification
	}
	return s.subscribe.EnableTerminateNotification
}

func (s *session) stopExpiry() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

// client is a connected client as seen by the manager
type client struct {
	id          types.ClientID
	owner       types.Principal
	callback    types.EventCallback
	config      types.ConfigRequest
	sessions    map[types.SessionID]*session
	nextSession types.SessionID
	connectedAt time.Time
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
