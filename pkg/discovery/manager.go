package discovery

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/billm/baaaht/awareness/internal/config"
	"github.com/billm/baaaht/awareness/internal/dispatch"
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/gateway"
	"github.com/billm/baaaht/awareness/pkg/types"
)

var _ gateway.StateManager = (*Manager)(nil)

// Manager tracks clients and sessions and produces discovery callbacks
type Manager struct {
	mu           sync.Mutex
	cfg          config.DiscoveryConfig
	clients      map[types.ClientID]*client
	instances    map[types.PeerID]*session
	nextInstance types.PeerID
	dispatch     *dispatch.Dispatcher
	logger       *logger.Logger
	closed       bool

	matches      int64
	messagesSent int64
	messagesFail int64
}

// New creates a new discovery manager
func New(cfg config.DiscoveryConfig, log *logger.Logger) (*Manager, error) {
	if cfg.MaxClients <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "max clients must be positive")
	}
	if cfg.MaxSessionsPerClient <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "max sessions per client must be positive")
	}
	if cfg.MaxMessageLength <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "max message length must be positive")
	}

	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	log = log.With("component", "discovery")

	m := &Manager{
		cfg:       cfg,
		clients:   make(map[types.ClientID]*client),
		instances: make(map[types.PeerID]*session),
		dispatch:  dispatch.New(log),
		logger:    log,
	}

	m.logger.Info("Discovery manager initialized",
		"max_clients", cfg.MaxClients,
		"max_sessions_per_client", cfg.MaxSessionsPerClient)
	return m, nil
}

// NewDefault creates a manager with the default discovery configuration
func NewDefault(log *logger.Logger) (*Manager, error) {
	return New(config.DefaultDiscoveryConfig(), log)
}

// Connect admits a client
func (m *Manager) Connect(clientID types.ClientID, owner types.Principal, callback types.EventCallback, cfg types.ConfigRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || callback == nil {
		return
	}

	if _, exists := m.clients[clientID]; exists {
		m.logger.Error("Client already connected", "client_id", clientID)
		m.dispatch.Post(func() { callback.OnConnectFail(types.ReasonOther) })
		return
	}
	if len(m.clients) >= m.cfg.MaxClients {
		m.logger.Warn("Client limit reached", "client_id", clientID, "max_clients", m.cfg.MaxClients)
		m.dispatch.Post(func() { callback.OnConnectFail(types.ReasonNoResources) })
		return
	}

	m.clients[clientID] = &client{
		id:          clientID,
		owner:       owner,
		callback:    callback,
		config:      cfg,
		sessions:    make(map[types.SessionID]*session),
		connectedAt: time.Now(),
	}
	m.dispatch.Post(func() { callback.OnConnectSuccess(clientID) })
	m.logger.Debug("Client admitted", "client_id", clientID, "owner", owner.String())
}

// Disconnect forgets a client and drops its sessions without callbacks
func (m *Manager) Disconnect(clientID types.ClientID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.clients[clientID]
	if !exists {
		m.logger.Debug("Disconnect for unknown client", "client_id", clientID)
		return
	}
	for _, s := range c.sessions {
		m.removeSessionLocked(s)
	}
	delete(m.clients, clientID)
	m.logger.Debug("Client removed", "client_id", clientID)
}

// TerminateSession ends a session at the request of its client
func (m *Manager) TerminateSession(clientID types.ClientID, sessionID types.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(clientID, sessionID)
	if s == nil {
		m.logger.Warn("Terminate for unknown session", "client_id", clientID, "session_id", sessionID)
		return
	}
	m.removeSessionLocked(s)
}

// Publish starts a publish session
func (m *Manager) Publish(clientID types.ClientID, cfg types.PublishConfig, callback types.SessionCallback) {
	m.startSession(clientID, kindPublish, callback, func(s *session) { s.publish = cfg })
}

// Subscribe starts a subscribe session
func (m *Manager) Subscribe(clientID types.ClientID, cfg types.SubscribeConfig, callback types.SessionCallback) {
	m.startSession(clientID, kindSubscribe, callback, func(s *session) { s.subscribe = cfg })
}

func (m *Manager) startSession(clientID types.ClientID, kind sessionKind, callback types.SessionCallback, apply func(*session)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || callback == nil {
		return
	}

	c, exists := m.clients[clientID]
	if !exists {
		m.logger.Warn("Session request for unknown client", "client_id", clientID, "kind", kind.String())
		m.dispatch.Post(func() { callback.OnSessionConfigFail(types.ReasonOther) })
		return
	}
	if len(c.sessions) >= m.cfg.MaxSessionsPerClient {
		m.logger.Warn("Session limit reached", "client_id", clientID, "max_sessions", m.cfg.MaxSessionsPerClient)
		m.dispatch.Post(func() { callback.OnSessionConfigFail(types.ReasonNoResources) })
		return
	}

	c.nextSession++
	m.nextInstance++
	s := &session{
		clientID: clientID,
		id:       c.nextSession,
		instance: m.nextInstance,
		kind:     kind,
		callback: callback,
		matched:  make(map[types.PeerID]bool),
		started:  time.Now(),
	}
	apply(s)

	c.sessions[s.id] = s
	m.instances[s.instance] = s

	sessionID := s.id
	m.dispatch.Post(func() { callback.OnSessionStarted(sessionID) })
	m.armExpiryLocked(s)
	m.matchLocked(s)

	m.logger.Debug("Session started", "client_id", clientID, "session_id", s.id,
		"kind", kind.String(), "service", s.serviceName(), "instance", s.instance)
}

// UpdatePublish replaces the configuration of a publish session
func (m *Manager) UpdatePublish(clientID types.ClientID, sessionID types.SessionID, cfg types.PublishConfig) {
	m.updateSession(clientID, sessionID, kindPublish, func(s *session) { s.publish = cfg })
}

// UpdateSubscribe replaces the configuration of a subscribe session
func (m *Manager) UpdateSubscribe(clientID types.ClientID, sessionID types.SessionID, cfg types.SubscribeConfig) {
	m.updateSession(clientID, sessionID, kindSubscribe, func(s *session) { s.subscribe = cfg })
}

func (m *Manager) updateSession(clientID types.ClientID, sessionID types.SessionID, kind sessionKind, apply func(*session)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(clientID, sessionID)
	if s == nil {
		m.logger.Warn("Update for unknown session", "client_id", clientID, "session_id", sessionID)
		return
	}
	cb := s.callback
	if s.kind != kind {
		m.dispatch.Post(func() { cb.OnSessionConfigFail(types.ReasonInvalidArgs) })
		return
	}

	apply(s)
	m.dispatch.Post(func() { cb.OnSessionConfigSuccess() })
	m.armExpiryLocked(s)
	m.matchLocked(s)
}

// SendMessage relays a message from a session to a matched peer session
func (m *Manager) SendMessage(clientID types.ClientID, sessionID types.SessionID, peerID types.PeerID,
	message []byte, messageLength, messageID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(clientID, sessionID)
	if s == nil {
		m.logger.Warn("Message from unknown session", "client_id", clientID, "session_id", sessionID)
		return
	}
	sender := s.callback

	if messageLength < 0 || messageLength > len(message) || messageLength > m.cfg.MaxMessageLength {
		m.messagesFail++
		m.dispatch.Post(func() { sender.OnMessageSendFail(messageID, types.ReasonInvalidArgs) })
		return
	}
	peer, exists := m.instances[peerID]
	if !exists || !s.matched[peerID] {
		m.messagesFail++
		m.dispatch.Post(func() { sender.OnMessageSendFail(messageID, types.ReasonNoMatchSession) })
		return
	}

	payload := clone(message[:messageLength])
	from := s.instance
	receiver := peer.callback
	m.messagesSent++
	m.dispatch.Post(func() { receiver.OnMessageReceived(from, payload) })
	m.dispatch.Post(func() { sender.OnMessageSendSuccess(messageID) })
}

// Dump writes the clients and sessions known to the manager
func (m *Manager) Dump(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]types.ClientID, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Fprintf(w, "Discovery:\n")
	fmt.Fprintf(w, "  clients: %d sessions: %d matches: %d messages: %d failed: %d\n",
		len(m.clients), len(m.instances), m.matches, m.messagesSent, m.messagesFail)
	for _, id := range ids {
		c := m.clients[id]
		fmt.Fprintf(w, "    client %d: owner=%s %s\n", c.id, c.owner, c.config)

		sids := make([]types.SessionID, 0, len(c.sessions))
		for sid := range c.sessions {
			sids = append(sids, sid)
		}
		sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })
		for _, sid := range sids {
			s := c.sessions[sid]
			fmt.Fprintf(w, "      session %d: %s service=%q instance=%d matches=%d\n",
				s.id, s.kind, s.serviceName(), s.instance, len(s.matched))
		}
	}
}

// Flush blocks until every callback produced so far has been delivered
func (m *Manager) Flush() {
	m.dispatch.Flush()
}

// Close stops session timers and delivers the callbacks still queued
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "discovery manager already closed")
	}
	m.closed = true
	for _, s := range m.instances {
		s.stopExpiry()
	}
	m.mu.Unlock()

	m.dispatch.Close()
	m.logger.Info("Discovery manager closed")
	return nil
}

// Stats holds discovery counters
type Stats struct {
	Clients          int   `json:"clients"`
	Sessions         int   `json:"sessions"`
	Matches          int64 `json:"matches"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesFailed   int64 `json:"messages_failed"`
	PendingCallbacks int   `json:"pending_callbacks"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{Clients: %d, Sessions: %d, Matches: %d, Pending: %d}",
		s.Clients, s.Sessions, s.Matches, s.PendingCallbacks)
}

// Stats returns discovery counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Clients:        len(m.clients),
		Sessions:       len(m.instances),
		Matches:        m.matches,
		MessagesSent:   m.messagesSent,
		MessagesFailed: m.messagesFail,
	}
	m.mu.Unlock()

	s.PendingCallbacks = m.dispatch.Backlog()
	return s
}

// String returns a string representation of the manager
func (m *Manager) String() string {
	return fmt.Sprintf("Manager{%s}", m.Stats())
}

func (m *Manager) lookupLocked(clientID types.ClientID, sessionID types.SessionID) *session {
	c, exists := m.clients[clientID]
	if !exists {
		return nil
	}
	return c.sessions[sessionID]
}

func (m *Manager) removeSessionLocked(s *session) {
	s.stopExpiry()
	if c, exists := m.clients[s.clientID]; exists {
		delete(c.sessions, s.id)
	}
	delete(m.instances, s.instance)
	for peerID := range s.matched {
		if peer, exists := m.instances[peerID]; exists {
			delete(peer.matched, s.instance)
		}
	}
}

func (m *Manager) armExpiryLocked(s *session) {
	s.stopExpiry()
	ttl := s.ttl()
	if ttl <= 0 {
		return
	}
	clientID, sessionID, instance := s.clientID, s.id, s.instance
	s.expiry = time.AfterFunc(ttl, func() { m.expire(clientID, sessionID, instance) })
}

func (m *Manager) expire(clientID types.ClientID, sessionID types.SessionID, instance types.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(clientID, sessionID)
	if m.closed || s == nil || s.instance != instance {
		return
	}
	m.removeSessionLocked(s)
	m.logger.Debug("Session expired", "client_id", clientID, "session_id", sessionID)

	if s.notifyTerminate() {
		cb := s.callback
		m.dispatch.Post(func() { cb.OnSessionTerminated(types.TerminateReasonDone) })
	}
}

// matchLocked pairs s with every live session of the opposite kind
func (m *Manager) matchLocked(s *session) {
	for _, other := range m.instances {
		if other == s || other.kind == s.kind {
			continue
		}
		if s.kind == kindPublish {
			m.matchPairLocked(s, other)
		} else {
			m.matchPairLocked(other, s)
		}
	}
}

// matchPairLocked reports pub to sub when the subscriber is looking for it.
// A solicited publisher only answers active subscribers and is told about
// them in turn.
func (m *Manager) matchPairLocked(pub, sub *session) {
	if pub.publish.ServiceName != sub.subscribe.ServiceName {
		return
	}
	if len(sub.subscribe.MatchFilter) > 0 && !bytes.Equal(sub.subscribe.MatchFilter, pub.publish.MatchFilter) {
		return
	}
	solicited := pub.publish.PublishType == types.PublishTypeSolicited
	if solicited && sub.subscribe.SubscribeType != types.SubscribeTypeActive {
		return
	}
	if sub.matched[pub.instance] {
		return
	}
	if sub.subscribe.MatchStyle == types.MatchStyleFirstOnly && len(sub.matched) > 0 {
		return
	}

	sub.matched[pub.instance] = true
	pub.matched[sub.instance] = true
	m.matches++

	subCB, pubInstance := sub.callback, pub.instance
	pubInfo, pubFilter := clone(pub.serviceInfo()), clone(pub.matchFilter())
	m.dispatch.Post(func() { subCB.OnMatch(pubInstance, pubInfo, pubFilter) })

	if solicited {
		pubCB, subInstance := pub.callback, sub.instance
		subInfo, subFilter := clone(sub.serviceInfo()), clone(sub.matchFilter())
		m.dispatch.Post(func() { pubCB.OnMatch(subInstance, subInfo, subFilter) })
	}
}
