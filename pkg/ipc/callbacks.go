package ipc

import (
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// remoteCallback forwards state manager callbacks to the client as event
// frames tagged with the token of the request that registered them. A
// failed write drops the event and closes the connection, and the death
// watcher then tears the client down.
type remoteCallback struct {
	conn   *peerConn
	token  uint64
	logger *logger.Logger
}

var (
	_ types.EventCallback   = (*remoteCallback)(nil)
	_ types.SessionCallback = (*remoteCallback)(nil)
)

func (r *remoteCallback) emit(f *Frame) {
	f.Token = r.token
	if err := r.conn.send(f); err != nil {
		r.logger.Debug("Dropped event", "event", f.Event, "conn", r.conn.String(), "error", err)
	}
}

func (r *remoteCallback) OnConnectSuccess(clientID types.ClientID) {
	r.emit(&Frame{Event: EventConnectSuccess, ClientID: clientID})
}

func (r *remoteCallback) OnConnectFail(reason int) {
	r.emit(&Frame{Event: EventConnectFail, Reason: reason})
}

func (r *remoteCallback) OnSessionStarted(sessionID types.SessionID) {
	r.emit(&Frame{Event: EventSessionStarted, SessionID: sessionID})
}

func (r *remoteCallback) OnSessionConfigSuccess() {
	r.emit(&Frame{Event: EventSessionConfigSuccess})
}

func (r *remoteCallback) OnSessionConfigFail(reason int) {
	r.emit(&Frame{Event: EventSessionConfigFail, Reason: reason})
}

func (r *remoteCallback) OnSessionTerminated(reason int) {
	r.emit(&Frame{Event: EventSessionTerminated, Reason: reason})
}

func (r *remoteCallback) OnMatch(peerID types.PeerID, serviceSpecificInfo, matchFilter []byte) {
	r.emit(&Frame{Event: EventMatch, PeerID: peerID, Info: serviceSpecificInfo, Filter: matchFilter})
}

func (r *remoteCallback) OnMessageSendSuccess(messageID int) {
	r.emit(&Frame{Event: EventMessageSendSuccess, MessageID: messageID})
}

func (r *remoteCallback) OnMessageSendFail(messageID, reason int) {
	r.emit(&Frame{Event: EventMessageSendFail, MessageID: messageID, Reason: reason})
}

func (r *remoteCallback) OnMessageReceived(peerID types.PeerID, message []byte) {
	r.emit(&Frame{Event: EventMessageReceived, PeerID: peerID, Message: message})
}
