package ipc

import (
	"github.com/billm/baaaht/awareness/pkg/codec"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// Actions accepted in Request.Action
const (
	ActionPing            = "ping"
	ActionConnect         = "connect"
	ActionDisconnect      = "disconnect"
	ActionTerminate       = "terminate_session"
	ActionPublish         = "publish"
	ActionUpdatePublish   = "update_publish"
	ActionSubscribe       = "subscribe"
	ActionUpdateSubscribe = "update_subscribe"
	ActionSendMessage     = "send_message"
	ActionDump            = "dump"
)

// Event names carried in Frame.Event
const (
	EventConnectSuccess       = "connect_success"
	EventConnectFail          = "connect_fail"
	EventSessionStarted       = "session_started"
	EventSessionConfigSuccess = "session_config_success"
	EventSessionConfigFail    = "session_config_fail"
	EventSessionTerminated    = "session_terminated"
	EventMatch                = "match"
	EventMessageSendSuccess   = "message_send_success"
	EventMessageSendFail      = "message_send_fail"
	EventMessageReceived      = "message_received"
)

// Request is a frame written by a client. Only the fields the action uses
// are set.
type Request struct {
	Action        string                 `cbor:"action"`
	Seq           uint64                 `cbor:"seq"`
	ClientID      types.ClientID         `cbor:"client_id,omitempty"`
	SessionID     types.SessionID        `cbor:"session_id,omitempty"`
	PeerID        types.PeerID           `cbor:"peer_id,omitempty"`
	Config        *types.ConfigRequest   `cbor:"config,omitempty"`
	Publish       *types.PublishConfig   `cbor:"publish,omitempty"`
	Subscribe     *types.SubscribeConfig `cbor:"subscribe,omitempty"`
	Message       []byte                 `cbor:"message,omitempty"`
	MessageLength int                    `cbor:"message_length,omitempty"`
	MessageID     int                    `cbor:"message_id,omitempty"`
}

// Frame is written by the server. A frame with an empty Event is the
// response to the request with the same Seq; otherwise it is an event for
// the callback registered under Token.
type Frame struct {
	Seq   uint64           `cbor:"seq,omitempty"`
	OK    bool             `cbor:"ok,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`

	Event     string          `cbor:"event,omitempty"`
	Token     uint64          `cbor:"token,omitempty"`
	ClientID  types.ClientID  `cbor:"client_id,omitempty"`
	SessionID types.SessionID `cbor:"session_id,omitempty"`
	PeerID    types.PeerID    `cbor:"peer_id,omitempty"`
	Reason    int             `cbor:"reason,omitempty"`
	MessageID int             `cbor:"message_id,omitempty"`
	Info      []byte          `cbor:"info,omitempty"`
	Filter    []byte          `cbor:"filter,omitempty"`
	Message   []byte          `cbor:"message,omitempty"`
}

// IsEvent reports whether the frame is an event rather than a response
func (f *Frame) IsEvent() bool {
	return f.Event != ""
}

// Err rebuilds the typed error carried by a failed response
func (f *Frame) Err() error {
	if f.OK {
		return nil
	}
	code := f.Code
	if code == "" {
		code = types.ErrCodeInternal
	}
	return types.NewError(code, f.Error)
}

// ConnectResult is the data of a successful connect response
type ConnectResult struct {
	ClientID types.ClientID `cbor:"client_id"`
}

// DumpResult is the data of a dump response
type DumpResult struct {
	Text string `cbor:"text"`
}
