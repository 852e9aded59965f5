// Package client is the Go binding for the awareness daemon socket. It
// speaks the frame protocol of package ipc and turns event frames back into
// calls on the callbacks the application registered.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/billm/baaaht/awareness/internal/dispatch"
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/codec"
	"github.com/billm/baaaht/awareness/pkg/ipc"
	"github.com/billm/baaaht/awareness/pkg/types"
)

const (
	// DefaultDialTimeout bounds connecting to the daemon socket
	DefaultDialTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds one request when the context has no deadline
	DefaultRequestTimeout = 10 * time.Second
)

// Config contains client configuration
type Config struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// registration is the callback pair a request token routes events to
type registration struct {
	clientID types.ClientID
	events   types.EventCallback
	session  types.SessionCallback
}

// Client is one connection to the daemon. Callbacks run on a single
// goroutine in the order the daemon sent them; they may call back into the
// client but must not call Close.
type Client struct {
	path           string
	conn           net.Conn
	logger         *logger.Logger
	requestTimeout time.Duration
	dispatch       *dispatch.Dispatcher

	writeMu sync.Mutex
	enc     *codec.Encoder

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan *ipc.Frame
	tokens  map[uint64]*registration
	closed  bool
	readErr error
	done    chan struct{}

	requests atomic.Int64
	failures atomic.Int64
	events   atomic.Int64
	dropped  atomic.Int64
}

// Dial connects to the daemon listening on path
func Dial(ctx context.Context, path string, cfg Config, log *logger.Logger) (*Client, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", path)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to "+path, err)
	}

	c := &Client{
		path:           path,
		conn:           conn,
		logger:         log.With("component", "awareness_client", "socket_path", path),
		requestTimeout: requestTimeout,
		dispatch:       dispatch.New(log),
		enc:            codec.NewEncoder(conn),
		pending:        make(map[uint64]chan *ipc.Frame),
		tokens:         make(map[uint64]*registration),
		done:           make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Debug("Connected to daemon")
	return c, nil
}

// Ping round-trips an empty request
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, &ipc.Request{Action: ipc.ActionPing}, nil)
	return err
}

// Connect asks the daemon for a client identity. The outcome is also
// reported to cb; a refused connection returns types.NoClient and a nil
// error, with cb.OnConnectFail carrying the reason.
func (c *Client) Connect(ctx context.Context, cb types.EventCallback, cfg *types.ConfigRequest) (types.ClientID, error) {
	if cb == nil {
		return types.NoClient, types.NewError(types.ErrCodeInvalidArgument, "event callback is required")
	}

	reg := &registration{events: cb}
	resp, err := c.call(ctx, &ipc.Request{Action: ipc.ActionConnect, Config: cfg}, reg)
	if err != nil {
		return types.NoClient, err
	}

	var result ipc.ConnectResult
	if err := codec.Unmarshal(resp.Data, &result); err != nil {
		return types.NoClient, types.WrapError(types.ErrCodeInternal, "failed to decode connect result", err)
	}

	c.mu.Lock()
	reg.clientID = result.ClientID
	c.mu.Unlock()
	return result.ClientID, nil
}

// Disconnect releases the client identity. Callbacks registered for it
// stop receiving events.
func (c *Client) Disconnect(ctx context.Context, clientID types.ClientID) error {
	if _, err := c.call(ctx, &ipc.Request{Action: ipc.ActionDisconnect, ClientID: clientID}, nil); err != nil {
		return err
	}

	c.mu.Lock()
	for token, reg := range c.tokens {
		if reg.clientID == clientID {
			delete(c.tokens, token)
		}
	}
	c.mu.Unlock()
	return nil
}

// TerminateSession ends one publish or subscribe session
func (c *Client) TerminateSession(ctx context.Context, clientID types.ClientID, sessionID types.SessionID) error {
	_, err := c.call(ctx, &ipc.Request{Action: ipc.ActionTerminate, ClientID: clientID, SessionID: sessionID}, nil)
	return err
}

// Publish starts a publish session whose events are reported to cb
func (c *Client) Publish(ctx context.Context, clientID types.ClientID, cfg *types.PublishConfig, cb types.SessionCallback) error {
	if cb == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "session callback is required")
	}
	req := &ipc.Request{Action: ipc.ActionPublish, ClientID: clientID, Publish: cfg}
	_, err := c.call(ctx, req, &registration{clientID: clientID, session: cb})
	return err
}

// UpdatePublish changes the configuration of a publish session
func (c *Client) UpdatePublish(ctx context.Context, clientID types.ClientID, sessionID types.SessionID, cfg *types.PublishConfig) error {
	req := &ipc.Request{Action: ipc.ActionUpdatePublish, ClientID: clientID, SessionID: sessionID, Publish: cfg}
	_, err := c.call(ctx, req, nil)
	return err
}

// Subscribe starts a subscribe session whose events are reported to cb
func (c *Client) Subscribe(ctx context.Context, clientID types.ClientID, cfg *types.SubscribeConfig, cb types.SessionCallback) error {
	if cb == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "session callback is required")
	}
	req := &ipc.Request{Action: ipc.ActionSubscribe, ClientID: clientID, Subscribe: cfg}
	_, err := c.call(ctx, req, &registration{clientID: clientID, session: cb})
	return err
}

// UpdateSubscribe changes the configuration of a subscribe session
func (c *Client) UpdateSubscribe(ctx context.Context, clientID types.ClientID, sessionID types.SessionID, cfg *types.SubscribeConfig) error {
	req := &ipc.Request{Action: ipc.ActionUpdateSubscribe, ClientID: clientID, SessionID: sessionID, Subscribe: cfg}
	_, err := c.call(ctx, req, nil)
	return err
}

// SendMessage sends the first messageLength bytes of message to a matched
// peer. Delivery is reported to the session callback under messageID.
func (c *Client) SendMessage(ctx context.Context, clientID types.ClientID, sessionID types.SessionID,
	peerID types.PeerID, message []byte, messageLength, messageID int) error {
	req := &ipc.Request{
		Action:        ipc.ActionSendMessage,
		ClientID:      clientID,
		SessionID:     sessionID,
		PeerID:        peerID,
		Message:       message,
		MessageLength: messageLength,
		MessageID:     messageID,
	}
	_, err := c.call(ctx, req, nil)
	return err
}

// Dump returns the daemon's diagnostic text. A denied dump returns the
// denial line together with an Unauthorized error.
func (c *Client) Dump(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, &ipc.Request{Action: ipc.ActionDump}, nil)
	if resp == nil || len(resp.Data) == 0 {
		return "", err
	}

	var result ipc.DumpResult
	if derr := codec.Unmarshal(resp.Data, &result); derr != nil {
		return "", types.WrapError(types.ErrCodeInternal, "failed to decode dump result", derr)
	}
	return result.Text, err
}

// call writes req and waits for its response. When reg is non-nil it is
// registered under the request's sequence number before the request is
// written, so events that overtake the response still find it. The
// registration is dropped again if the daemon rejects the request.
func (c *Client) call(ctx context.Context, req *ipc.Request, reg *registration) (*ipc.Frame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	ch := make(chan *ipc.Frame, 1)
	c.mu.Lock()
	if c.closed || c.readErr != nil {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return nil, err
	}
	c.seq++
	req.Seq = c.seq
	c.pending[req.Seq] = ch
	if reg != nil {
		c.tokens[req.Seq] = reg
	}
	c.mu.Unlock()

	c.requests.Add(1)
	if err := c.write(ctx, req); err != nil {
		c.forget(req.Seq, true)
		c.failures.Add(1)
		return nil, err
	}

	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			if reg != nil {
				c.forget(req.Seq, true)
			}
			c.failures.Add(1)
			return resp, err
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.Seq, false)
		c.failures.Add(1)
		return nil, types.WrapError(types.ErrCodeTimeout, fmt.Sprintf("%s request %d", req.Action, req.Seq), ctx.Err())
	case <-c.done:
		c.failures.Add(1)
		c.mu.Lock()
		err := c.closedErrLocked()
		c.mu.Unlock()
		return nil, err
	}
}

func (c *Client) write(ctx context.Context, req *ipc.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	if err := c.enc.Encode(req); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to send "+req.Action, err)
	}
	return nil
}

// forget drops the pending response slot of seq. A timed out request keeps
// its registration: the daemon may still have accepted it.
func (c *Client) forget(seq uint64, dropRegistration bool) {
	c.mu.Lock()
	delete(c.pending, seq)
	if dropRegistration {
		delete(c.tokens, seq)
	}
	c.mu.Unlock()
}

func (c *Client) closedErrLocked() error {
	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	return types.WrapError(types.ErrCodeUnavailable, "connection to daemon lost", c.readErr)
}

func (c *Client) readLoop() {
	dec := codec.NewDecoder(c.conn)
	var err error
	for {
		var f ipc.Frame
		if err = dec.Decode(&f); err != nil {
			break
		}
		if f.IsEvent() {
			c.deliver(&f)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.Seq]
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Response without a pending request", "seq", f.Seq)
			continue
		}
		frame := f
		ch <- &frame
	}

	c.mu.Lock()
	if !c.closed {
		c.readErr = err
		c.logger.Warn("Connection to daemon lost", "error", err)
	}
	c.pending = make(map[uint64]chan *ipc.Frame)
	c.mu.Unlock()
	close(c.done)
}

// deliver queues the callback an event frame names
func (c *Client) deliver(f *ipc.Frame) {
	c.mu.Lock()
	reg, ok := c.tokens[f.Token]
	if ok && f.Event == ipc.EventConnectFail {
		delete(c.tokens, f.Token)
	}
	c.mu.Unlock()

	if !ok {
		c.dropped.Add(1)
		c.logger.Debug("Event without a registered callback", "event", f.Event, "token", f.Token)
		return
	}
	c.events.Add(1)

	var fn func()
	if reg.events != nil {
		fn = eventCall(reg.events, f)
	} else {
		fn = sessionCall(reg.session, f)
	}
	if fn == nil {
		c.logger.Debug("Event does not apply to callback", "event", f.Event, "token", f.Token)
		return
	}
	c.dispatch.Post(fn)
}

func eventCall(cb types.EventCallback, f *ipc.Frame) func() {
	switch f.Event {
	case ipc.EventConnectSuccess:
		id := f.ClientID
		return func() { cb.OnConnectSuccess(id) }
	case ipc.EventConnectFail:
		reason := f.Reason
		return func() { cb.OnConnectFail(reason) }
	}
	return nil
}

func sessionCall(cb types.SessionCallback, f *ipc.Frame) func() {
	switch f.Event {
	case ipc.EventSessionStarted:
		id := f.SessionID
		return func() { cb.OnSessionStarted(id) }
	case ipc.EventSessionConfigSuccess:
		return cb.OnSessionConfigSuccess
	case ipc.EventSessionConfigFail:
		reason := f.Reason
		return func() { cb.OnSessionConfigFail(reason) }
	case ipc.EventSessionTerminated:
		reason := f.Reason
		return func() { cb.OnSessionTerminated(reason) }
	case ipc.EventMatch:
		peer, info, filter := f.PeerID, f.Info, f.Filter
		return func() { cb.OnMatch(peer, info, filter) }
	case ipc.EventMessageSendSuccess:
		id := f.MessageID
		return func() { cb.OnMessageSendSuccess(id) }
	case ipc.EventMessageSendFail:
		id, reason := f.MessageID, f.Reason
		return func() { cb.OnMessageSendFail(id, reason) }
	case ipc.EventMessageReceived:
		peer, msg := f.PeerID, f.Message
		return func() { cb.OnMessageReceived(peer, msg) }
	}
	return nil
}

// Done is closed when the connection to the daemon ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open or after
// a local Close
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		return nil
	}
	return c.closedErrLocked()
}

// Close closes the connection, which the daemon treats as the death of
// every client identity obtained through it. Queued callbacks still run
// before Close returns.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	c.dispatch.Close()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return types.WrapError(types.ErrCodeInternal, "failed to close connection", err)
	}
	c.logger.Debug("Client closed")
	return nil
}

// Stats holds client counters
type Stats struct {
	Requests      int64 `json:"requests"`
	Failures      int64 `json:"failures"`
	Events        int64 `json:"events"`
	DroppedEvents int64 `json:"dropped_events"`
	Registrations int   `json:"registrations"`
}

// Stats returns client counters
func (c *Client) Stats() Stats {
	c.mu.Lock()
	regs := len(c.tokens)
	c.mu.Unlock()

	return Stats{
		Requests:      c.requests.Load(),
		Failures:      c.failures.Load(),
		Events:        c.events.Load(),
		DroppedEvents: c.dropped.Load(),
		Registrations: regs,
	}
}

// String returns a string representation of the client
func (c *Client) String() string {
	s := c.Stats()
	return fmt.Sprintf("Client{path: %s, requests: %d, failures: %d, events: %d}",
		c.path, s.Requests, s.Failures, s.Events)
}
