package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/billm/baaaht/awareness/internal/config"
	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/codec"
	"github.com/billm/baaaht/awareness/pkg/gateway"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// handlerFunc serves one action. A non-nil result becomes the response data.
type handlerFunc func(ctx context.Context, pc *peerConn, req *Request) (any, error)

var errFrameTooLarge = errors.New("frame exceeds maximum request size")

// frameReader bounds how many bytes one Decode may pull from the connection
type frameReader struct {
	r         io.Reader
	limit     int64
	remaining int64
}

func (f *frameReader) reset() {
	f.remaining = f.limit
}

func (f *frameReader) Read(p []byte) (int, error) {
	if f.limit <= 0 {
		return f.r.Read(p)
	}
	if f.remaining <= 0 {
		return 0, errFrameTooLarge
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.r.Read(p)
	f.remaining -= int64(n)
	return n, err
}

// Server accepts client connections and routes their requests to the gateway
type Server struct {
	cfg      config.IPCConfig
	gw       *gateway.Gateway
	logger   *logger.Logger
	handlers map[string]handlerFunc

	mu         sync.Mutex
	listener   net.Listener
	conns      map[uint64]*peerConn
	nextConnID uint64
	started    bool
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	accepted atomic.Int64
	rejected atomic.Int64
	requests atomic.Int64
}

// NewServer creates a server for gw. Call Listen to start accepting.
func NewServer(cfg config.IPCConfig, gw *gateway.Gateway, log *logger.Logger) (*Server, error) {
	if gw == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "gateway is required")
	}
	if cfg.SocketPath == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
	}
	if _, err := cfg.FileMode(); err != nil {
		return nil, err
	}

	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	s := &Server{
		cfg:    cfg,
		gw:     gw,
		logger: log.With("component", "ipc_server", "socket_path", cfg.SocketPath),
		conns:  make(map[uint64]*peerConn),
	}
	s.handlers = map[string]handlerFunc{
		ActionPing:            s.handlePing,
		ActionConnect:         s.handleConnect,
		ActionDisconnect:      s.handleDisconnect,
		ActionTerminate:       s.handleTerminate,
		ActionPublish:         s.handlePublish,
		ActionUpdatePublish:   s.handleUpdatePublish,
		ActionSubscribe:       s.handleSubscribe,
		ActionUpdateSubscribe: s.handleUpdateSubscribe,
		ActionSendMessage:     s.handleSendMessage,
		ActionDump:            s.handleDump,
	}
	return s, nil
}

// Listen binds the socket and starts accepting connections. Requests are
// served until Close is called or ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "server already listening")
	}

	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
		}
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to listen on socket", err)
	}
	mode, _ := s.cfg.FileMode()
	if err := os.Chmod(s.cfg.SocketPath, mode); err != nil {
		listener.Close()
		return types.WrapError(types.ErrCodeInternal, "failed to set socket permissions", err)
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop()
	go func() {
		<-s.ctx.Done()
		s.Close()
	}()

	s.logger.Info("IPC server listening",
		"mode", fmt.Sprintf("%#o", mode),
		"max_connections", s.cfg.MaxConnections,
		"max_request_size", s.cfg.MaxRequestSize)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.logger.Error("Failed to accept connection", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		principal, err := peerPrincipal(conn)
		if err != nil {
			s.rejected.Add(1)
			s.logger.Warn("Rejecting connection without credentials", "error", err)
			conn.Close()
			continue
		}

		pc, err := s.register(conn, principal)
		if err != nil {
			s.rejected.Add(1)
			s.logger.Warn("Rejecting connection", "uid", principal.UID, "pid", principal.PID, "error", err)
			conn.Close()
			continue
		}

		s.accepted.Add(1)
		s.logger.Debug("Connection accepted", "conn", pc.String())

		go s.serveConn(pc)
	}
}

func (s *Server) register(conn net.Conn, principal types.Principal) (*peerConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		return nil, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("connection limit reached: %d", s.cfg.MaxConnections))
	}

	s.nextConnID++
	pc := newPeerConn(s.nextConnID, conn, principal, s.cfg.WriteTimeout)
	s.conns[pc.id] = pc
	s.wg.Add(1)
	return pc, nil
}

func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	delete(s.conns, pc.id)
	s.mu.Unlock()
}

// serveConn reads requests until the connection ends, then marks the peer
// dead so the gateway tears down whatever the connection owned.
func (s *Server) serveConn(pc *peerConn) {
	defer s.wg.Done()
	defer s.unregister(pc)
	defer pc.markDead()

	reader := &frameReader{r: pc.conn, limit: int64(s.cfg.MaxRequestSize)}
	dec := codec.NewDecoder(reader)
	ctx := gateway.WithCaller(s.ctx, pc.principal)

	for {
		if s.cfg.IdleTimeout > 0 {
			pc.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		reader.reset()

		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !pc.isDead() && !s.isClosed() {
				s.logger.Debug("Connection read ended", "conn", pc.String(), "error", err)
			}
			return
		}

		s.requests.Add(1)
		if err := pc.send(s.handle(ctx, pc, &req)); err != nil {
			s.logger.Debug("Failed to write response", "conn", pc.String(), "seq", req.Seq, "error", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, pc *peerConn, req *Request) *Frame {
	resp := &Frame{Seq: req.Seq}

	handler, ok := s.handlers[req.Action]
	if !ok {
		setError(resp, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown action: %q", req.Action)))
		return resp
	}

	result, err := handler(ctx, pc, req)
	if result != nil {
		data, merr := codec.Marshal(result)
		if merr != nil {
			setError(resp, types.WrapError(types.ErrCodeInternal, "failed to encode response", merr))
			return resp
		}
		resp.Data = data
	}
	if err != nil {
		s.logger.Debug("Request failed", "conn", pc.String(), "action", req.Action, "error", err)
		setError(resp, err)
		return resp
	}

	resp.OK = true
	return resp
}

func setError(resp *Frame, err error) {
	resp.OK = false
	resp.Code = types.GetErrorCode(err)
	if resp.Code == "" {
		resp.Code = types.ErrCodeInternal
	}

	var e *types.Error
	if errors.As(err, &e) {
		resp.Error = e.Message
		if e.Err != nil {
			resp.Error += ": " + e.Err.Error()
		}
		return
	}
	resp.Error = err.Error()
}

func (s *Server) callback(pc *peerConn, req *Request) *remoteCallback {
	return &remoteCallback{conn: pc, token: req.Seq, logger: s.logger}
}

func (s *Server) handlePing(context.Context, *peerConn, *Request) (any, error) {
	return nil, nil
}

func (s *Server) handleConnect(ctx context.Context, pc *peerConn, req *Request) (any, error) {
	id, err := s.gw.Connect(ctx, pc, s.callback(pc, req), req.Config)
	if err != nil {
		return nil, err
	}
	return ConnectResult{ClientID: id}, nil
}

func (s *Server) handleDisconnect(ctx context.Context, pc *peerConn, req *Request) (any, error) {
	return nil, s.gw.Disconnect(ctx, req.ClientID, pc)
}

func (s *Server) handleTerminate(ctx context.Context, _ *peerConn, req *Request) (any, error) {
	return nil, s.gw.TerminateSession(ctx, req.ClientID, req.SessionID)
}

func (s *Server) handlePublish(ctx context.Context, pc *peerConn, req *Request) (any, error) {
	return nil, s.gw.Publish(ctx, req.ClientID, req.Publish, s.callback(pc, req))
}

func (s *Server) handleUpdatePublish(ctx context.Context, _ *peerConn, req *Request) (any, error) {
	return nil, s.gw.UpdatePublish(ctx, req.ClientID, req.SessionID, req.Publish)
}

func (s *Server) handleSubscribe(ctx context.Context, pc *peerConn, req *Request) (any, error) {
	return nil, s.gw.Subscribe(ctx, req.ClientID, req.Subscribe, s.callback(pc, req))
}

func (s *Server) handleUpdateSubscribe(ctx context.Context, _ *peerConn, req *Request) (any, error) {
	return nil, s.gw.UpdateSubscribe(ctx, req.ClientID, req.SessionID, req.Subscribe)
}

func (s *Server) handleSendMessage(ctx context.Context, _ *peerConn, req *Request) (any, error) {
	return nil, s.gw.SendMessage(ctx, req.ClientID, req.SessionID, req.PeerID,
		req.Message, req.MessageLength, req.MessageID)
}

func (s *Server) handleDump(ctx context.Context, _ *peerConn, _ *Request) (any, error) {
	var buf bytes.Buffer
	err := s.gw.Dump(ctx, &buf)
	return DumpResult{Text: buf.String()}, err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, closes every connection and waits for their read
// loops to finish. The peers of closed connections are reported dead.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	listener := s.listener
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		listener.Close()
	}
	for _, pc := range conns {
		pc.markDead()
	}
	s.wg.Wait()

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove socket file", "error", err)
	}

	s.logger.Info("IPC server closed")
	return nil
}

// SocketPath returns the path the server listens on
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Stats holds server counters
type Stats struct {
	Path        string `json:"path"`
	ActiveConns int    `json:"active_connections"`
	Accepted    int64  `json:"accepted"`
	Rejected    int64  `json:"rejected"`
	Requests    int64  `json:"requests"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{Path: %s, Active: %d, Accepted: %d, Rejected: %d, Requests: %d}",
		s.Path, s.ActiveConns, s.Accepted, s.Rejected, s.Requests)
}

// Stats returns server counters
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Path:        s.cfg.SocketPath,
		ActiveConns: active,
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
		Requests:    s.requests.Load(),
	}
}

// String returns a string representation of the server
func (s *Server) String() string {
	return fmt.Sprintf("Server{%s}", s.Stats())
}
