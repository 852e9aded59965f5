package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/types"
)

// DefaultStopTimeout bounds the graceful stop of the gRPC server
const DefaultStopTimeout = 5 * time.Second

// Server exposes a Checker over gRPC on a unix socket
type Server struct {
	path        string
	checker     *Checker
	server      *grpc.Server
	logger      *logger.Logger
	stopTimeout time.Duration

	mu        sync.Mutex
	listener  net.Listener
	started   bool
	closed    bool
	startTime time.Time
	wg        sync.WaitGroup
}

// NewServer creates a health server for checker listening on path
func NewServer(path string, checker *Checker, log *logger.Logger) (*Server, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "health socket path cannot be empty")
	}
	if checker == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "health checker is required")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	server := grpc.NewServer(grpc.Creds(insecure.NewCredentials()))
	grpc_health_v1.RegisterHealthServer(server, checker)

	return &Server{
		path:        path,
		checker:     checker,
		server:      server,
		logger:      log.With("component", "health_server", "socket_path", path),
		stopTimeout: DefaultStopTimeout,
	}, nil
}

// Start binds the socket and serves health checks in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "server already started")
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Remove(s.path); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
		}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to listen on socket", err)
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		listener.Close()
		return types.WrapError(types.ErrCodeInternal, "failed to set socket permissions", err)
	}

	s.listener = listener
	s.started = true
	s.startTime = time.Now()

	s.wg.Add(1)
	go s.serve(listener)

	s.logger.Info("Health server listening")
	return nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.logger.Error("Health server error", "error", err)
		}
	}
}

// Stop marks every service NOT_SERVING, stops the gRPC server and removes
// the socket file. Watch streams end once they have seen NOT_SERVING.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.checker.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.stopTimeout):
		s.logger.Warn("Health server graceful stop timed out, stopping immediately")
		s.server.Stop()
		<-done
	}
	s.wg.Wait()

	if started {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket file", "error", err)
		}
	}

	s.logger.Info("Health server stopped")
	return nil
}

// Checker returns the checker served by s
func (s *Server) Checker() *Checker {
	return s.checker
}

// SocketPath returns the path the server listens on
func (s *Server) SocketPath() string {
	return s.path
}

// String returns a string representation of the server
func (s *Server) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("HealthServer{path: %s, started: %t, closed: %t, since: %s}",
		s.path, s.started, s.closed, s.startTime.Format(time.RFC3339))
}
