package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/roadwatch/internal/store"
	"github.com/banshee-data/roadwatch/internal/worker"
)

// Frames are a few hundred kilobytes; leave room for large sources.
const maxMsgSize = 16 * 1024 * 1024 // 16 MB

// Server accepts worker connections on a unix socket.
type Server struct {
	handler Handler
	logger  *slog.Logger

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	path     string
	wg       sync.WaitGroup
}

// NewServer returns a server that dispatches to h.
func NewServer(h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handler: h, logger: logger}
}

// Start listens on the unix socket at path, replacing a stale socket file
// left by a previous run, and serves in the background.
func (s *Server) Start(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("ipc server already running")
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.UnaryInterceptor(s.mapErrors),
	)
	s.server.RegisterService(&serviceDesc, s.handler)
	s.listener = lis
	s.path = path

	srv := s.server
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("ipc server stopped", "error", err)
		}
	}()
	s.logger.Info("ipc server listening", "socket", path)
	return nil
}

// Addr returns the socket path, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Stop finishes in-flight calls, closes the listener and removes the
// socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	srv, path := s.server, s.path
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	srv.GracefulStop()
	s.wg.Wait()
	_ = os.Remove(path)
	s.logger.Info("ipc server stopped")
}

// mapErrors turns handler errors into gRPC status codes the client can
// map back.
func (s *Server) mapErrors(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, worker.ErrSuperseded):
		return nil, status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, store.ErrUnknownRoad):
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return nil, err
	}
	s.logger.Warn("ipc call failed", "method", info.FullMethod, "error", err)
	return nil, status.Error(codes.Internal, err.Error())
}
