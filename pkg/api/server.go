package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dynamo-dm/dynamo/internal/logger"
)

// shutdownGrace bounds in-flight requests once the serve context ends.
const shutdownGrace = 5 * time.Second

// Server serves the history API.
type Server struct {
	server *http.Server
	config APIConfig

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
}

// NewServer creates a stopped server. Defaults are applied so a zero
// APIConfig is usable.
func NewServer(config APIConfig, deps Deps) *Server {
	config.ApplyDefaults()
	if deps.RequestTimeout == 0 {
		deps.RequestTimeout = config.RequestTimeout
	}

	return &Server{
		config: config,
		server: &http.Server{
			Handler:      NewRouter(deps),
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Start binds the port and serves until ctx is cancelled, then shuts down
// gracefully. A bind failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("API server failed to listen on port %d: %w", s.config.Port, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.Info("API server listening", "port", s.Port())

	serveErr := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err, ok := <-serveErr:
		if !ok {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop shuts the server down. Repeated calls are no-ops.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if err = s.server.Shutdown(ctx); err != nil {
			err = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.Err(err))
			return
		}
		logger.Info("API server stopped")
	})
	return err
}

// Port returns the bound port once Start has run, else the configured one.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().(*net.TCPAddr).Port
	}
	return s.config.Port
}
