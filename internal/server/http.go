package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"agent-chaos/internal/api"
	"agent-chaos/internal/config"
	"agent-chaos/internal/logging"
)

// HTTPServer serves the control-plane API
type HTTPServer struct {
	config   config.ServerConfig
	logger   *logging.Logger
	handler  *api.Handler
	server   *http.Server
	listener net.Listener
}

func NewHTTPServer(cfg config.ServerConfig, handler *api.Handler, logger *logging.Logger) *HTTPServer {
	return &HTTPServer{
		config:  cfg,
		logger:  logger.WithField("service", "http"),
		handler: handler,
	}
}

// Listen binds the configured address. Port 0 picks a free port.
func (s *HTTPServer) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.handler.SetupRoutes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	return nil
}

// Serve blocks until Stop is called.
func (s *HTTPServer) Serve() error {
	if s.server == nil {
		return fmt.Errorf("http server is not listening")
	}
	s.logger.Info("Starting HTTP server", "address", s.Addr())
	return s.server.Serve(s.listener)
}

func (s *HTTPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the HTTP server gracefully
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server")
	err := s.server.Shutdown(ctx)
	// Shutdown only closes the listener once Serve has taken it
	s.listener.Close()
	return err
}
