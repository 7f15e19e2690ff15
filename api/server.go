// Package api serves tag values, controller state and tag writes over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"taglink/config"
	"taglink/logging"
)

// Server is the REST API server.
type Server struct {
	backend Backend
	config  config.APIConfig
	log     logging.Logger

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	hub      *eventHub
	running  bool
}

// NewServer creates a REST API server for backend.
func NewServer(backend Backend, cfg config.APIConfig, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		backend: backend,
		config:  cfg,
		log:     log.With("component", "api"),
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.config.Listen, err)
	}
	hub := newEventHub(s.backend.EventBus())
	srv := &http.Server{
		Handler:           newRouter(s.backend, s.config, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.server, s.listener, s.hub = srv, ln, hub
	s.running = true
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", "error", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()
	s.log.Info("api listening", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down, closing event streams first.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}

	s.hub.stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.server, s.listener, s.hub = nil, nil, nil
	s.running = false
	return err
}

// Address returns the base URL. Once started it reflects the bound port.
func (s *Server) Address() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return "http://" + ln.Addr().String()
	}
	return "http://" + s.config.Listen
}
