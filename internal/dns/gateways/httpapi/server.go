// Package httpapi is the HTTP control surface for session lifecycle
// operations. Authentication is left to the surrounding network.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haukened/dnsgate/internal/dns/common/log"
)

// Server serves the session endpoints.
type Server struct {
	sessions SessionService
	health   Pinger
	logger   log.Logger
	mux      *http.ServeMux
	srv      *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan error
}

// Options configures a Server. Health may be nil.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Sessions     SessionService
	Health       Pinger
	Logger       log.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	s := &Server{
		sessions: opts.Sessions,
		health:   opts.Health,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /sessions/active", s.handleListActive)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /sessions/{id}/pause", s.handlePause)
	s.mux.HandleFunc("GET /sessions/{id}/unpause", s.handleUnpause)
	s.mux.HandleFunc("POST /sessions/{user_id}", s.handleCreateSession)
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = recovery(s.logger, h)
	h = logging(s.logger, h)
	h = requestID(h)
	return h
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("http server already running")
	}

	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind HTTP listener on %s: %w", s.srv.Addr, err)
	}
	s.listener = ln
	s.done = make(chan error, 1)

	s.logger.Info(map[string]any{"address": ln.Addr().String()}, "HTTP server started")
	go func(done chan<- error) {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}(s.done)
	return nil
}

// Address returns the bound address once started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Stop gracefully shuts the server down within ctx. A stopped Server
// cannot be started again.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	if serveErr := <-s.done; serveErr != nil && err == nil {
		err = serveErr
	}
	s.logger.Info(map[string]any{"address": s.listener.Addr().String()}, "HTTP server stopped")
	s.listener = nil
	return err
}
