// Package server wires the acceptor and the worker pool into a Server.
package server

import (
	"log"
	"net"
	"sync"
	"time"
)

// Server accepts WebSocket upgrades on a listener and serves each upgraded
// connection on one worker from a fixed pool.
type Server struct {
	cfg        Config
	logger     Logger
	origins    *originPolicy
	dispatcher *Dispatcher
	stats      *counters

	mu       sync.Mutex
	listener net.Listener
	acceptor *acceptor
	closed   bool
	served   chan struct{}
}

// New creates a Server. A nil cfg uses defaults and a nil logger uses the
// standard logger.
func New(cfg *Config, logger Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = log.Default()
	}

	sanitized := sanitizeConfig(*cfg)
	stats := &counters{}
	return &Server{
		cfg:        sanitized,
		logger:     logger,
		origins:    newOriginPolicy(sanitized.AllowedOrigins, logger),
		dispatcher: NewDispatcher(sanitized, logger, stats),
		stats:      stats,
	}
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	cfg := s.cfg
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// ListenAndServe listens on the configured TCP address and calls Serve.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve starts the worker pool and runs the acceptor on the calling
// goroutine until the listener fails or Shutdown is called, in which case
// it returns ErrServerClosed. Serve takes ownership of ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errAlreadyServing
	}
	a := &acceptor{
		listener:         ln,
		dispatcher:       s.dispatcher,
		origins:          s.origins,
		handshakeLimit:   s.cfg.HandshakeBufferSize,
		handshakeTimeout: s.cfg.HandshakeTimeout,
		rateLimit:        s.cfg.RateLimit,
		logger:           s.logger,
		stats:            s.stats,
	}
	s.listener = ln
	s.acceptor = a
	s.served = make(chan struct{})
	s.mu.Unlock()
	defer close(s.served)

	s.dispatcher.Start()
	s.logger.Printf("Server listening on %s", ln.Addr())
	return a.run()
}

// Addr returns the listener address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}

// ActiveConnections returns the number of connections owned by workers.
func (s *Server) ActiveConnections() int {
	return s.dispatcher.ActiveCount()
}

// Shutdown stops accepting, closes every queued and active connection, and
// waits up to timeout for the acceptor and workers to exit.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Printf("Shutting down server...")

	s.mu.Lock()
	s.closed = true
	a, served := s.acceptor, s.served
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	if a != nil {
		if err := a.stop(); err != nil && !isExpectedCloseError(err) {
			s.logger.Printf("Error closing listener: %v", err)
		}
		select {
		case <-served:
		case <-time.After(timeout):
		}
	}

	if err := s.dispatcher.Shutdown(time.Until(deadline)); err != nil {
		return err
	}

	s.logger.Printf("Server shutdown completed")
	return nil
}
