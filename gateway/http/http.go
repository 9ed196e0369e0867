// Package http serves the HTTP based transports from one shared listener.
package http

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/gateway"
)

// Stats counts requests served by the listener
type Stats struct {
	RequestsTotal  uint64 `json:"requests_total"`
	RequestsFailed uint64 `json:"requests_failed"`
	InFlight       int64  `json:"in_flight"`
}

// Option configures a Server
type Option func(*Server)

// WithTLS serves over TLS
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHandler mounts an extra handler at pattern, e.g. a health endpoint
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) { s.extra[pattern] = h }
}

// Server owns the HTTP listener the WebSocket and REST transports share
type Server struct {
	addr      string
	handlers  []gateway.HTTPHandler
	extra     map[string]http.Handler
	tlsConfig *tls.Config
	logger    *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	inFlight       atomic.Int64
}

// New creates the listener for addr serving handlers
func New(addr string, cfg gateway.Config, handlers []gateway.HTTPHandler, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "HTTPServer", "New", "config validation")
	}
	if addr == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPServer", "New", "address is required")
	}

	s := &Server{
		addr:     addr,
		handlers: handlers,
		extra:    make(map[string]http.Handler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	return s, nil
}

// Name identifies the server in the service manager
func (s *Server) Name() string { return "http" }

// Start binds the listener and serves in the background until Stop
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "HTTPServer", "Start", "start server")
	}

	mux := http.NewServeMux()
	for _, h := range s.handlers {
		h.RegisterHTTPHandlers(mux)
	}
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "HTTPServer", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.track(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()
	s.logger.Info("HTTP server listening", "address", ln.Addr().String(), "tls", s.tlsConfig != nil)
	return nil
}

// Stop shuts the server down. Hijacked WebSocket connections are closed by
// their transport.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "HTTPServer", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns the request counters
func (s *Server) Stats() Stats {
	return Stats{
		RequestsTotal:  s.requestsTotal.Load(),
		RequestsFailed: s.requestsFailed.Load(),
		InFlight:       s.inFlight.Load(),
	}
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		s.inFlight.Add(1)
		defer s.inFlight.Add(-1)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			s.requestsFailed.Add(1)
		}
	})
}

// statusRecorder remembers the response status. Hijack and Flush pass
// through for the WebSocket upgrade and streamed REST responses.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
