// Package http provides the HTTP transport for the devbrowser API.
package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/devbrowser/internal/bus"
	"github.com/roelfdiedericks/devbrowser/internal/lifecycle"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
)

// Server represents the HTTP server
type Server struct {
	server       *http.Server
	listener     net.Listener
	listen       string
	bus          *bus.Bus
	spawn        lifecycle.GoFunc
	shutdownChan chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen string           // Address to listen on (e.g., ":9222", "127.0.0.1:9222")
	Go     lifecycle.GoFunc // Runs background goroutines (nil = lifecycle.Unsupervised)
}

// NewServer creates a new HTTP server instance. b may be nil, in which
// case /events is not served.
func NewServer(cfg ServerConfig, router *Router, b *bus.Bus) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = ":9222"
	}

	spawn := cfg.Go
	if spawn == nil {
		spawn = lifecycle.Unsupervised
	}

	s := &Server{
		listen:       listen,
		bus:          b,
		spawn:        spawn,
		shutdownChan: make(chan struct{}),
	}
	s.server = &http.Server{
		Handler:           s.setupRoutes(router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: evaluate and navigation have no upper bound
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(router *Router) http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.Handler) http.Handler {
		return s.logRequest(s.stripHeaders(h))
	}

	if s.bus != nil {
		mux.Handle("/events", wrap(http.HandlerFunc(s.handleEvents)))
	}
	mux.Handle("/", wrap(router))
	return mux
}

// Handler returns the root handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen binds the listening socket. Binding failures are reported here
// so the caller can treat them as fatal before anything is served.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.listen
}

// Start starts serving in the background.
func (s *Server) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	s.spawn("http server", func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", s.Addr())

		err := s.server.Serve(s.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("http: server error", "error", err)
		}
	})
	return nil
}

// Stop gracefully shuts down the HTTP server, waiting for in-flight
// requests until ctx expires. Event streams are closed first.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdownChan)

		if err = s.server.Shutdown(ctx); err != nil {
			L_error("http: shutdown error", "error", err)
			s.server.Close()
		}
		if s.listener != nil {
			// Never served: Shutdown does not know about it
			s.listener.Close()
		}
		s.wg.Wait()
		L_info("http: server stopped")
	})
	return err
}

type ctxKey int

const requestIDKey ctxKey = iota

// requestID returns the id logRequest attached to ctx.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler.ServeHTTP(lw, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

		L_debug("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start).Round(time.Microsecond),
			"request", id)
	})
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

// Hijack implements http.Hijacker for the websocket upgrade.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacking not supported")
	}
	lw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		handler.ServeHTTP(w, r)
	})
}
