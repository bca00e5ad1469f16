// Package server exposes a kernel to notebook clients over a websocket.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cellrunner/internal/auth"
	"cellrunner/internal/kernel"
)

// Kernel is what a connection drives. *kernel.Kernel implements it.
type Kernel interface {
	Execute(ctx context.Context, req kernel.Request, out kernel.Output) (kernel.Reply, error)
	Interrupt() error
	Shutdown() error
	SessionID() string
}

// KernelFactory starts a kernel for a new connection.
type KernelFactory func(ctx context.Context) (Kernel, error)

type Server struct {
	auth      *auth.Auth
	newKernel KernelFactory
	log       *slog.Logger

	// connCtx outlives requests: websocket connections are hijacked and not
	// tracked by http.Server.
	connCtx   context.Context
	stopConns context.CancelFunc
	// conns counts handlers that still own a kernel.
	conns sync.WaitGroup
}

func New(a *auth.Auth, newKernel KernelFactory, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{auth: a, newKernel: newKernel, log: log, connCtx: ctx, stopConns: cancel}
}

// Close ends all websocket connections and shuts their kernels down.
func (s *Server) Close() {
	s.stopConns()
}

// loggingMiddleware logs each HTTP request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.log.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker to support WebSocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		rw.statusCode = http.StatusSwitchingProtocols
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}

// Handler returns the routes wrapped in the logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /kernel", s.auth.Middleware(http.HandlerFunc(s.handleKernel)))
	return s.loggingMiddleware(mux)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting server", "addr", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return s.Wait(shutdownCtx)
}

// Wait blocks until every websocket connection has shut its kernel down, or
// ctx is done. http.Server.Shutdown does not wait for hijacked connections.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kernels still shutting down: %w", ctx.Err())
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// The Origin has to match the Host, this prevents cross-site
		// websocket hijacking.
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Native clients send no Origin.
			return true
		}
		host := r.Host
		if origin == "http://"+host || origin == "https://"+host {
			return true
		}
		slog.Warn("Rejected WebSocket connection from unauthorized origin", "origin", origin, "host", host)
		return false
	},
}

func (s *Server) handleKernel(w http.ResponseWriter, r *http.Request) {
	s.conns.Add(1)
	defer s.conns.Done()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}

	k, err := s.newKernel(r.Context())
	if err != nil {
		s.log.Error("Failed to start kernel", "error", err)
		msg, _ := newMessage("", "error", errorContent{EName: "KernelStartError", EValue: err.Error()})
		_ = ws.WriteJSON(msg)
		_ = ws.Close()
		return
	}

	c := newConn(ws, k, s.log.With("session", k.SessionID()))
	if err := c.serve(s.connCtx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("Connection ended with error", "error", err)
	}
	if err := k.Shutdown(); err != nil {
		c.log.Warn("Failed to shut down kernel", "error", err)
	}
}
