// Package frontend hosts the HTTP listener that serves the REST API and the
// websocket upgrade endpoint.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsync/internal/config"
)

// ShutdownHook is called when the acceptor begins shutting down. Hooks close
// connections that http.Server.Shutdown does not track, such as hijacked websockets.
type ShutdownHook func(ctx context.Context) error

// Acceptor listens for HTTP connections and dispatches them to a handler.
type Acceptor struct {
	cfg     config.HTTPConfig
	handler http.Handler
	logger  *zap.Logger
	hooks   []ShutdownHook

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
	stopped  bool
}

// NewAcceptor creates an HTTP acceptor with the given configuration.
//
// Precondition: cfg must have a valid port; handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.HTTPConfig, handler http.Handler, logger *zap.Logger, hooks ...ShutdownHook) *Acceptor {
	return &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		hooks:   hooks,
	}
}

// ListenAndServe binds the listener and serves until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: Returns nil after a clean Stop, including a Stop that
// arrived before the listener was bound.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.ReadTimeout,
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	a.server = srv
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("http acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop runs the shutdown hooks and then drains in-flight HTTP requests.
//
// Postcondition: The listener is closed and hooks have been called once.
func (a *Acceptor) Stop(ctx context.Context) {
	a.mu.Lock()
	a.stopped = true
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	srv := a.server
	a.mu.Unlock()

	for _, hook := range a.hooks {
		if err := hook(ctx); err != nil {
			a.logger.Warn("shutdown hook failed", zap.Error(err))
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown incomplete", zap.Error(err))
		_ = srv.Close()
	}
	a.logger.Info("http acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the acceptor is serving.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
