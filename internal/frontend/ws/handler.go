package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsync/internal/auth"
	"github.com/cory-johannsen/roomsync/internal/config"
	"github.com/cory-johannsen/roomsync/internal/gateway"
	"github.com/cory-johannsen/roomsync/internal/observability"
)

// ErrShuttingDown is reported to clients that connect during shutdown.
var ErrShuttingDown = errors.New("server is shutting down")

// Handler upgrades HTTP requests to websocket sessions on a Gateway.
type Handler struct {
	cfg          config.HTTPConfig
	gw           *gateway.Gateway
	tokens       *auth.Tokens
	requireToken bool
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	newID        func() string

	mu      sync.Mutex
	conns   map[string]*Conn
	closing bool
	wg      sync.WaitGroup
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithTokens enables session token verification. When require is set,
// connections without a valid token are refused.
func WithTokens(tokens *auth.Tokens, require bool) HandlerOption {
	return func(h *Handler) {
		h.tokens = tokens
		h.requireToken = require
	}
}

// WithIDGenerator overrides the connection id source.
func WithIDGenerator(fn func() string) HandlerOption {
	return func(h *Handler) { h.newID = fn }
}

// NewHandler creates a websocket Handler.
//
// Precondition: gw and logger must be non-nil; cfg must have passed validation.
func NewHandler(cfg config.HTTPConfig, gw *gateway.Gateway, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		cfg:    cfg,
		gw:     gw,
		logger: logger,
		newID:  uuid.NewString,
		conns:  make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// authenticate resolves the verified username for r, or "" for anonymous.
func (h *Handler) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	if token == "" {
		if h.requireToken {
			return "", auth.ErrMissingToken
		}
		return "", nil
	}
	if !h.tokens.Enabled() {
		if h.requireToken {
			return "", auth.ErrNotConfigured
		}
		return "", nil
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Username, nil
}

// ServeHTTP upgrades the request and runs the session until the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		h.logger.Debug("websocket auth failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	socket.SetReadLimit(h.cfg.MaxMessageBytes)

	id := h.newID()
	c := &Conn{
		id:           id,
		ws:           socket,
		outbox:       gateway.NewOutbox(id, h.cfg.SendBuffer),
		gw:           h.gw,
		logger:       observability.ForConnection(h.logger, "websocket", id),
		pongWait:     h.cfg.PongWait,
		pingPeriod:   h.cfg.PingPeriod,
		writeTimeout: h.cfg.WriteTimeout,
		writerDone:   make(chan struct{}),
	}
	h.run(c, identity, r.RemoteAddr)
}

func (h *Handler) run(c *Conn, identity, remoteAddr string) {
	start := time.Now()
	defer c.ws.Close()

	if err := h.gw.Connect(c.id, identity, c.outbox); err != nil {
		c.logger.Error("registering connection", zap.Error(err))
		return
	}
	h.track(c)
	defer h.untrack(c)

	c.logger.Info("client connected",
		zap.String("remote_addr", remoteAddr),
		zap.String("identity", identity),
	)

	go c.writePump()
	c.readPump()

	h.gw.Disconnect(c.id)
	_ = c.outbox.Close()
	select {
	case <-c.writerDone:
	case <-time.After(c.writeTimeout):
	}

	c.logger.Info("client disconnected", zap.Duration("duration", time.Since(start)))
}

func (h *Handler) track(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	if h.closing {
		_ = c.ws.Close()
	}
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
}

// Active returns the number of open websocket sessions.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown refuses new upgrades, closes every open socket, and waits for the
// sessions to finish or ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for _, c := range h.conns {
		_ = c.ws.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
