// Package gateway implements the per-connection session protocol: it binds
// connections to rooms, applies their updates, and fans out change events to
// the other members of the room.
package gateway

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/roomsync/internal/game/anim"
	"github.com/cory-johannsen/roomsync/internal/game/room"
	"github.com/cory-johannsen/roomsync/internal/protocol"
)

var (
	// ErrAlreadyJoined is returned when a joined connection tries to join again.
	ErrAlreadyJoined = errors.New("already joined a room")
	// ErrNotJoined is returned for room operations from a connection with no room.
	ErrNotJoined = errors.New("not in a room")
	// ErrInvalidJoin is returned when a join carries no usable username.
	ErrInvalidJoin = errors.New("invalid join")
	// ErrInvalidUpdate is returned for updates with non-finite components or an unknown animation.
	ErrInvalidUpdate = errors.New("invalid update")
	// ErrRateLimited is returned when a connection publishes updates faster than allowed.
	ErrRateLimited = errors.New("update rate exceeded")
	// ErrUnknownConnection is returned for events on a connection that was never connected or is gone.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrConnectionExists is returned when Connect reuses a live connection ID.
	ErrConnectionExists = errors.New("connection already registered")
	// ErrUnknownMessage is returned for inbound messages with no handler.
	ErrUnknownMessage = errors.New("unknown message")
)

// OccupancyObserver is notified of room member counts after joins and leaves.
// members is zero when the room was reclaimed. Notifications for one room ID
// may arrive out of order when the room is reclaimed and recreated
// concurrently; observers that need the settled count re-read the Registry.
// Implementations must not block.
type OccupancyObserver interface {
	RoomOccupancy(roomID string, members int)
}

type sessionState int

const (
	stateConnected sessionState = iota
	stateJoined
	stateClosed
)

type session struct {
	id       string
	identity string
	sink     Sink
	limiter  *rate.Limiter

	mu       sync.Mutex
	state    sessionState
	roomID   string
	username string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCatalog restricts update animations to the clips in c.
func WithCatalog(c *anim.Catalog) Option {
	return func(g *Gateway) { g.catalog = c }
}

// WithUpdateRate limits every connection to perSecond updates with the given burst.
// perSecond <= 0 disables limiting.
func WithUpdateRate(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		g.updateRate = rate.Limit(perSecond)
		g.updateBurst = burst
	}
}

// WithObserver registers an occupancy observer.
func WithObserver(o OccupancyObserver) Option {
	return func(g *Gateway) { g.observer = o }
}

// WithClock overrides the time source used for chat timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway owns connection-to-room bindings and translates inbound messages into
// registry and room operations. All methods are safe for concurrent use; events
// for the same connection are serialized.
type Gateway struct {
	registry    *room.Registry
	logger      *zap.Logger
	catalog     *anim.Catalog
	updateRate  rate.Limit
	updateBurst int
	observer    OccupancyObserver
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a Gateway over registry.
//
// Precondition: registry and logger must be non-nil.
func New(registry *room.Registry, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		registry: registry,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the room registry the gateway operates on.
func (g *Gateway) Registry() *room.Registry {
	return g.registry
}

// Connect registers a new connection in the Connected state and sends it a
// welcome message. identity, when non-empty, is a verified username that
// overrides the username supplied at join.
//
// Precondition: connID must be non-empty and sink non-nil.
// Postcondition: Returns ErrConnectionExists if connID is already live.
func (g *Gateway) Connect(connID, identity string, sink Sink) error {
	s := &session{id: connID, identity: identity, sink: sink}
	if g.updateRate > 0 {
		burst := g.updateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(g.updateRate, burst)
	}

	g.mu.Lock()
	if _, exists := g.sessions[connID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("connection %q: %w", connID, ErrConnectionExists)
	}
	g.sessions[connID] = s
	g.mu.Unlock()

	g.logger.Debug("connection registered", zap.String("connection_id", connID), zap.String("identity", identity))
	g.deliver(connID, protocol.Welcome{ConnectionID: connID})
	return nil
}

// Handle processes one inbound message. Rejected messages are reported to the
// sender as an error event and returned; benign races are logged and return nil.
func (g *Gateway) Handle(connID string, msg protocol.Inbound) error {
	s, ok := g.session(connID)
	if !ok {
		return fmt.Errorf("connection %q: %w", connID, ErrUnknownConnection)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return fmt.Errorf("connection %q: %w", connID, ErrUnknownConnection)
	}

	var err error
	switch m := msg.(type) {
	case protocol.Join:
		err = g.join(s, m)
	case protocol.Update:
		err = g.update(s, m)
	case protocol.Leave:
		g.leave(s)
	case protocol.Chat:
		err = g.chat(s, m)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	if err != nil {
		g.Reject(connID, err)
	}
	return err
}

// Reject sends an error event describing err to connID.
func (g *Gateway) Reject(connID string, err error) {
	g.deliver(connID, protocol.Error{Code: ErrorCode(err), Message: err.Error()})
}

// Disconnect performs terminal cleanup for connID: it leaves the bound room, if
// any, and releases the connection ID. Calling it again is a no-op.
func (g *Gateway) Disconnect(connID string) {
	s, ok := g.session(connID)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.state != stateClosed {
		g.leave(s)
		s.state = stateClosed
	}
	s.mu.Unlock()

	g.mu.Lock()
	if cur, ok := g.sessions[connID]; ok && cur == s {
		delete(g.sessions, connID)
	}
	g.mu.Unlock()

	g.logger.Debug("connection released", zap.String("connection_id", connID))
}

// Connections returns the number of live connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// RoomOf returns the room connID is bound to.
func (g *Gateway) RoomOf(connID string) (string, bool) {
	s, ok := g.session(connID)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateJoined {
		return "", false
	}
	return s.roomID, true
}

func (g *Gateway) join(s *session, m protocol.Join) error {
	if s.state == stateJoined {
		return fmt.Errorf("connection %q in room %q: %w", s.id, s.roomID, ErrAlreadyJoined)
	}

	username := strings.TrimSpace(m.Username)
	if s.identity != "" {
		username = s.identity
	}
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidJoin)
	}

	var (
		rm       *room.Room
		existing int
	)
	for {
		rm = g.registry.GetOrCreate(m.RoomID)
		_, err := rm.Join(s.id, username, func(self room.PlayerState, others []room.PlayerState) {
			existing = len(others)
			g.deliver(s.id, protocol.RoomState{RoomID: m.RoomID, Players: others})
			joined := protocol.PlayerJoined{Player: self}
			for _, other := range others {
				g.deliver(other.ConnectionID, joined)
			}
		})
		if errors.Is(err, room.ErrRoomClosed) {
			continue
		}
		if err != nil {
			g.registry.RemoveIfEmpty(m.RoomID)
			return fmt.Errorf("joining room %q: %w", m.RoomID, err)
		}
		break
	}

	s.state = stateJoined
	s.roomID = m.RoomID
	s.username = username

	g.logger.Info("player joined room",
		zap.String("connection_id", s.id),
		zap.String("username", username),
		zap.String("room_id", m.RoomID),
		zap.Int("members", existing+1),
	)
	g.notify(m.RoomID, rm.Len())
	return nil
}

func (g *Gateway) update(s *session, m protocol.Update) error {
	if s.state != stateJoined {
		return fmt.Errorf("connection %q: %w", s.id, ErrNotJoined)
	}
	if !m.Position.Finite() || !m.Rotation.Finite() {
		return fmt.Errorf("%w: non-finite transform", ErrInvalidUpdate)
	}
	if g.catalog != nil && !g.catalog.Valid(m.Animation) {
		return fmt.Errorf("%w: unknown animation %d", ErrInvalidUpdate, m.Animation)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return fmt.Errorf("connection %q: %w", s.id, ErrRateLimited)
	}

	rm, err := g.registry.Get(s.roomID)
	if err != nil {
		g.logger.Debug("dropping update for stale binding",
			zap.String("connection_id", s.id), zap.String("room_id", s.roomID), zap.Error(err))
		return nil
	}
	_, err = rm.UpdateWith(s.id, m.Position, m.Rotation, m.Animation, func(state room.PlayerState, others []string) {
		g.deliverAll(others, protocol.PlayerUpdated{Player: state})
	})
	if err != nil {
		g.logger.Debug("dropping update for stale binding",
			zap.String("connection_id", s.id), zap.String("room_id", s.roomID), zap.Error(err))
	}
	return nil
}

// leave removes s from its room. It is a no-op unless s is joined.
func (g *Gateway) leave(s *session) {
	if s.state != stateJoined {
		return
	}
	roomID := s.roomID
	s.state = stateConnected
	s.roomID = ""

	rm, err := g.registry.Get(roomID)
	if err != nil {
		g.logger.Debug("leave from reclaimed room", zap.String("connection_id", s.id), zap.String("room_id", roomID))
		return
	}
	_, empty, err := rm.Leave(s.id, func(_ room.PlayerState, remaining []string) {
		g.deliverAll(remaining, protocol.PlayerLeft{ConnectionID: s.id})
	})
	if err != nil {
		g.logger.Debug("leave from room without membership",
			zap.String("connection_id", s.id), zap.String("room_id", roomID), zap.Error(err))
		return
	}

	remaining := 0
	if empty {
		if g.registry.RemoveIfEmpty(roomID) {
			g.logger.Info("room reclaimed", zap.String("room_id", roomID))
		}
	} else {
		remaining = rm.Len()
	}

	g.logger.Info("player left room",
		zap.String("connection_id", s.id),
		zap.String("username", s.username),
		zap.String("room_id", roomID),
		zap.Int("members", remaining),
	)
	g.notify(roomID, remaining)
}

func (g *Gateway) chat(s *session, m protocol.Chat) error {
	if s.state != stateJoined {
		return fmt.Errorf("connection %q: %w", s.id, ErrNotJoined)
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil
	}
	rm, err := g.registry.Get(s.roomID)
	if err != nil {
		g.logger.Debug("dropping chat for stale binding", zap.String("connection_id", s.id), zap.Error(err))
		return nil
	}
	msg := protocol.ChatMessage{
		ConnectionID: s.id,
		Username:     s.username,
		Text:         text,
		SentAt:       g.now(),
	}
	rm.Broadcast(s.id, func(ids []string) { g.deliverAll(ids, msg) })
	return nil
}

// deliverAll delivers msg to every listed connection. Room events call it
// while the room is locked so every member sees them in one order.
func (g *Gateway) deliverAll(ids []string, msg protocol.Outbound) {
	for _, id := range ids {
		g.deliver(id, msg)
	}
}

// deliver is best-effort: failures are logged and never propagate.
func (g *Gateway) deliver(connID string, msg protocol.Outbound) {
	s, ok := g.session(connID)
	if !ok {
		g.logger.Debug("dropping message for departed connection",
			zap.String("connection_id", connID), zap.String("type", msg.Type()))
		return
	}
	if err := s.sink.Send(msg); err != nil {
		if errors.Is(err, ErrOutboxFull) {
			g.logger.Debug("dropping message for slow connection",
				zap.String("connection_id", connID), zap.String("type", msg.Type()))
			return
		}
		g.logger.Warn("delivery failed",
			zap.String("connection_id", connID),
			zap.String("type", msg.Type()),
			zap.Error(err),
		)
	}
}

func (g *Gateway) notify(roomID string, members int) {
	if g.observer != nil {
		g.observer.RoomOccupancy(roomID, members)
	}
}

func (g *Gateway) session(connID string) (*session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[connID]
	return s, ok
}

// ErrorCode maps err to the stable code sent in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, room.ErrAlreadyMember):
		return "already_member"
	case errors.Is(err, room.ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrInvalidJoin):
		return "invalid_join"
	case errors.Is(err, ErrInvalidUpdate):
		return "invalid_update"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnknownMessage), errors.Is(err, protocol.ErrUnknownType):
		return "unknown_message"
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	default:
		return "internal"
	}
}
