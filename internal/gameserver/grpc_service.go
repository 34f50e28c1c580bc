// Package gameserver exposes the session gateway over a bidirectional gRPC
// stream for native clients and bots.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/roomsync/internal/auth"
	"github.com/cory-johannsen/roomsync/internal/gateway"
	"github.com/cory-johannsen/roomsync/internal/observability"
)

// SessionServer implements SessionService on top of a Gateway.
type SessionServer struct {
	gw           *gateway.Gateway
	tokens       *auth.Tokens
	requireToken bool
	sendBuffer   int
	logger       *zap.Logger
	newID        func() string

	closing   chan struct{}
	closeOnce sync.Once
}

// ServerOption customises a SessionServer.
type ServerOption func(*SessionServer)

// WithTokens enables verification of the "authorization" metadata value.
func WithTokens(tokens *auth.Tokens, require bool) ServerOption {
	return func(s *SessionServer) {
		s.tokens = tokens
		s.requireToken = require
	}
}

// WithSendBuffer sets the per-stream outbox length.
func WithSendBuffer(n int) ServerOption {
	return func(s *SessionServer) { s.sendBuffer = n }
}

// WithIDGenerator overrides the connection id source.
func WithIDGenerator(fn func() string) ServerOption {
	return func(s *SessionServer) { s.newID = fn }
}

// NewSessionServer creates a SessionServer.
//
// Precondition: gw and logger must be non-nil.
func NewSessionServer(gw *gateway.Gateway, logger *zap.Logger, opts ...ServerOption) *SessionServer {
	s := &SessionServer{
		gw:         gw,
		sendBuffer: 256,
		logger:     logger,
		newID:      uuid.NewString,
		closing:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Session implements the bidirectional streaming RPC.
// Flow:
//  1. Resolve identity from metadata
//  2. Register the stream with the gateway (welcome is queued)
//  3. Spawn goroutine to forward the outbox to the stream
//  4. Receive loop: receive frames, decode, hand to the gateway
//  5. On end of stream or Shutdown: disconnect and drain the forwarder
func (s *SessionServer) Session(stream SessionService_SessionServer) error {
	start := time.Now()

	select {
	case <-s.closing:
		return status.Error(codes.Unavailable, "server is shutting down")
	default:
	}

	identity, err := s.authenticate(stream.Context())
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}

	id := s.newID()
	logger := observability.ForConnection(s.logger, "grpc", id)
	outbox := gateway.NewOutbox(id, s.sendBuffer)
	if err := s.gw.Connect(id, identity, outbox); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	logger.Info("stream connected", zap.String("identity", identity))

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.forwardEvents(ctx, outbox, stream, logger)
	}()

	recvDone := make(chan error, 1)
	go func() { recvDone <- s.commandLoop(ctx, id, stream, logger) }()

	select {
	case err = <-recvDone:
	case <-s.closing:
		logger.Info("closing stream for shutdown")
		err = nil
	}

	s.gw.Disconnect(id)
	_ = outbox.Close()
	wg.Wait()

	logger.Info("stream ended", zap.Duration("duration", time.Since(start)))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Shutdown ends every open stream and refuses new ones. Safe to call more than once.
func (s *SessionServer) Shutdown() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *SessionServer) authenticate(ctx context.Context) (string, error) {
	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			token = vals[0]
		}
	}
	if token == "" {
		if s.requireToken {
			return "", auth.ErrMissingToken
		}
		return "", nil
	}
	if !s.tokens.Enabled() {
		if s.requireToken {
			return "", auth.ErrNotConfigured
		}
		return "", nil
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Username, nil
}

// commandLoop processes incoming frames until the stream ends.
func (s *SessionServer) commandLoop(ctx context.Context, id string, stream SessionService_SessionServer, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if err != nil {
			if status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("receiving frame: %w", err)
		}

		msg, err := DecodeStruct(frame)
		if err != nil {
			logger.Debug("rejecting undecodable frame", zap.Error(err))
			s.gw.Reject(id, err)
			continue
		}
		if err := s.gw.Handle(id, msg); err != nil {
			if errors.Is(err, gateway.ErrUnknownConnection) {
				return nil
			}
			logger.Debug("message rejected", zap.Error(err))
		}
	}
}

// forwardEvents writes queued outbound messages to the stream until the
// outbox closes or the stream ends.
func (s *SessionServer) forwardEvents(ctx context.Context, outbox *gateway.Outbox, stream SessionService_SessionServer, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbox.Events():
			if !ok {
				return
			}
			frame, err := EncodeStruct(msg)
			if err != nil {
				logger.Error("encoding outbound frame", zap.String("type", msg.Type()), zap.Error(err))
				continue
			}
			if err := stream.Send(frame); err != nil {
				logger.Debug("forward event send failed", zap.Error(err))
				return
			}
		}
	}
}
