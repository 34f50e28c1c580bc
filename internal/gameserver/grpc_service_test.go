package gameserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cory-johannsen/roomsync/internal/auth"
	"github.com/cory-johannsen/roomsync/internal/game/room"
	"github.com/cory-johannsen/roomsync/internal/gateway"
	"github.com/cory-johannsen/roomsync/internal/protocol"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// testGRPCServer starts an in-process gRPC server over bufconn and returns a connected client.
func testGRPCServer(t *testing.T, opts ...ServerOption) (SessionServiceClient, *gateway.Gateway) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	gw := gateway.New(room.NewRegistry(), logger)
	svc := NewSessionServer(gw, logger, opts...)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterSessionServiceServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewSessionServiceClient(conn), gw
}

type streamClient struct {
	t      *testing.T
	stream SessionService_SessionClient
	id     string
}

func openStream(t *testing.T, client SessionServiceClient, ctx context.Context) *streamClient {
	t.Helper()
	stream, err := client.Session(ctx)
	require.NoError(t, err)
	c := &streamClient{t: t, stream: stream}
	welcome, ok := c.next().(protocol.Welcome)
	require.True(t, ok, "first frame must be a welcome")
	c.id = welcome.ConnectionID
	return c
}

func (c *streamClient) send(msg protocol.Inbound) {
	c.t.Helper()
	frame, err := EncodeInboundStruct(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.stream.Send(frame))
}

func (c *streamClient) next() protocol.Outbound {
	c.t.Helper()
	frame, err := c.stream.Recv()
	require.NoError(c.t, err)
	msg, err := DecodeOutboundStruct(frame)
	require.NoError(c.t, err)
	return msg
}

func TestGRPCService_TwoPlayerScenario(t *testing.T) {
	client, gw := testGRPCServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := openStream(t, client, ctx)
	a.send(protocol.Join{RoomID: "arena", Username: "alice"})
	state, ok := a.next().(protocol.RoomState)
	require.True(t, ok)
	assert.Empty(t, state.Players)

	bctx, bcancel := context.WithCancel(ctx)
	b := openStream(t, client, bctx)
	b.send(protocol.Join{RoomID: "arena", Username: "bob"})
	state, ok = b.next().(protocol.RoomState)
	require.True(t, ok)
	require.Len(t, state.Players, 1)
	assert.Equal(t, "alice", state.Players[0].Username)

	joined, ok := a.next().(protocol.PlayerJoined)
	require.True(t, ok)
	assert.Equal(t, b.id, joined.Player.ConnectionID)

	b.send(protocol.Update{Position: room.Vec3{1.5, 0, -2}, Rotation: room.Vec3{0, 45, 0}, Animation: 10})
	updated, ok := a.next().(protocol.PlayerUpdated)
	require.True(t, ok)
	assert.Equal(t, room.Vec3{1.5, 0, -2}, updated.Player.Position)
	assert.Equal(t, 10, updated.Player.Animation)

	b.send(protocol.Chat{Text: "gg"})
	chat, ok := a.next().(protocol.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "gg", chat.Text)
	assert.Equal(t, "bob", chat.Username)

	bcancel()
	left, ok := a.next().(protocol.PlayerLeft)
	require.True(t, ok)
	assert.Equal(t, b.id, left.ConnectionID)

	require.NoError(t, a.stream.CloseSend())
	require.Eventually(t, func() bool {
		return gw.Connections() == 0 && gw.Registry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGRPCService_RejectsMalformedFrame(t *testing.T) {
	client, _ := testGRPCServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := openStream(t, client, ctx)
	frame, err := EncodeInboundStruct(protocol.Join{RoomID: "r", Username: "alice"})
	require.NoError(t, err)
	delete(frame.Fields, "roomId")
	require.NoError(t, a.stream.Send(frame))

	e, ok := a.next().(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "malformed", e.Code)
}

func TestGRPCService_TokenIdentity(t *testing.T) {
	tokens := auth.NewTokens(testSecret, "roomsync", time.Hour, nil)
	client, _ := testGRPCServer(t, WithTokens(tokens, true))

	signed, _, err := tokens.Issue("dana")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := openStream(t, client, metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+signed))
	a.send(protocol.Join{RoomID: "r"})
	_, ok := a.next().(protocol.RoomState)
	require.True(t, ok)

	b := openStream(t, client, metadata.AppendToOutgoingContext(ctx, "authorization", signed))
	b.send(protocol.Join{RoomID: "r"})
	state, ok := b.next().(protocol.RoomState)
	require.True(t, ok)
	require.Len(t, state.Players, 1)
	assert.Equal(t, "dana", state.Players[0].Username)
}

func TestGRPCService_RequireTokenRefusesAnonymous(t *testing.T) {
	tokens := auth.NewTokens(testSecret, "roomsync", time.Hour, nil)
	client, _ := testGRPCServer(t, WithTokens(tokens, true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Session(ctx)
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestEnvelope_StructRoundTrip(t *testing.T) {
	frame, err := EncodeInboundStruct(protocol.Update{Position: room.Vec3{1, 2, 3}, Rotation: room.Vec3{4, 5, 6}, Animation: 8})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeUpdate, frame.Fields["type"].GetStringValue())

	msg, err := DecodeStruct(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.Update{Position: room.Vec3{1, 2, 3}, Rotation: room.Vec3{4, 5, 6}, Animation: 8}, msg)

	_, err = DecodeStruct(nil)
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestGRPCServer_StartStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	gw := gateway.New(room.NewRegistry(), logger)
	srv := NewGRPCServer("127.0.0.1:0", NewSessionServer(gw, logger), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)

	select {
	case err := <-errCh:
		// Stop may win the race with Serve.
		if err != nil {
			assert.ErrorIs(t, err, grpc.ErrServerStopped)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("gRPC server did not stop")
	}
}

func TestGRPCService_ShutdownEndsStreams(t *testing.T) {
	logger := zaptest.NewLogger(t)
	gw := gateway.New(room.NewRegistry(), logger)
	svc := NewSessionServer(gw, logger)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterSessionServiceServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := NewSessionServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := openStream(t, client, ctx)
	a.send(protocol.Join{RoomID: "arena", Username: "alice"})
	_, ok := a.next().(protocol.RoomState)
	require.True(t, ok)

	svc.Shutdown()
	svc.Shutdown()

	_, err = a.stream.Recv()
	require.Error(t, err)
	assert.Eventually(t, func() bool { return gw.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, gw.Registry().Len())

	stream, err := client.Session(ctx)
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
