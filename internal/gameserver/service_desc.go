package gameserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// SessionServiceName is the fully qualified gRPC service name.
const SessionServiceName = "roomsync.v1.SessionService"

// SessionMethod is the full method path of the bidirectional Session stream.
const SessionMethod = "/" + SessionServiceName + "/Session"

// SessionServiceServer is the server API for SessionService. Every frame in
// either direction is a google.protobuf.Struct carrying one JSON envelope.
type SessionServiceServer interface {
	Session(SessionService_SessionServer) error
}

// SessionService_SessionServer is the server side of the Session stream.
type SessionService_SessionServer interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type sessionServiceSessionServer struct {
	grpc.ServerStream
}

func (x *sessionServiceSessionServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *sessionServiceSessionServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func sessionServiceSessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SessionServiceServer).Session(&sessionServiceSessionServer{stream})
}

// SessionServiceDesc describes SessionService for grpc.Server registration.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionServiceSessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "roomsync/v1/session.proto",
}

// RegisterSessionServiceServer registers srv on s.
func RegisterSessionServiceServer(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&SessionServiceDesc, srv)
}

// SessionServiceClient is the client API for SessionService.
type SessionServiceClient interface {
	Session(ctx context.Context, opts ...grpc.CallOption) (SessionService_SessionClient, error)
}

// SessionService_SessionClient is the client side of the Session stream.
type SessionService_SessionClient interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type sessionServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionServiceClient returns a client bound to cc.
func NewSessionServiceClient(cc grpc.ClientConnInterface) SessionServiceClient {
	return &sessionServiceClient{cc}
}

func (c *sessionServiceClient) Session(ctx context.Context, opts ...grpc.CallOption) (SessionService_SessionClient, error) {
	stream, err := c.cc.NewStream(ctx, &SessionServiceDesc.Streams[0], SessionMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &sessionServiceSessionClient{stream}, nil
}

type sessionServiceSessionClient struct {
	grpc.ClientStream
}

func (x *sessionServiceSessionClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *sessionServiceSessionClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
