package gameserver

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// GRPCServer hosts SessionService on a TCP listener.
type GRPCServer struct {
	addr   string
	grpc   *grpc.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewGRPCServer registers svc on a new grpc.Server bound to addr at Start.
//
// Precondition: addr must be a "host:port" string; svc and logger must be non-nil.
func NewGRPCServer(addr string, svc SessionServiceServer, logger *zap.Logger, opts ...grpc.ServerOption) *GRPCServer {
	srv := grpc.NewServer(opts...)
	RegisterSessionServiceServer(srv, svc)
	return &GRPCServer{addr: addr, grpc: srv, logger: logger}
}

// Start listens on the configured address and serves until Stop.
func (g *GRPCServer) Start(context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.addr, err)
	}
	g.mu.Lock()
	g.listener = lis
	g.mu.Unlock()

	g.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	return g.grpc.Serve(lis)
}

// Stop drains open streams, forcing them closed when ctx expires.
func (g *GRPCServer) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("gRPC graceful stop timed out, forcing")
		g.grpc.Stop()
		<-done
	}
}

// Addr returns the bound listener address, or "" before Start.
func (g *GRPCServer) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}
