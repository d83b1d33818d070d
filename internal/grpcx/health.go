// Package grpcx serves the gRPC health protocol for the service binaries.
package grpcx

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Check reports whether one dependency is reachable.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthServer implements the gRPC health checking protocol. The service is
// SERVING only while every check passes.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	checks  []Check
	timeout time.Duration
	log     *zap.Logger
}

func NewHealthServer(log *zap.Logger, checks ...Check) *HealthServer {
	return &HealthServer{checks: checks, timeout: 2 * time.Second, log: log}
}

func (h *HealthServer) Check(ctx context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: h.status(ctx)}, nil
}

// Watch sends the current status once.
func (h *HealthServer) Watch(_ *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return stream.Send(&grpc_health_v1.HealthCheckResponse{Status: h.status(stream.Context())})
}

func (h *HealthServer) status(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			h.log.Error("health check failed", zap.String("dependency", c.Name), zap.Error(err))
			return grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			log.Error("gRPC request failed", zap.String("method", info.FullMethod), zap.Error(err))
		} else {
			log.Debug("gRPC request completed", zap.String("method", info.FullMethod))
		}
		return resp, err
	}
}

// NewServer returns a gRPC server with h registered.
func NewServer(h *HealthServer, log *zap.Logger) *grpc.Server {
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(log)))
	grpc_health_v1.RegisterHealthServer(srv, h)
	return srv
}

// ListenAndServe serves srv on addr in the background.
func ListenAndServe(srv *grpc.Server, addr string, log *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		log.Info("gRPC listening", zap.String("addr", addr))
		if err := srv.Serve(lis); err != nil {
			log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return nil
}
