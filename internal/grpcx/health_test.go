package grpcx

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func ok(context.Context) error { return nil }

func TestCheckReportsFailingDependency(t *testing.T) {
	log := zaptest.NewLogger(t)
	down := errors.New("connection refused")

	h := NewHealthServer(log, Check{Name: "postgres", Ping: ok}, Check{Name: "redis", Ping: ok})
	resp, err := h.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	h = NewHealthServer(log,
		Check{Name: "postgres", Ping: ok},
		Check{Name: "redis", Ping: func(context.Context) error { return down }},
	)
	resp, err = h.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestHealthOverConnection(t *testing.T) {
	log := zaptest.NewLogger(t)
	srv := NewServer(NewHealthServer(log, Check{Name: "noop", Ping: ok}), log)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}
