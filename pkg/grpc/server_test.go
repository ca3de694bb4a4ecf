package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthFollowsProbes(t *testing.T) {
	var oracleUp atomic.Bool
	probes := map[string]Probe{
		"oracle": func(context.Context) error {
			if !oracleUp.Load() {
				return errors.New("stale price")
			}
			return nil
		},
		"engine": func(context.Context) error { return nil },
	}
	level, _ := log.ToLevel("debug")
	s := NewServer(probes, log.NewTestLogger(level))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(""))

	s.Check(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status("oracle"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status("engine"))

	oracleUp.Store(true)
	s.Check(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status("oracle"))
}
