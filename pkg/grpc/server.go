// Package grpc exposes the standard gRPC health service for the margin
// daemon. A service is SERVING while its probe succeeds.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/luxfi/margin/pkg/log"
)

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// Server wraps a gRPC server carrying the health service.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	probes     map[string]Probe
	logger     log.Logger
	mu         sync.Mutex
}

// NewServer creates a new gRPC server. Every probe is registered as a named
// service; the empty service name aggregates them all.
func NewServer(probes map[string]Probe, logger log.Logger) *Server {
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		probes:     probes,
		logger:     logger,
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for name := range probes {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Check runs every probe once and publishes the results.
func (s *Server) Check(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	overall := healthpb.HealthCheckResponse_SERVING
	for name, probe := range s.probes {
		status := healthpb.HealthCheckResponse_SERVING
		if err := probe(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			s.logger.Warn("health probe failed", "service", name, "error", err)
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Watch re-runs the probes every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	s.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// StartGRPCServer starts the gRPC server
func StartGRPCServer(ctx context.Context, addr string, s *Server, interval time.Duration, logger log.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	go s.Watch(ctx, interval)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	logger.Info("gRPC server started", "addr", lis.Addr().String())
	return s.Serve(lis)
}
