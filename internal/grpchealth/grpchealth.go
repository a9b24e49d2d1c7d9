// Package grpchealth exposes the relay's readiness over the standard gRPC
// health protocol so orchestrators that speak grpc_health_probe can watch it.
package grpchealth

import (
	"context"
	"io"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported alongside the overall ("")
// status.
const ServiceName = "duocall.relay.v1.Signaling"

type Server struct {
	log    *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{log: logger, grpc: gs, health: hs}
	s.SetServing(false)
	return s
}

// SetServing flips both the overall and the signaling service status. A nil
// Server ignores it.
func (s *Server) SetServing(serving bool) {
	if s == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) Serve(l net.Listener) error {
	s.log.Info("grpc health server serving", "addr", l.Addr().String())
	return s.grpc.Serve(l)
}

// Shutdown marks every service NOT_SERVING and stops gracefully, falling back
// to a hard stop when ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	if s == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
		<-stopped
	}
}
