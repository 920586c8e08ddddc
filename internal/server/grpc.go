package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the health service name probes ask for besides "".
const ServiceName = "memeperp.Exchange"

// GRPCServer carries the standard health service and reflection so
// grpcurl and orchestrator probes work against the engine. Health status
// follows the readiness function.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	ready      func() bool
	poll       time.Duration
	log        zerolog.Logger
}

// NewGRPCServer creates the server with health and reflection registered.
func NewGRPCServer(addr string, ready func() bool, logger zerolog.Logger) *GRPCServer {
	s := &GRPCServer{
		health: health.NewServer(),
		addr:   addr,
		ready:  ready,
		poll:   time.Second,
		log:    logger,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.setServing(false)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)
	return s
}

// Server exposes the underlying grpc.Server, for tests that serve on a
// custom listener.
func (s *GRPCServer) Server() *grpc.Server { return s.grpcServer }

// SyncHealth sets the health status from the readiness function once.
func (s *GRPCServer) SyncHealth() {
	s.setServing(s.ready != nil && s.ready())
}

func (s *GRPCServer) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// StartGRPC serves until ctx is cancelled (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve is StartGRPC on an existing listener.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		s.SyncHealth()
		for {
			select {
			case <-ctx.Done():
				s.log.Info().Msg("gRPC server shutting down")
				s.health.Shutdown()
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
				s.SyncHealth()
			}
		}
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

func (s *GRPCServer) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("took", time.Since(start)).
		Msg("grpc call")
	return resp, err
}
