// Package grpcserver exposes the hevec service over gRPC.
//
// It delegates all business logic to internal/service.Service, translating
// coded errors to gRPC status codes. Messages travel as JSON through a
// registered codec, so callers must select it with
// grpc.CallContentSubtype(CodecName); Client does this. A default proto
// client cannot talk to the service, and there is no descriptor for server
// reflection to advertise.
package grpcserver

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/opaque/hevec/internal/service"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/logger"
)

// Options configures the gRPC server.
type Options struct {
	Logger *zap.Logger

	// Creds enables TLS. See LoadTLSCredentials.
	Creds credentials.TransportCredentials
}

// Server implements VectorStoreServer.
type Server struct {
	svc    *service.Service
	log    *zap.Logger
	grpc   *grpc.Server
	health *health.Server
}

var _ VectorStoreServer = (*Server)(nil)

// New creates a gRPC server backed by the given Service, with the standard
// health service registered.
func New(svc *service.Service, opts Options) *Server {
	log := logger.OrNop(opts.Logger)

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryInterceptor(log),
			LoggingUnaryInterceptor(log),
		),
	}
	if opts.Creds != nil {
		serverOpts = append(serverOpts, grpc.Creds(opts.Creds))
	}

	s := &Server{
		svc:    svc,
		log:    log,
		grpc:   grpc.NewServer(serverOpts...),
		health: health.NewServer(),
	}

	s.grpc.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil {
		return hverr.Wrap(err, hverr.CodeServerStartFailure, "grpc server stopped")
	}
	return nil
}

// GracefulStop marks the service not serving and waits for in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// RefreshHealth sets the serving status from a store health check.
func (s *Server) RefreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok, _, _ := s.svc.HealthCheck(ctx); ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

func (s *Server) Add(ctx context.Context, req *service.AddRequest) (*service.AddResponse, error) {
	resp, err := s.svc.Add(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

func (s *Server) Search(ctx context.Context, req *service.SearchRequest) (*service.SearchResponse, error) {
	resp, err := s.svc.Search(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

func (s *Server) Count(ctx context.Context, req *service.CountRequest) (*service.CountResponse, error) {
	resp, err := s.svc.Count(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

// mapError translates coded service errors to gRPC status errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(hverr.GRPCCode(err), err.Error())
}
