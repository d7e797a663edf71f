package grpcapi

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/grpc-guardian/memberdir"
)

// NewGRPCServer builds a gRPC server with the directory service, the
// standard health service and reflection registered. The chain's unary
// middleware wraps every call.
func NewGRPCServer(dir Directory, chain *memberdir.Chain, logger *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if chain != nil {
		opts = append(chain.ServerOption(), opts...)
	}

	server := grpc.NewServer(opts...)
	RegisterDirectoryServer(server, NewServer(dir, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(server)

	return server, healthServer
}
