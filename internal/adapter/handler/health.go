package handler

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/hive-corporation/watchtower-enrich/internal/core/service"
)

// ServiceName is the gRPC health service name of the ingester.
const ServiceName = "watchtower.enrich.Ingester"

// HealthServer publishes ingester health over the standard gRPC health
// protocol. A hard-failed run flips it to NOT_SERVING until a run succeeds.
type HealthServer struct {
	health *health.Server
}

func NewHealthServer() *HealthServer {
	hs := &HealthServer{health: health.NewServer()}
	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// Register attaches the health and reflection services to s.
func (hs *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, hs.health)
	reflection.Register(s)
}

// ObserveRun updates the serving status from a finished run.
func (hs *HealthServer) ObserveRun(summary service.Summary) {
	status := healthpb.HealthCheckResponse_SERVING
	if summary.Status == service.RunFailed {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.health.SetServingStatus(ServiceName, status)
}

func (hs *HealthServer) Shutdown() {
	hs.health.Shutdown()
}
