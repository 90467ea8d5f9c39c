package grpc

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/connectivity"
	"liyu1981.xyz/medipi-dispenser/pkg/dispenser"
	"liyu1981.xyz/medipi-dispenser/pkg/events"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

// ServiceHub is SERVING only while the hub link is ONLINE. The overall
// service ("") stays SERVING until Shutdown.
const ServiceHub = "medipi.hub"

type HealthServer struct {
	Health           *health.Server
	Conn             *connectivity.Manager
	RateLimiterStore *dispenser.RateLimiterStore

	unsubscribe func()
	logger      *zap.Logger
}

func NewHealthServer(bus *events.Bus, conn *connectivity.Manager, limiter *dispenser.RateLimiterStore) *HealthServer {
	s := &HealthServer{
		Health:           health.NewServer(),
		Conn:             conn,
		RateLimiterStore: limiter,
		logger:           common.GetLoggerWith(common.LoggerNameGrpcServer),
	}
	s.setHubState(conn.State())
	s.unsubscribe = events.Subscribe(bus, func(e events.StateChanged) error {
		s.setHubState(e.To)
		return nil
	})
	return s
}

// Register adds the health service to server.
func (s *HealthServer) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, s.Health)
}

func (s *HealthServer) GetLimiter(service string) *rate.Limiter {
	if s.RateLimiterStore == nil {
		return nil
	}
	return s.RateLimiterStore.GetLimiter(service)
}

func (s *HealthServer) CheckServiceLimiter(service string) bool {
	limiter := s.GetLimiter(service)
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// Shutdown marks every service NOT_SERVING and stops following
// connectivity changes.
func (s *HealthServer) Shutdown() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.Health.Shutdown()
}

func (s *HealthServer) setHubState(state models.ConnectivityState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == models.StateOnline {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.logger.Debug("Hub health changed", zap.String("state", string(state)), zap.String("status", status.String()))
	s.Health.SetServingStatus(ServiceHub, status)
}
