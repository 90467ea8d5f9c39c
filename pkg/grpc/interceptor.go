package grpc

import (
	"context"
	"reflect"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
)

// serviceQuery is any health request naming the service it asks about.
type serviceQuery interface {
	GetService() string
}

// limiterKey returns the limiter bucket for a health query. The overall
// service ("") and medipi.hub never share a bucket.
func limiterKey(fullMethod, service string) string {
	if service == "" {
		service = "overall"
	}
	return fullMethod + "/" + service
}

// CreateRateLimitInterceptor throttles health queries of the given request
// types. Requests of other types pass through untouched.
func (s *HealthServer) CreateRateLimitInterceptor(healthReqTypes []proto.Message) grpc.UnaryServerInterceptor {
	throttled := common.Reducer(healthReqTypes,
		func(m map[reflect.Type]bool, t proto.Message) map[reflect.Type]bool {
			m[reflect.TypeOf(t)] = true
			return m
		},
		map[reflect.Type]bool{},
	)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		q, ok := req.(serviceQuery)
		if !ok || !throttled[reflect.TypeOf(req)] {
			return handler(ctx, req)
		}
		service := q.GetService()
		if s.CheckServiceLimiter(limiterKey(info.FullMethod, service)) {
			return handler(ctx, req)
		}
		s.logger.Debug("Health check throttled", zap.String("method", info.FullMethod), zap.String("service", service))
		return nil, status.Errorf(codes.ResourceExhausted, "health checks for service %q are throttled, retry later", service)
	}
}
