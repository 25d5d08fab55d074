package interceptors

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary server interceptor that logs each RPC with its status code,
// duration and client address. skipMethods is the set of full method names not to log
// (e.g. health checks).
func LoggingUnary(logger zerolog.Logger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	logger = logger.With().Str("component", "grpc").Logger()
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		ev := logger.Info()
		if err != nil {
			ev = logger.Warn()
		}
		ev = ev.Str("method", info.FullMethod).Str("code", code.String()).Dur("duration", time.Since(start))
		if addr, ok := GetClient(ctx); ok {
			ev = ev.Str("client_ip", addr.String())
		}
		if op, ok := GetOperator(ctx); ok {
			ev = ev.Str("operator", op)
		}
		ev.Msg("rpc")
		return resp, err
	}
}
