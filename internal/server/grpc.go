// Package server builds the gRPC server and registers the engine's services on it.
package server

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	authhandler "mfa-auth-engine/internal/auth/handler"
	devhandler "mfa-auth-engine/internal/devotp/handler"
	"mfa-auth-engine/internal/security"
	"mfa-auth-engine/internal/server/interceptors"
)

// Deps holds the service implementations and server options.
type Deps struct {
	// Auth is the AuthService implementation. If nil, auth RPCs return Unimplemented.
	Auth authhandler.AuthServiceServer
	// Health is the standard health service, kept current by a readiness checker. If nil, a
	// server that always reports SERVING is registered.
	Health *health.Server
	// DevHandler is the dev-only DevService. If nil, DevService is not registered. Set only when
	// the dev challenge store is enabled and not production.
	DevHandler devhandler.DevServiceServer

	// AdminTokens validates operator tokens for the administrative RPCs. If nil, those RPCs are refused.
	AdminTokens *security.AdminTokens
	// TrustForwarded honours x-forwarded-for / x-real-ip for the client address.
	TrustForwarded bool
	Logger         zerolog.Logger
}

// RegisterServices registers the engine's gRPC services with the given server.
//
//   - mfa.auth.v1.AuthService → internal/auth/handler
//   - grpc.health.v1.Health   → google.golang.org/grpc/health
//   - mfa.dev.v1.DevService   → internal/devotp/handler (dev only)
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	authSrv := deps.Auth
	if authSrv == nil {
		authSrv = authhandler.NewServer(nil, authhandler.Options{})
	}
	authhandler.RegisterAuthServiceServer(s, authSrv)

	hs := deps.Health
	if hs == nil {
		hs = health.NewServer()
	}
	healthpb.RegisterHealthServer(s, hs)

	if deps.DevHandler != nil {
		devhandler.RegisterDevServiceServer(s, deps.DevHandler)
	}
}

// healthMethods are not logged per call.
var healthMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// NewServer returns a gRPC server with the OTel stats handler and the unary chain
// client address → logging → operator auth, and registers the services.
func NewServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.ClientUnary(deps.TrustForwarded),
			interceptors.LoggingUnary(deps.Logger, healthMethods),
			interceptors.AdminUnary(deps.AdminTokens, authhandler.AdminMethods),
		),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterServices(s, deps)
	return s
}
