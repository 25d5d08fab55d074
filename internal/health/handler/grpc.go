// Package handler keeps the standard gRPC health service in step with the engine's readiness:
// database reachability and the in-process policy engine.
package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger checks connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks the policy engine.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// PolicyCheckFunc adapts a function to PolicyChecker.
type PolicyCheckFunc func(ctx context.Context) error

func (f PolicyCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

const checkTimeout = 2 * time.Second

// Checker runs readiness checks and publishes the result on a health.Server for the overall
// server ("") and each listed service.
type Checker struct {
	pinger   Pinger
	policy   PolicyChecker
	health   *health.Server
	services []string
	logger   zerolog.Logger
}

// NewChecker returns a Checker. A nil pinger or policy checker skips that check.
func NewChecker(pinger Pinger, policy PolicyChecker, hs *health.Server, services []string, logger zerolog.Logger) *Checker {
	return &Checker{
		pinger:   pinger,
		policy:   policy,
		health:   hs,
		services: services,
		logger:   logger.With().Str("component", "health").Logger(),
	}
}

// Check runs every check once, publishes the status and returns it.
func (c *Checker) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if c.pinger != nil {
		if err := c.pinger.PingContext(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("database ping failed")
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("policy engine check failed")
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	c.health.SetServingStatus("", st)
	for _, svc := range c.services {
		c.health.SetServingStatus(svc, st)
	}
	return st
}

// Run checks immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING ahead of a graceful stop.
func (c *Checker) Shutdown() {
	c.health.Shutdown()
}
