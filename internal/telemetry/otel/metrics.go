package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mfa-auth-engine"

// Metrics holds the engine's counters. A nil *Metrics records nothing.
type Metrics struct {
	attempts     metric.Int64Counter
	lockouts     metric.Int64Counter
	softFailures metric.Int64Counter
	auditAppends metric.Int64Counter
	auditChecks  metric.Int64Counter
}

// NewMetrics registers the engine counters on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	attempts, err := m.Int64Counter("mfa.auth.attempts",
		metric.WithDescription("Authentication attempts by outcome code."))
	if err != nil {
		return nil, err
	}
	lockouts, err := m.Int64Counter("mfa.token.lockouts",
		metric.WithDescription("Tokens transitioned to locked by the fail counter."))
	if err != nil {
		return nil, err
	}
	softFailures, err := m.Int64Counter("mfa.resolver.soft_failures",
		metric.WithDescription("Resolver transport failures skipped by the chain."))
	if err != nil {
		return nil, err
	}
	auditAppends, err := m.Int64Counter("mfa.audit.appends",
		metric.WithDescription("Audit records appended to the hash chain."))
	if err != nil {
		return nil, err
	}
	auditChecks, err := m.Int64Counter("mfa.audit.verifications",
		metric.WithDescription("Audit chain verification passes by result."))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		attempts:     attempts,
		lockouts:     lockouts,
		softFailures: softFailures,
		auditAppends: auditAppends,
		auditChecks:  auditChecks,
	}, nil
}

// AuthAttempt counts one validate, challenge or resync call with its outcome code.
func (m *Metrics) AuthAttempt(ctx context.Context, action, outcome string) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// Lockout counts a token lock transition.
func (m *Metrics) Lockout(ctx context.Context, realm string) {
	if m == nil {
		return
	}
	m.lockouts.Add(ctx, 1, metric.WithAttributes(attribute.String("realm", realm)))
}

// ResolverSoftFailure counts a skipped resolver.
func (m *Metrics) ResolverSoftFailure(ctx context.Context, resolver string) {
	if m == nil {
		return
	}
	m.softFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("resolver", resolver)))
}

// AuditAppend counts a committed audit record.
func (m *Metrics) AuditAppend(ctx context.Context) {
	if m == nil {
		return
	}
	m.auditAppends.Add(ctx, 1)
}

// AuditVerification counts one chain verification pass.
func (m *Metrics) AuditVerification(ctx context.Context, trusted bool) {
	if m == nil {
		return
	}
	m.auditChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("trusted", trusted)))
}
