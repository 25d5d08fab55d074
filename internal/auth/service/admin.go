package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go.opentelemetry.io/otel/trace"

	"mfa-auth-engine/internal/autherr"
	tokendomain "mfa-auth-engine/internal/token/domain"
	"mfa-auth-engine/internal/token/repository"
)

// ErrNegativeCounter is returned by ResetCounter for a value below zero.
var ErrNegativeCounter = errors.New("counter must not be negative")

// adminRequest starts an administrative operation on serial. The token's realm and owner are
// recorded in the audit entry.
func (c *Coordinator) adminRequest(ctx context.Context, action, serial string) (context.Context, trace.Span, *request, *Outcome) {
	ctx, span, r := c.begin(ctx, action, "", "", "", netip.Addr{})
	out := &Outcome{TokenSerial: serial}
	if t, err := c.Store.Get(ctx, serial); err == nil && t != nil {
		r.realm = t.Realm
		r.identity.UserID = t.OwnerUserID
		r.identity.Resolver = t.OwnerResolver
	}
	return ctx, span, r, out
}

// Unlock releases a locked token and clears its fail count. Disabled tokens stay disabled.
func (c *Coordinator) Unlock(ctx context.Context, serial string) (*Outcome, error) {
	ctx, span, r, out := c.adminRequest(ctx, ActionUnlock, serial)
	err := c.Tracker.Unlock(ctx, serial)
	out.Success = err == nil
	return c.finish(ctx, span, r, out, err)
}

// ResetCounter sets an event token's counter to value. It is the only operation that may move
// a counter backwards.
func (c *Coordinator) ResetCounter(ctx context.Context, serial string, value int64) (*Outcome, error) {
	ctx, span, r, out := c.adminRequest(ctx, ActionResetCounter, serial)
	if value < 0 {
		return c.finish(ctx, span, r, out, ErrNegativeCounter)
	}
	err := c.Store.WithToken(ctx, serial, func(ctx context.Context, tx repository.Tx) error {
		t := tx.Token()
		t.Counter = value
		t.UpdatedAt = r.now
		return nil
	})
	out.Success = err == nil
	return c.finish(ctx, span, r, out, err)
}

// EnrollRequest seeds a token. PIN, when set, is stored as a bcrypt hash.
type EnrollRequest struct {
	Token *tokendomain.Token
	PIN   string
}

// Enroll validates and stores a new token.
func (c *Coordinator) Enroll(ctx context.Context, req EnrollRequest) (*Outcome, error) {
	if req.Token == nil {
		return nil, fmt.Errorf("enroll: %w", autherr.ErrTokenNotFound)
	}
	t := req.Token.Clone()
	ctx, span, r := c.begin(ctx, ActionEnroll, "", t.Realm, "", netip.Addr{})
	r.identity.UserID, r.identity.Resolver = t.OwnerUserID, t.OwnerResolver
	out := &Outcome{TokenSerial: t.Serial}

	if t.State == "" {
		t.State = tokendomain.StateActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now
	}
	t.UpdatedAt = r.now
	if req.PIN != "" {
		hash, err := c.Hasher.Hash([]byte(req.PIN))
		if err != nil {
			return c.finish(ctx, span, r, out, err)
		}
		t.PINHash = hash
	}
	if err := t.Validate(); err != nil {
		return c.finish(ctx, span, r, out, err)
	}
	err := c.Store.Create(ctx, t)
	out.Success = err == nil
	return c.finish(ctx, span, r, out, err)
}
