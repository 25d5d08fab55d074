// Package failcounter tracks per-token failures and lock state. The Apply* functions mutate a
// token already held in its critical section; the Record* methods open that section themselves.
package failcounter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/token/domain"
	"mfa-auth-engine/internal/token/repository"
)

// DefaultMaxFailCount is the lock threshold when no max-fail-count policy applies.
const DefaultMaxFailCount = 10

// Policy is the policy-resolved lockout configuration for one token.
type Policy struct {
	MaxFailCount int
	// LockoutDuration is the cool-down after the last failure; zero means only an
	// administrative unlock releases the token.
	LockoutDuration time.Duration
}

// DefaultPolicy returns the lockout configuration used when no policy applies.
func DefaultPolicy() Policy {
	return Policy{MaxFailCount: DefaultMaxFailCount}
}

// Lockouts is notified when a token transitions to locked.
type Lockouts interface {
	Lockout(ctx context.Context, realm string)
}

// Tracker records failures and successes against the token store.
type Tracker struct {
	store    repository.Store
	lockouts Lockouts
	nowF     func() time.Time
	logger   zerolog.Logger
}

// NewTracker returns a Tracker. lockouts may be nil.
func NewTracker(store repository.Store, lockouts Lockouts, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		lockouts: lockouts,
		nowF:     func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "failcounter").Logger(),
	}
}

// CheckLock reports whether t refuses verification at now. A locked token whose cool-down has
// elapsed (now - lastFailureAt > LockoutDuration) is released: state active, count zero.
func CheckLock(t *domain.Token, p Policy, now time.Time) bool {
	if t.State != domain.StateLocked {
		return false
	}
	if p.LockoutDuration > 0 && t.LastFailureAt != nil && now.Sub(*t.LastFailureAt) > p.LockoutDuration {
		t.State = domain.StateActive
		t.FailCount = 0
		return false
	}
	return true
}

// ApplyFailure increments the fail count and locks the token at the threshold. A token that is
// already locked is left untouched. Returns the new count and whether this call locked it.
func ApplyFailure(t *domain.Token, p Policy, now time.Time) (int, bool) {
	if t.State == domain.StateLocked {
		return t.FailCount, false
	}
	max := p.MaxFailCount
	if max <= 0 {
		max = DefaultMaxFailCount
	}
	t.FailCount++
	at := now
	t.LastFailureAt = &at
	t.UpdatedAt = now
	if t.FailCount >= max && t.State == domain.StateActive {
		t.State = domain.StateLocked
		return t.FailCount, true
	}
	return t.FailCount, false
}

// ApplySuccess resets the fail count. It never unlocks.
func ApplySuccess(t *domain.Token, now time.Time) {
	t.FailCount = 0
	t.UpdatedAt = now
}

// RecordFailure increments serial's fail count in its own critical section.
// Returns the new count and whether the token is now locked.
func (tr *Tracker) RecordFailure(ctx context.Context, serial string, p Policy) (int, bool, error) {
	var (
		count    int
		locked   bool
		justLock bool
		realm    string
	)
	err := tr.store.WithToken(ctx, serial, func(ctx context.Context, tx repository.Tx) error {
		t := tx.Token()
		count, justLock = ApplyFailure(t, p, tr.nowF())
		locked = t.State == domain.StateLocked
		realm = t.Realm
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if justLock {
		tr.Locked(ctx, serial, realm, count)
	}
	return count, locked, nil
}

// RecordSuccess resets serial's fail count in its own critical section.
func (tr *Tracker) RecordSuccess(ctx context.Context, serial string) error {
	return tr.store.WithToken(ctx, serial, func(ctx context.Context, tx repository.Tx) error {
		ApplySuccess(tx.Token(), tr.nowF())
		return nil
	})
}

// Unlock is the administrative release: state active, fail count zero. Disabled tokens stay disabled.
func (tr *Tracker) Unlock(ctx context.Context, serial string) error {
	return tr.store.WithToken(ctx, serial, func(ctx context.Context, tx repository.Tx) error {
		t := tx.Token()
		if t.State == domain.StateLocked {
			t.State = domain.StateActive
		}
		t.FailCount = 0
		t.UpdatedAt = tr.nowF()
		return nil
	})
}

// Locked logs and counts a lock transition made by ApplyFailure. Call after the commit.
func (tr *Tracker) Locked(ctx context.Context, serial, realm string, count int) {
	tr.logger.Warn().Str("serial", serial).Str("realm", realm).Int("fail_count", count).Msg("token locked")
	if tr.lockouts != nil {
		tr.lockouts.Lockout(ctx, realm)
	}
}
