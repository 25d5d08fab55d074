// Package service manages challenge-response transactions: creation, delivery hand-off,
// answering and lazy expiry.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/autherr"
	"mfa-auth-engine/internal/challenge/domain"
	"mfa-auth-engine/internal/failcounter"
	"mfa-auth-engine/internal/otp"
	tokendomain "mfa-auth-engine/internal/token/domain"
	"mfa-auth-engine/internal/token/repository"
	"mfa-auth-engine/internal/validator"
)

// Transport hands a challenge to an out-of-band channel (SMS, e-mail, push). The engine never
// sends anything itself.
type Transport interface {
	Deliver(ctx context.Context, c *domain.Challenge) error
}

// ErrNotChallengeToken is returned when a challenge is requested for a token of another kind.
var ErrNotChallengeToken = errors.New("token does not support challenge-response")

// Manager creates and resolves challenges. All state changes happen inside the owning token's
// critical section.
type Manager struct {
	store     repository.Store
	validator *validator.Validator
	transport Transport
	nowF      func() time.Time
	newID     func() string
	logger    zerolog.Logger
}

// NewManager returns a Manager. transport may be nil, in which case the caller of Create is the
// delivery channel and the challenge is marked sent immediately.
func NewManager(store repository.Store, v *validator.Validator, transport Transport, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		validator: v,
		transport: transport,
		nowF:      func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		logger:    logger.With().Str("component", "challenge").Logger(),
	}
}

// CreateOptions are the policy-resolved settings for one challenge.
type CreateOptions struct {
	// Timeout <= 0 uses domain.DefaultTimeout.
	Timeout time.Duration
	Lockout failcounter.Policy
	// Now is the issue time; zero uses the manager's clock.
	Now time.Time
}

// Create issues a new challenge for serial, expiring any pending one, and hands it to the
// transport. A delivery failure expires the new challenge and returns the transport error.
func (m *Manager) Create(ctx context.Context, serial, userID string, opts CreateOptions) (*domain.Challenge, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultTimeout
	}
	payload, err := otp.NewChallengePayload()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now.IsZero() {
		now = m.nowF()
	}
	var created *domain.Challenge
	err = m.store.WithToken(ctx, serial, func(ctx context.Context, tx repository.Tx) error {
		t := tx.Token()
		if err := checkUsable(t, opts.Lockout, now); err != nil {
			return err
		}
		if t.Kind != tokendomain.KindChallenge {
			return ErrNotChallengeToken
		}
		existing, err := tx.Challenges(ctx)
		if err != nil {
			return err
		}
		for _, c := range existing {
			if c.IsPending() {
				c.Status = domain.StatusExpired
				if err := tx.PutChallenge(ctx, c); err != nil {
					return err
				}
			}
		}
		created = &domain.Challenge{
			TransactionID: m.newID(),
			TokenSerial:   t.Serial,
			Realm:         t.Realm,
			UserID:        userID,
			Payload:       payload,
			Status:        domain.StatusCreated,
			IssuedAt:      now,
			ExpiresAt:     now.Add(timeout),
		}
		return tx.PutChallenge(ctx, created)
	})
	if err != nil {
		return nil, err
	}

	var deliverErr error
	if m.transport != nil {
		deliverErr = m.transport.Deliver(ctx, created.Clone())
	}
	next := domain.StatusSent
	if deliverErr != nil {
		next = domain.StatusExpired
		m.logger.Error().Err(deliverErr).Str("serial", serial).Str("transaction_id", created.TransactionID).Msg("challenge delivery failed")
	}
	if err := m.transition(ctx, created, next); err != nil {
		return nil, err
	}
	if deliverErr != nil {
		return nil, fmt.Errorf("deliver challenge: %w", deliverErr)
	}
	return created, nil
}

// transition moves c from created to next unless it changed in the meantime.
func (m *Manager) transition(ctx context.Context, c *domain.Challenge, next domain.Status) error {
	return m.store.WithToken(context.WithoutCancel(ctx), c.TokenSerial, func(ctx context.Context, tx repository.Tx) error {
		cs, err := tx.Challenges(ctx)
		if err != nil {
			return err
		}
		for _, cur := range cs {
			if cur.TransactionID == c.TransactionID && cur.Status == domain.StatusCreated {
				cur.Status = next
				c.Status = next
				return tx.PutChallenge(ctx, cur)
			}
		}
		return nil
	})
}

// Answer resolves transactionID with response at now in the token's critical section. It does
// not touch the fail counter; callers that need lockout use AnswerInTx.
func (m *Manager) Answer(ctx context.Context, transactionID, response string, now time.Time) error {
	c, err := m.store.GetChallenge(ctx, transactionID)
	if err != nil {
		return err
	}
	if c == nil {
		return autherr.ErrChallengeNotFound
	}
	var answerErr error
	err = m.store.WithToken(ctx, c.TokenSerial, func(ctx context.Context, tx repository.Tx) error {
		answerErr = m.AnswerInTx(ctx, tx, transactionID, response, now)
		if answerErr != nil && !autherr.CountsAsFailure(answerErr) {
			return answerErr
		}
		return nil
	})
	if err != nil {
		return err
	}
	return answerErr
}

// AnswerInTx resolves a challenge of the token held by tx. An empty transactionID answers the
// token's newest pending challenge. State changes (expiry, answered) are written through tx even
// when an answer error is returned, so the caller must commit tx in both cases.
func (m *Manager) AnswerInTx(ctx context.Context, tx repository.Tx, transactionID, response string, now time.Time) error {
	cs, err := tx.Challenges(ctx)
	if err != nil {
		return err
	}
	var c *domain.Challenge
	for _, cur := range cs {
		if transactionID == "" && cur.IsPending() {
			c = cur
			break
		}
		if transactionID != "" && cur.TransactionID == transactionID {
			c = cur
			break
		}
	}
	if c == nil {
		return autherr.ErrChallengeNotFound
	}
	switch c.Status {
	case domain.StatusAnswered:
		return autherr.ErrChallengeNotFound
	case domain.StatusExpired:
		return autherr.ErrChallengeExpired
	}
	if c.IsExpiredAt(now) {
		c.Status = domain.StatusExpired
		if err := tx.PutChallenge(ctx, c); err != nil {
			return err
		}
		return autherr.ErrChallengeExpired
	}
	if _, err := m.validator.Verify(tx.Token(), response, validator.DefaultParams(), now, &validator.ChallengeContext{Challenge: c}); err != nil {
		return err
	}
	c.Status = domain.StatusAnswered
	at := now
	c.AnsweredAt = &at
	return tx.PutChallenge(ctx, c)
}

// ListPending returns realm's challenges still awaiting an answer at now. Expiry is evaluated
// here, not by a sweeper.
func (m *Manager) ListPending(ctx context.Context, realm string, now time.Time) ([]*domain.Challenge, error) {
	all, err := m.store.ListChallengesByRealm(ctx, realm)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Challenge, 0, len(all))
	for _, c := range all {
		if c.IsPending() && !c.IsExpiredAt(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func checkUsable(t *tokendomain.Token, lockout failcounter.Policy, now time.Time) error {
	if t.State == tokendomain.StateDisabled {
		return autherr.ErrTokenDisabled
	}
	if failcounter.CheckLock(t, lockout, now) {
		return autherr.ErrTokenLocked
	}
	return nil
}
