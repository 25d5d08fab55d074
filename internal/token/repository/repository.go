package repository

import (
	"context"

	challengedomain "mfa-auth-engine/internal/challenge/domain"
	"mfa-auth-engine/internal/token/domain"
)

// Tx is the view of a single token's durable state inside its exclusive critical section.
// Changes made through Tx (including mutations of Token()) are committed together when the
// callback returns nil and discarded otherwise.
type Tx interface {
	// Token returns the working copy of the locked token. Mutate it in place.
	Token() *domain.Token
	// Challenges returns every challenge recorded for the locked token, newest first.
	Challenges(ctx context.Context) ([]*challengedomain.Challenge, error)
	// PutChallenge inserts or replaces a challenge of the locked token.
	PutChallenge(ctx context.Context, c *challengedomain.Challenge) error
}

// Store defines persistence for tokens and their challenges. Token mutation only happens inside
// WithToken so concurrent requests against one token are serialized.
type Store interface {
	// Create persists a new token. Returns an error if the serial exists.
	Create(ctx context.Context, t *domain.Token) error
	// Get returns a snapshot of the token for serial, or nil if not found.
	Get(ctx context.Context, serial string) (*domain.Token, error)
	// ListByOwner returns snapshots of all tokens owned by userID in realm, ordered by serial.
	ListByOwner(ctx context.Context, realm, userID string) ([]*domain.Token, error)
	// WithToken runs fn inside the token's critical section. Returns autherr.ErrTokenNotFound
	// if the token does not exist.
	WithToken(ctx context.Context, serial string, fn func(ctx context.Context, tx Tx) error) error
	// GetChallenge returns the challenge for transactionID, or nil if not found.
	GetChallenge(ctx context.Context, transactionID string) (*challengedomain.Challenge, error)
	// ListChallengesByRealm returns all challenges of realm regardless of status.
	ListChallengesByRealm(ctx context.Context, realm string) ([]*challengedomain.Challenge, error)
}
