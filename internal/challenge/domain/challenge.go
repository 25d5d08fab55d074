package domain

import "time"

// Status is the lifecycle state of a challenge: created -> sent -> answered | expired.
type Status string

const (
	StatusCreated  Status = "created"
	StatusSent     Status = "sent"
	StatusAnswered Status = "answered"
	StatusExpired  Status = "expired"
)

// DefaultTimeout is the challenge validity when no challenge-timeout policy applies.
const DefaultTimeout = 120 * time.Second

// Challenge is one challenge-response transaction (stored in the challenges table).
// Once answered or expired it is inert and kept for audit only.
type Challenge struct {
	TransactionID string
	TokenSerial   string
	Realm         string
	UserID        string
	Payload       string
	Status        Status
	IssuedAt      time.Time
	ExpiresAt     time.Time
	AnsweredAt    *time.Time
}

// IsPending reports whether the challenge still awaits an answer (created or sent).
func (c *Challenge) IsPending() bool {
	return c.Status == StatusCreated || c.Status == StatusSent
}

// IsExpiredAt reports whether now is past the challenge's validity.
func (c *Challenge) IsExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Clone returns a copy safe to mutate inside a critical section.
func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	out := *c
	if c.AnsweredAt != nil {
		at := *c.AnsweredAt
		out.AnsweredAt = &at
	}
	return &out
}
