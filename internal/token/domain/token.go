package domain

import (
	"errors"
	"strings"
	"time"
)

// Kind is the OTP algorithm family of a token.
type Kind string

const (
	KindHOTP      Kind = "hotp"
	KindTOTP      Kind = "totp"
	KindChallenge Kind = "challenge"
	// KindMOTP is the mobile-OTP token: md5 over a 10-second step, secret and PIN.
	KindMOTP Kind = "motp"
)

// State is the administrative/lock state of a token.
type State string

const (
	StateActive   State = "active"
	StateDisabled State = "disabled"
	StateLocked   State = "locked"
)

// Algorithm is the HMAC hash used by HOTP, TOTP and challenge-response tokens.
type Algorithm string

const (
	AlgorithmSHA1   Algorithm = "SHA1"
	AlgorithmSHA256 Algorithm = "SHA256"
	AlgorithmSHA512 Algorithm = "SHA512"
)

const (
	DefaultDigits = 6
	DefaultPeriod = 30
	MOTPPeriod    = 10
)

// Token is an enrolled authenticator. Secret is owned by the token and never leaves the store
// except for verification. OwnerUserID is a weak reference resolved through the resolver chain.
type Token struct {
	Serial         string
	Kind           Kind
	Secret         string // base32 for hotp/totp/challenge, hex for motp
	Counter        int64
	TimeStepOffset int64
	LastStep       int64
	Digits         int
	Algorithm      Algorithm
	Period         int
	PINHash        string
	MOTPPIN        string
	Realm          string
	OwnerUserID    string
	OwnerResolver  string
	State          State
	FailCount      int
	LastFailureAt  *time.Time
	Description    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsTimeBased reports whether the token's moving factor is the clock.
func (t *Token) IsTimeBased() bool {
	return t.Kind == KindTOTP || t.Kind == KindMOTP
}

// StepPeriod returns the step length in seconds for time-based kinds.
func (t *Token) StepPeriod() int {
	if t.Kind == KindMOTP {
		return MOTPPeriod
	}
	if t.Period <= 0 {
		return DefaultPeriod
	}
	return t.Period
}

// OTPDigits returns the configured OTP length, defaulting to 6.
func (t *Token) OTPDigits() int {
	if t.Kind == KindMOTP {
		return 6
	}
	if t.Digits != 6 && t.Digits != 8 {
		return DefaultDigits
	}
	return t.Digits
}

// Clone returns a copy safe to mutate inside a critical section.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	if t.LastFailureAt != nil {
		at := *t.LastFailureAt
		c.LastFailureAt = &at
	}
	return &c
}

// Validate checks the token's enrollment fields.
func (t *Token) Validate() error {
	if strings.TrimSpace(t.Serial) == "" {
		return errors.New("token: serial is required")
	}
	switch t.Kind {
	case KindHOTP, KindTOTP, KindChallenge, KindMOTP:
	default:
		return errors.New("token: unknown kind " + string(t.Kind))
	}
	if t.Secret == "" {
		return errors.New("token: secret is required")
	}
	if t.Kind == KindMOTP && t.MOTPPIN == "" {
		return errors.New("token: motp requires a pin")
	}
	switch t.State {
	case StateActive, StateDisabled, StateLocked:
	default:
		return errors.New("token: unknown state " + string(t.State))
	}
	switch t.Algorithm {
	case "", AlgorithmSHA1, AlgorithmSHA256, AlgorithmSHA512:
	default:
		return errors.New("token: unknown algorithm " + string(t.Algorithm))
	}
	if t.Counter < 0 {
		return errors.New("token: counter must not be negative")
	}
	return nil
}
