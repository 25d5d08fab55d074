// Package validator verifies presented codes against a token's stored state. It never touches
// fail counters or lock state; the coordinator applies those around each call.
package validator

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/autherr"
	challengedomain "mfa-auth-engine/internal/challenge/domain"
	"mfa-auth-engine/internal/otp"
	"mfa-auth-engine/internal/token/domain"
)

// Default window sizes, used when no policy sets them.
const (
	DefaultCounterWindow = 10
	DefaultDriftBack     = 1
	DefaultDriftForward  = 2
	DefaultSyncWindow    = 1000
)

// Params are the policy-resolved tolerances for one verification.
type Params struct {
	CounterWindow int
	DriftBack     int
	DriftForward  int
	SyncWindow    int
	PINRequired   bool
}

// DefaultParams returns the tolerances used when no policy applies.
func DefaultParams() Params {
	return Params{
		CounterWindow: DefaultCounterWindow,
		DriftBack:     DefaultDriftBack,
		DriftForward:  DefaultDriftForward,
		SyncWindow:    DefaultSyncWindow,
	}
}

// ChallengeContext carries the challenge a challenge-kind token is being answered against.
type ChallengeContext struct {
	Challenge *challengedomain.Challenge
}

// Result describes a successful verification. Apply writes it to the token.
type Result struct {
	Kind          domain.Kind
	MatchedFactor int64
	NewCounter    int64
	NewOffset     int64
	NewLastStep   int64
	// DriftUsed is the matched distance from the expected counter or time step.
	DriftUsed int64
}

// Apply advances the token's moving factor to reflect the match.
func (r Result) Apply(t *domain.Token) {
	switch r.Kind {
	case domain.KindHOTP:
		if r.NewCounter > t.Counter {
			t.Counter = r.NewCounter
		}
	case domain.KindTOTP, domain.KindMOTP:
		t.TimeStepOffset = r.NewOffset
		t.LastStep = r.NewLastStep
	}
}

// PINVerifier checks a token PIN against its stored hash.
type PINVerifier interface {
	Compare(hash string, pin []byte) error
}

// Validator verifies codes for every token kind.
type Validator struct {
	pins   PINVerifier
	logger zerolog.Logger
}

// New returns a Validator. pins may be nil when no token carries a PIN.
func New(pins PINVerifier, logger zerolog.Logger) *Validator {
	return &Validator{pins: pins, logger: logger.With().Str("component", "validator").Logger()}
}

// Verify checks presented against t at time now. It does not mutate t; on success the caller
// applies the returned Result inside the token's critical section. A non-match returns
// autherr.ErrInvalidOTP or one of the challenge errors.
func (v *Validator) Verify(t *domain.Token, presented string, p Params, now time.Time, cc *ChallengeContext) (Result, error) {
	if t.Kind == domain.KindChallenge {
		return v.verifyChallenge(t, presented, now, cc)
	}
	code, err := v.checkPIN(t, presented, p)
	if err != nil {
		return Result{}, err
	}
	if len(code) != t.OTPDigits() {
		return Result{}, autherr.ErrInvalidOTP
	}
	if t.IsTimeBased() {
		return v.verifyTime(t, code, p, now)
	}
	return v.verifyCounter(t, code, p)
}

// Resync searches the sync window for two consecutive codes and returns the state that
// recentres the token after them.
func (v *Validator) Resync(t *domain.Token, otp1, otp2 string, p Params, now time.Time) (Result, error) {
	window := p.SyncWindow
	if window <= 0 {
		window = DefaultSyncWindow
	}
	switch {
	case t.Kind == domain.KindHOTP:
		for c := t.Counter; c <= t.Counter+int64(window); c++ {
			ok, err := v.pairMatches(t, c, otp1, otp2)
			if err != nil {
				return Result{}, err
			}
			if ok {
				return Result{Kind: t.Kind, MatchedFactor: c + 1, NewCounter: c + 2, DriftUsed: c - t.Counter}, nil
			}
		}
	case t.IsTimeBased():
		raw := otp.Step(now, t.StepPeriod())
		for _, d := range searchOrder(window, window) {
			s := raw + d
			if s <= t.LastStep || s < 0 {
				continue
			}
			ok, err := v.pairMatches(t, s, otp1, otp2)
			if err != nil {
				return Result{}, err
			}
			if ok {
				return Result{Kind: t.Kind, MatchedFactor: s + 1, NewOffset: s + 1 - raw, NewLastStep: s + 1, DriftUsed: d}, nil
			}
		}
	default:
		return Result{}, fmt.Errorf("resync: token kind %s has no moving factor", t.Kind)
	}
	return Result{}, autherr.ErrInvalidOTP
}

func (v *Validator) pairMatches(t *domain.Token, factor int64, otp1, otp2 string) (bool, error) {
	c1, err := otp.Code(t, factor)
	if err != nil {
		return false, err
	}
	if !otp.Equal(otp1, c1) {
		return false, nil
	}
	c2, err := otp.Code(t, factor+1)
	if err != nil {
		return false, err
	}
	return otp.Equal(otp2, c2), nil
}

// checkPIN strips and verifies the PIN prefix when the token carries one.
func (v *Validator) checkPIN(t *domain.Token, presented string, p Params) (string, error) {
	if t.PINHash == "" {
		if p.PINRequired {
			return "", autherr.ErrPINRequired
		}
		return presented, nil
	}
	pin, code, ok := otp.SplitPIN(presented, t.OTPDigits())
	if !ok || pin == "" {
		return "", autherr.ErrInvalidOTP
	}
	if v.pins == nil {
		return "", fmt.Errorf("token %s has a pin but no verifier is configured", t.Serial)
	}
	if err := v.pins.Compare(t.PINHash, []byte(pin)); err != nil {
		return "", autherr.ErrInvalidOTP
	}
	return code, nil
}

// verifyCounter searches [counter, counter+window]; the lowest matching counter wins.
func (v *Validator) verifyCounter(t *domain.Token, code string, p Params) (Result, error) {
	window := p.CounterWindow
	if window < 0 {
		window = 0
	}
	for c := t.Counter; c <= t.Counter+int64(window); c++ {
		want, err := otp.Code(t, c)
		if err != nil {
			return Result{}, err
		}
		if otp.Equal(code, want) {
			if c != t.Counter {
				v.logger.Debug().Str("serial", t.Serial).Int64("skipped", c-t.Counter).Msg("counter ahead of server")
			}
			return Result{Kind: t.Kind, MatchedFactor: c, NewCounter: c + 1, DriftUsed: c - t.Counter}, nil
		}
	}
	return Result{}, autherr.ErrInvalidOTP
}

// verifyTime searches around the drift-corrected step, nearest first and forward first at equal
// distance. Steps at or before the last consumed one are never accepted.
func (v *Validator) verifyTime(t *domain.Token, code string, p Params, now time.Time) (Result, error) {
	raw := otp.Step(now, t.StepPeriod())
	centre := raw + t.TimeStepOffset
	for _, d := range searchOrder(p.DriftBack, p.DriftForward) {
		s := centre + d
		if s <= t.LastStep || s < 0 {
			continue
		}
		want, err := otp.Code(t, s)
		if err != nil {
			return Result{}, err
		}
		if otp.Equal(code, want) {
			if s != raw {
				v.logger.Debug().Str("serial", t.Serial).Int64("offset", s-raw).Msg("time drift corrected")
			}
			return Result{Kind: t.Kind, MatchedFactor: s, NewOffset: s - raw, NewLastStep: s, DriftUsed: d}, nil
		}
	}
	return Result{}, autherr.ErrInvalidOTP
}

func (v *Validator) verifyChallenge(t *domain.Token, response string, now time.Time, cc *ChallengeContext) (Result, error) {
	if cc == nil || cc.Challenge == nil || cc.Challenge.TokenSerial != t.Serial || !cc.Challenge.IsPending() {
		return Result{}, autherr.ErrChallengeNotFound
	}
	c := cc.Challenge
	if c.IsExpiredAt(now) {
		return Result{}, autherr.ErrChallengeExpired
	}
	want, err := otp.ChallengeAnswer(t, c.Payload)
	if err != nil {
		return Result{}, err
	}
	if !otp.Equal(response, want) {
		return Result{}, autherr.ErrChallengeMismatch
	}
	return Result{Kind: t.Kind}, nil
}

// searchOrder lists step distances 0, +1, -1, +2, -2, ... bounded by back and forward.
func searchOrder(back, forward int) []int64 {
	if back < 0 {
		back = 0
	}
	if forward < 0 {
		forward = 0
	}
	n := back
	if forward > n {
		n = forward
	}
	out := make([]int64, 0, back+forward+1)
	out = append(out, 0)
	for d := 1; d <= n; d++ {
		if d <= forward {
			out = append(out, int64(d))
		}
		if d <= back {
			out = append(out, int64(-d))
		}
	}
	return out
}
