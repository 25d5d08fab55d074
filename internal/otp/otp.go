// Package otp derives one-time codes for every token kind and compares presented values.
package otp

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	potp "github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"

	"mfa-auth-engine/internal/token/domain"
)

// payloadDigits is the length of a challenge payload.
const payloadDigits = 10

// ErrUnsupportedKind is returned when a moving-factor code is requested for a challenge token.
var ErrUnsupportedKind = errors.New("otp: kind has no moving-factor code")

// Code returns the token's code at the given moving factor: a counter value for hotp, a time
// step for totp and motp.
func Code(t *domain.Token, movingFactor int64) (string, error) {
	if movingFactor < 0 {
		return "", fmt.Errorf("otp: negative moving factor %d", movingFactor)
	}
	switch t.Kind {
	case domain.KindHOTP, domain.KindTOTP:
		return HOTP(t.Secret, uint64(movingFactor), t.OTPDigits(), t.Algorithm)
	case domain.KindMOTP:
		return MOTP(t.Secret, t.MOTPPIN, movingFactor), nil
	default:
		return "", ErrUnsupportedKind
	}
}

// HOTP returns the RFC 4226 code for a base32 secret at counter.
func HOTP(secret string, counter uint64, digits int, alg domain.Algorithm) (string, error) {
	return hotp.GenerateCodeCustom(secret, counter, hotp.ValidateOpts{
		Digits:    toDigits(digits),
		Algorithm: toAlgorithm(alg),
	})
}

// MOTP returns the mobile-OTP code: the first six hex characters of md5(step || secret || pin).
func MOTP(secret, pin string, step int64) string {
	sum := md5.Sum([]byte(strconv.FormatInt(step, 10) + secret + pin))
	return hex.EncodeToString(sum[:])[:6]
}

// Step returns the time-step index of now for a period in seconds.
func Step(now time.Time, period int) int64 {
	if period <= 0 {
		period = domain.DefaultPeriod
	}
	return now.Unix() / int64(period)
}

// NewChallengePayload returns a random decimal nonce used as challenge payload.
// Uses crypto/rand for randomness.
func NewChallengePayload() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint64(b[:]) % 1e10
	return fmt.Sprintf("%0*d", payloadDigits, n), nil
}

// ChallengeAnswer returns the expected response to payload: the truncated HMAC of the payload
// under the token secret, computed the way HOTP computes a counter.
func ChallengeAnswer(t *domain.Token, payload string) (string, error) {
	n, err := strconv.ParseUint(payload, 10, 64)
	if err != nil {
		return "", fmt.Errorf("otp: challenge payload: %w", err)
	}
	return HOTP(t.Secret, n, t.OTPDigits(), t.Algorithm)
}

// Equal performs constant-time comparison of a presented code with the expected one.
func Equal(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// SplitPIN splits a presented value into its PIN prefix and trailing OTP of the given length.
// ok is false when the value is too short to hold an OTP.
func SplitPIN(presented string, digits int) (pin, code string, ok bool) {
	if len(presented) < digits {
		return "", "", false
	}
	cut := len(presented) - digits
	return presented[:cut], presented[cut:], true
}

func toDigits(n int) potp.Digits {
	if n == 8 {
		return potp.DigitsEight
	}
	return potp.DigitsSix
}

func toAlgorithm(a domain.Algorithm) potp.Algorithm {
	switch a {
	case domain.AlgorithmSHA256:
		return potp.AlgorithmSHA256
	case domain.AlgorithmSHA512:
		return potp.AlgorithmSHA512
	default:
		return potp.AlgorithmSHA1
	}
}
