// Package autherr defines the authentication error taxonomy shared by the validator, challenge
// manager, resolver chain, policy engine and coordinator, and maps errors to stable outcome codes.
package autherr

import (
	"errors"
	"fmt"
)

// Sentinel errors; the coordinator turns them into structured outcomes and the gRPC handler maps
// the infrastructure ones to status codes.
var (
	ErrInvalidOTP          = errors.New("invalid otp")
	ErrTokenLocked         = errors.New("token locked")
	ErrTokenDisabled       = errors.New("token disabled")
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrChallengeMismatch   = errors.New("challenge response mismatch")
	ErrUserNotFound        = errors.New("user not found")
	ErrResolverUnavailable = errors.New("resolver unavailable")
	ErrPolicyConfig        = errors.New("policy configuration error")
	ErrPolicyDenied        = errors.New("denied by policy")
	ErrNoToken             = errors.New("no usable token")
	ErrTokenNotFound       = errors.New("token not found")
	ErrAuditFailure        = errors.New("audit record could not be written")
	ErrResyncDisabled      = errors.New("resync not enabled by policy")
	ErrPINRequired         = errors.New("token pin required by policy")
)

// Outcome codes returned to callers alongside the human-readable message.
const (
	CodeOK                  = "ok"
	CodeInvalidOTP          = "invalid_otp"
	CodeTokenLocked         = "token_locked"
	CodeTokenDisabled       = "token_disabled"
	CodeChallengeNotFound   = "challenge_not_found"
	CodeChallengeExpired    = "challenge_expired"
	CodeChallengeMismatch   = "challenge_mismatch"
	CodeUserNotFound        = "user_not_found"
	CodeResolverUnavailable = "resolver_unavailable"
	CodePolicyConfig        = "policy_config_error"
	CodePolicyDenied        = "policy_denied"
	CodeNoToken             = "no_token"
	CodeTokenNotFound       = "token_not_found"
	CodeAuditFailure        = "audit_failure"
	CodeResyncDisabled      = "resync_disabled"
	CodePINRequired         = "pin_required"
	CodeInternal            = "internal_error"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidOTP, CodeInvalidOTP},
	{ErrTokenLocked, CodeTokenLocked},
	{ErrTokenDisabled, CodeTokenDisabled},
	{ErrChallengeNotFound, CodeChallengeNotFound},
	{ErrChallengeExpired, CodeChallengeExpired},
	{ErrChallengeMismatch, CodeChallengeMismatch},
	{ErrUserNotFound, CodeUserNotFound},
	{ErrResolverUnavailable, CodeResolverUnavailable},
	{ErrPolicyConfig, CodePolicyConfig},
	{ErrPolicyDenied, CodePolicyDenied},
	{ErrNoToken, CodeNoToken},
	{ErrTokenNotFound, CodeTokenNotFound},
	{ErrAuditFailure, CodeAuditFailure},
	{ErrResyncDisabled, CodeResyncDisabled},
	{ErrPINRequired, CodePINRequired},
}

// Code returns the outcome code for err. nil maps to CodeOK; unknown errors map to CodeInternal.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// CountsAsFailure reports whether err must increment the token fail counter.
// Lock, user lookup and infrastructure errors never touch the counter.
func CountsAsFailure(err error) bool {
	return errors.Is(err, ErrInvalidOTP) ||
		errors.Is(err, ErrChallengeNotFound) ||
		errors.Is(err, ErrChallengeExpired) ||
		errors.Is(err, ErrChallengeMismatch)
}

// PolicyConfigError names the policy (or gate module) that failed to load.
type PolicyConfigError struct {
	Policy string
	Reason string
	Err    error
}

func (e *PolicyConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy %q: %s: %v", e.Policy, e.Reason, e.Err)
	}
	return fmt.Sprintf("policy %q: %s", e.Policy, e.Reason)
}

// Unwrap lets errors.Is match both ErrPolicyConfig and the underlying cause.
func (e *PolicyConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPolicyConfig, e.Err}
	}
	return []error{ErrPolicyConfig}
}
