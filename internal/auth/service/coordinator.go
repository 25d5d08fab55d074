// Package service is the authentication coordinator: it resolves the user, applies policy,
// verifies against the user's tokens inside each token's critical section and records the
// decision in the audit chain.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mfa-auth-engine/internal/audit"
	auditdomain "mfa-auth-engine/internal/audit/domain"
	"mfa-auth-engine/internal/autherr"
	challengedomain "mfa-auth-engine/internal/challenge/domain"
	challengeservice "mfa-auth-engine/internal/challenge/service"
	"mfa-auth-engine/internal/failcounter"
	policydomain "mfa-auth-engine/internal/policy/domain"
	"mfa-auth-engine/internal/policy/engine"
	"mfa-auth-engine/internal/resolver"
	"mfa-auth-engine/internal/security"
	telemetryotel "mfa-auth-engine/internal/telemetry/otel"
	tokendomain "mfa-auth-engine/internal/token/domain"
	"mfa-auth-engine/internal/token/repository"
	"mfa-auth-engine/internal/validator"
)

// Audited actions.
const (
	ActionValidate        = "validate"
	ActionCreateChallenge = "create_challenge"
	ActionResync          = "resync"
	ActionUnlock          = "unlock"
	ActionResetCounter    = "reset_counter"
	ActionEnroll          = "enroll"
)

// auditTimeout bounds failure counting and the audit append, which run even if the caller has gone away.
const auditTimeout = 5 * time.Second

// Resolver is the identity lookup the coordinator needs.
type Resolver interface {
	Resolve(ctx context.Context, realm, login string) (resolver.Identity, error)
}

// AuditLog is the audit chain the coordinator appends to.
type AuditLog interface {
	Append(ctx context.Context, e auditdomain.Entry) (int64, error)
}

// Deps are the coordinator's collaborators. Metrics, Hasher, Tracer and Logger may be zero.
type Deps struct {
	Store      repository.Store
	Resolvers  Resolver
	Policies   *engine.Engine
	Validator  *validator.Validator
	Challenges *challengeservice.Manager
	Tracker    *failcounter.Tracker
	Audit      AuditLog
	Hasher     *security.Hasher
	Metrics    *telemetryotel.Metrics
	Tracer     trace.Tracer
	Logger     zerolog.Logger
}

// Coordinator orchestrates every authentication operation.
type Coordinator struct {
	Deps
	nowF func() time.Time
}

// NewCoordinator returns a Coordinator over d.
func NewCoordinator(d Deps) *Coordinator {
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("mfa-auth-engine/auth")
	}
	if d.Hasher == nil {
		d.Hasher = security.NewHasher(0)
	}
	d.Logger = d.Logger.With().Str("component", "coordinator").Logger()
	return &Coordinator{Deps: d, nowF: func() time.Time { return time.Now().UTC() }}
}

// ValidateRequest is one OTP or challenge answer.
type ValidateRequest struct {
	Realm         string
	Login         string
	OTP           string
	TransactionID string
	Client        netip.Addr
}

// Outcome is the structured result of an authentication operation. Err on the operation's
// return carries the same failure as a typed error.
type Outcome struct {
	Success       bool
	Code          string
	Message       string
	FailCount     int
	TokenSerial   string
	Resolver      string
	AuditSequence int64
}

// request is the per-call state shared by the operations.
type request struct {
	action   string
	realm    string
	login    string
	client   netip.Addr
	txID     string
	identity resolver.Identity
	snap     *engine.Snapshot
	pc       policydomain.Context
	now      time.Time
}

func (c *Coordinator) begin(ctx context.Context, action, scope, realm, login string, client netip.Addr) (context.Context, trace.Span, *request) {
	ctx, span := c.Tracer.Start(ctx, "auth."+action, trace.WithAttributes(
		attribute.String("mfa.realm", realm),
		attribute.String("mfa.action", action),
	))
	r := &request{
		action: action,
		realm:  realm,
		login:  login,
		client: client,
		snap:   c.Policies.Snapshot(),
		pc:     policydomain.Context{Realm: realm, User: login, Client: client, Scope: scope},
		now:    c.nowF(),
	}
	return ctx, span, r
}

// admit resolves the user and runs the policy gate. Nothing touches token state before it passes.
func (c *Coordinator) admit(ctx context.Context, r *request) error {
	id, err := c.Resolvers.Resolve(ctx, r.realm, r.login)
	if err != nil {
		return err
	}
	r.identity = id
	allowed, err := r.snap.Allow(ctx, r.pc)
	if err != nil {
		c.Logger.Error().Err(err).Str("realm", r.realm).Msg("policy gate failed, denying")
		return fmt.Errorf("gate evaluation: %w", autherr.ErrPolicyDenied)
	}
	if !allowed {
		return autherr.ErrPolicyDenied
	}
	return nil
}

func (c *Coordinator) validatorParams(r *request) validator.Params {
	p := validator.DefaultParams()
	p.CounterWindow = r.snap.Int(r.pc, policydomain.ActionOTPCounterWindow, p.CounterWindow)
	p.DriftBack, p.DriftForward = r.snap.DriftWindow(r.pc, p.DriftBack, p.DriftForward)
	p.SyncWindow = r.snap.Int(r.pc, policydomain.ActionSyncWindow, p.SyncWindow)
	p.PINRequired = r.snap.IsEnabled(r.pc, policydomain.ActionOTPPINRequired)
	return p
}

func (c *Coordinator) lockoutPolicy(r *request) failcounter.Policy {
	p := failcounter.DefaultPolicy()
	p.MaxFailCount = r.snap.Int(r.pc, policydomain.ActionMaxFailCount, p.MaxFailCount)
	p.LockoutDuration = r.snap.Duration(r.pc, policydomain.ActionLockoutDuration, p.LockoutDuration)
	return p
}

// finish records the audit entry, metrics and span status, and builds the outcome. An audit
// failure replaces opErr: the decision is not reported if it could not be recorded.
func (c *Coordinator) finish(ctx context.Context, span trace.Span, r *request, out *Outcome, opErr error) (*Outcome, error) {
	defer span.End()
	out.Resolver = r.identity.Resolver
	outcome := auditdomain.OutcomeSuccess
	switch {
	case opErr == nil:
	case errors.Is(opErr, autherr.ErrPolicyDenied):
		outcome = auditdomain.OutcomeDenied
	case errors.Is(opErr, autherr.ErrResolverUnavailable), autherr.Code(opErr) == autherr.CodeInternal:
		outcome = auditdomain.OutcomeError
	default:
		outcome = auditdomain.OutcomeFailure
	}
	client := ""
	if r.client.IsValid() {
		client = r.client.String()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	seq, auditErr := c.Audit.Append(actx, auditdomain.Entry{
		Realm:         r.realm,
		Login:         r.login,
		UserID:        r.identity.UserID,
		Resolver:      r.identity.Resolver,
		TokenSerial:   out.TokenSerial,
		Action:        r.action,
		Outcome:       outcome,
		Reason:        autherr.Code(opErr),
		ClientIP:      client,
		TransactionID: r.txID,
	})
	if auditErr != nil {
		opErr = auditErr
		out.Success = false
	} else {
		out.AuditSequence = seq
	}
	out.Code = autherr.Code(opErr)
	if opErr == nil {
		out.Message = "authenticated"
		if r.action != ActionValidate {
			out.Message = "ok"
		}
	} else {
		out.Message = opErr.Error()
	}
	c.Metrics.AuthAttempt(ctx, r.action, out.Code)
	span.SetAttributes(attribute.String("mfa.outcome", out.Code))
	if out.TokenSerial != "" {
		span.SetAttributes(attribute.String("mfa.token_serial", out.TokenSerial))
	}
	if opErr != nil {
		span.SetStatus(codes.Error, out.Code)
		c.Logger.Info().Str("action", r.action).Str("realm", r.realm).Str("login", r.login).
			Str("outcome", out.Code).Str("serial", out.TokenSerial).Msg("authentication failed")
	}
	return out, opErr
}

// attempt is the outcome of trying one token.
type attempt struct {
	serial string
	err    error
	count  int
}

// Validate checks req.OTP against the user's tokens, or against the challenge named by
// req.TransactionID. The first matching token wins. If none matches, every token that rejected
// the code has its fail counter incremented.
func (c *Coordinator) Validate(ctx context.Context, req ValidateRequest) (*Outcome, error) {
	ctx, span, r := c.begin(ctx, ActionValidate, policydomain.ScopeValidate, req.Realm, req.Login, req.Client)
	r.txID = req.TransactionID
	out := &Outcome{}
	if err := c.admit(ctx, r); err != nil {
		return c.finish(ctx, span, r, out, err)
	}
	serials, err := c.candidates(ctx, r)
	if err != nil {
		return c.finish(ctx, span, r, out, err)
	}

	vp, lp := c.validatorParams(r), c.lockoutPolicy(r)
	var attempts []attempt
	for _, serial := range serials {
		a, err := c.tryToken(ctx, r, serial, req.OTP, vp, lp)
		if err != nil {
			return c.finish(ctx, span, r, out, err)
		}
		if a.err == nil {
			out.Success, out.TokenSerial = true, serial
			return c.finish(ctx, span, r, out, nil)
		}
		attempts = append(attempts, a)
	}

	// Counting must survive an abandoned request.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := c.recordFailures(fctx, r, attempts, lp); err != nil {
		return c.finish(ctx, span, r, out, err)
	}
	final := pickFailure(attempts)
	out.TokenSerial, out.FailCount = final.serial, final.count
	return c.finish(ctx, span, r, out, final.err)
}

// candidates lists the serials to try: the challenge's token when a transaction id is given,
// otherwise every token the user owns in the realm.
func (c *Coordinator) candidates(ctx context.Context, r *request) ([]string, error) {
	if r.txID != "" {
		ch, err := c.Store.GetChallenge(ctx, r.txID)
		if err != nil {
			return nil, err
		}
		if ch == nil || ch.Realm != r.realm || ch.UserID != r.identity.UserID {
			return nil, autherr.ErrChallengeNotFound
		}
		return []string{ch.TokenSerial}, nil
	}
	tokens, err := c.Store.ListByOwner(ctx, r.realm, r.identity.UserID)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, autherr.ErrNoToken
	}
	serials := make([]string, len(tokens))
	for i, t := range tokens {
		serials[i] = t.Serial
	}
	return serials, nil
}

// tryToken verifies against one token in its critical section. On a match the moving factor
// advances and the fail count resets in the same commit. A non-nil error is infrastructure.
func (c *Coordinator) tryToken(ctx context.Context, r *request, serial, presented string, vp validator.Params, lp failcounter.Policy) (attempt, error) {
	a := attempt{serial: serial}
	err := c.Store.WithToken(ctx, serial, func(ctx context.Context, tx repository.Tx) error {
		t := tx.Token()
		a.count = t.FailCount
		if t.State == tokendomain.StateDisabled {
			a.err = autherr.ErrTokenDisabled
			return nil
		}
		if failcounter.CheckLock(t, lp, r.now) {
			a.err = autherr.ErrTokenLocked
			return nil
		}
		if t.Kind == tokendomain.KindChallenge {
			a.err = c.Challenges.AnswerInTx(ctx, tx, r.txID, presented, r.now)
			if a.err != nil && !isDomainErr(a.err) {
				return a.err
			}
		} else {
			res, err := c.Validator.Verify(t, presented, vp, r.now, nil)
			a.err = err
			if err == nil {
				res.Apply(t)
			}
		}
		if a.err == nil {
			failcounter.ApplySuccess(t, r.now)
			a.count = 0
		}
		return nil
	})
	if err != nil {
		return a, err
	}
	// A challenge token with nothing live pending was not addressed by a plain OTP.
	if r.txID == "" && (errors.Is(a.err, autherr.ErrChallengeNotFound) || errors.Is(a.err, autherr.ErrChallengeExpired)) {
		a.err = errNotApplicable
	}
	return a, nil
}

var errNotApplicable = errors.New("token not applicable")

func isDomainErr(err error) bool {
	return autherr.Code(err) != autherr.CodeInternal
}

// recordFailures increments the fail counter of every token that rejected the code.
func (c *Coordinator) recordFailures(ctx context.Context, r *request, attempts []attempt, lp failcounter.Policy) error {
	for i := range attempts {
		a := &attempts[i]
		if !autherr.CountsAsFailure(a.err) {
			continue
		}
		var justLocked bool
		err := c.Store.WithToken(ctx, a.serial, func(ctx context.Context, tx repository.Tx) error {
			t := tx.Token()
			if failcounter.CheckLock(t, lp, r.now) {
				a.count = t.FailCount
				return nil
			}
			a.count, justLocked = failcounter.ApplyFailure(t, lp, r.now)
			return nil
		})
		if err != nil {
			return err
		}
		if justLocked {
			c.Tracker.Locked(ctx, a.serial, r.realm, a.count)
		}
	}
	return nil
}

// pickFailure chooses the reported failure: a rejected code first, then a PIN policy refusal,
// then lock, then disabled.
func pickFailure(attempts []attempt) attempt {
	rank := func(err error) int {
		switch {
		case autherr.CountsAsFailure(err):
			return 0
		case errors.Is(err, autherr.ErrPINRequired):
			return 1
		case errors.Is(err, autherr.ErrTokenLocked):
			return 2
		case errors.Is(err, autherr.ErrTokenDisabled):
			return 3
		default:
			return 4
		}
	}
	best := attempt{err: autherr.ErrNoToken}
	bestRank := 5
	for _, a := range attempts {
		if rk := rank(a.err); rk < bestRank {
			best, bestRank = a, rk
		}
	}
	if errors.Is(best.err, errNotApplicable) {
		return attempt{serial: best.serial, err: autherr.ErrChallengeNotFound}
	}
	return best
}

// ChallengeRequest asks for a challenge on one of the user's challenge tokens.
type ChallengeRequest struct {
	Realm       string
	Login       string
	TokenSerial string
	Client      netip.Addr
}

// ChallengeOutcome is the created challenge.
type ChallengeOutcome struct {
	Outcome
	TransactionID string
	Payload       string
	ExpiresAt     time.Time
}

// CreateChallenge issues a challenge for req.TokenSerial, or for the user's first active
// challenge token when no serial is given. The timeout comes from challenge-timeout.
func (c *Coordinator) CreateChallenge(ctx context.Context, req ChallengeRequest) (*ChallengeOutcome, error) {
	ctx, span, r := c.begin(ctx, ActionCreateChallenge, policydomain.ScopeChallenge, req.Realm, req.Login, req.Client)
	res := &ChallengeOutcome{}
	if err := c.admit(ctx, r); err != nil {
		_, err = c.finish(ctx, span, r, &res.Outcome, err)
		return res, err
	}
	serial, err := c.challengeToken(ctx, r, req.TokenSerial)
	if err != nil {
		_, err = c.finish(ctx, span, r, &res.Outcome, err)
		return res, err
	}
	res.TokenSerial = serial
	ch, err := c.Challenges.Create(ctx, serial, r.identity.UserID, challengeservice.CreateOptions{
		Timeout: r.snap.Duration(r.pc, policydomain.ActionChallengeTimeout, challengedomain.DefaultTimeout),
		Lockout: c.lockoutPolicy(r),
		Now:     r.now,
	})
	if err != nil {
		_, err = c.finish(ctx, span, r, &res.Outcome, err)
		return res, err
	}
	r.txID = ch.TransactionID
	res.TransactionID, res.Payload, res.ExpiresAt = ch.TransactionID, ch.Payload, ch.ExpiresAt
	res.Success = true
	_, err = c.finish(ctx, span, r, &res.Outcome, nil)
	if err != nil {
		res.TransactionID, res.Payload = "", ""
	}
	return res, err
}

func (c *Coordinator) challengeToken(ctx context.Context, r *request, serial string) (string, error) {
	tokens, err := c.Store.ListByOwner(ctx, r.realm, r.identity.UserID)
	if err != nil {
		return "", err
	}
	for _, t := range tokens {
		if serial != "" && t.Serial == serial {
			if t.Kind != tokendomain.KindChallenge {
				return "", fmt.Errorf("%w: %w", autherr.ErrNoToken, challengeservice.ErrNotChallengeToken)
			}
			return t.Serial, nil
		}
		if serial == "" && t.Kind == tokendomain.KindChallenge && t.State != tokendomain.StateDisabled {
			return t.Serial, nil
		}
	}
	if serial != "" {
		return "", autherr.ErrTokenNotFound
	}
	return "", autherr.ErrNoToken
}

// ResyncRequest carries two consecutive codes from a drifted token.
type ResyncRequest struct {
	Realm       string
	Login       string
	TokenSerial string
	OTP1        string
	OTP2        string
	Client      netip.Addr
}

// Resync realigns a token from two consecutive codes. It requires resync-enabled. Success resets
// the fail count but does not unlock; a failed resync does not count as a failure.
func (c *Coordinator) Resync(ctx context.Context, req ResyncRequest) (*Outcome, error) {
	ctx, span, r := c.begin(ctx, ActionResync, policydomain.ScopeResync, req.Realm, req.Login, req.Client)
	out := &Outcome{TokenSerial: req.TokenSerial}
	if err := c.admit(ctx, r); err != nil {
		return c.finish(ctx, span, r, out, err)
	}
	if !r.snap.IsEnabled(r.pc, policydomain.ActionResyncEnabled) {
		return c.finish(ctx, span, r, out, autherr.ErrResyncDisabled)
	}
	if err := c.owns(ctx, r, req.TokenSerial); err != nil {
		return c.finish(ctx, span, r, out, err)
	}
	vp, lp := c.validatorParams(r), c.lockoutPolicy(r)
	var resyncErr error
	err := c.Store.WithToken(ctx, req.TokenSerial, func(ctx context.Context, tx repository.Tx) error {
		t := tx.Token()
		out.FailCount = t.FailCount
		if t.State == tokendomain.StateDisabled {
			resyncErr = autherr.ErrTokenDisabled
			return nil
		}
		if failcounter.CheckLock(t, lp, r.now) {
			resyncErr = autherr.ErrTokenLocked
			return nil
		}
		res, err := c.Validator.Resync(t, req.OTP1, req.OTP2, vp, r.now)
		if err != nil {
			resyncErr = err
			return nil
		}
		res.Apply(t)
		failcounter.ApplySuccess(t, r.now)
		out.FailCount = 0
		return nil
	})
	if err == nil {
		err = resyncErr
	}
	out.Success = err == nil
	return c.finish(ctx, span, r, out, err)
}

func (c *Coordinator) owns(ctx context.Context, r *request, serial string) error {
	tokens, err := c.Store.ListByOwner(ctx, r.realm, r.identity.UserID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t.Serial == serial {
			return nil
		}
	}
	return autherr.ErrTokenNotFound
}

// ListPendingChallenges returns realm's unanswered, unexpired challenges.
func (c *Coordinator) ListPendingChallenges(ctx context.Context, realm string) ([]*challengedomain.Challenge, error) {
	return c.Challenges.ListPending(ctx, realm, c.nowF())
}

// auditReader is implemented by *audit.Recorder.
type auditReader interface {
	Verify(ctx context.Context, fromSeq int64) (audit.Report, error)
	Export(ctx context.Context, fromSeq int64, limit int) ([]*auditdomain.Record, error)
}

// VerifyAudit checks the audit chain from fromSeq.
func (c *Coordinator) VerifyAudit(ctx context.Context, fromSeq int64) (audit.Report, error) {
	ar, ok := c.Audit.(auditReader)
	if !ok {
		return audit.Report{}, errors.New("audit log does not support verification")
	}
	return ar.Verify(ctx, fromSeq)
}

// ExportAudit returns up to limit audit records from fromSeq.
func (c *Coordinator) ExportAudit(ctx context.Context, fromSeq int64, limit int) ([]*auditdomain.Record, error) {
	ar, ok := c.Audit.(auditReader)
	if !ok {
		return nil, errors.New("audit log does not support export")
	}
	return ar.Export(ctx, fromSeq, limit)
}
