// Package engine evaluates policies against a request context. Policies are compiled into an
// immutable Snapshot; Load swaps the snapshot atomically so a request never sees a partial reload.
package engine

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/autherr"
	"mfa-auth-engine/internal/policy/domain"
	"mfa-auth-engine/internal/policy/repository"
)

// Engine holds the current policy snapshot.
type Engine struct {
	current atomic.Pointer[Snapshot]
	nowF    func() time.Time
	logger  zerolog.Logger
}

// NewEngine returns an Engine with no policies and an allow-all gate.
func NewEngine(logger zerolog.Logger) *Engine {
	e := &Engine{
		nowF:   func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "policy").Logger(),
	}
	e.current.Store(&Snapshot{nowF: e.nowF, logger: e.logger})
	return e
}

// Snapshot returns the policies in force. Callers take one snapshot per request.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Load compiles defs and gateModule into a new snapshot and makes it current. On error the
// previous snapshot stays in force and the error is an *autherr.PolicyConfigError.
func (e *Engine) Load(ctx context.Context, defs []domain.Definition, gateModule string) error {
	s, err := compile(ctx, defs, gateModule, e.nowF, e.logger)
	if err != nil {
		return err
	}
	e.current.Store(s)
	e.logger.Info().Int("policies", len(s.policies)).Bool("custom_gate", gateModule != "").Msg("policies loaded")
	return nil
}

// Reload reads the enabled definitions from src and loads them with gateModule.
func (e *Engine) Reload(ctx context.Context, src repository.Repository, gateModule string) error {
	defs, err := src.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}
	return e.Load(ctx, defs, gateModule)
}

// Decision is the outcome of evaluating one action.
type Decision struct {
	Policy string
	Value  string
	// Ambiguous is set when another matching policy had equal priority and specificity; the
	// lexically smallest policy name was chosen.
	Ambiguous bool
}

// Snapshot is an immutable compiled policy set.
type Snapshot struct {
	policies []*compiled
	gate     *Gate
	nowF     func() time.Time
	logger   zerolog.Logger
}

type compiled struct {
	name        string
	action      domain.Action
	value       string
	priority    int
	realm       string
	user        string
	scope       string
	client      netip.Prefix
	hasClient   bool
	cond        *govaluate.EvaluableExpression
	specificity int

	intVal  int
	durVal  time.Duration
	boolVal bool
	back    int
	forward int
}

func compile(ctx context.Context, defs []domain.Definition, gateModule string, nowF func() time.Time, logger zerolog.Logger) (*Snapshot, error) {
	s := &Snapshot{nowF: nowF, logger: logger}
	seen := make(map[string]bool)
	for _, d := range defs {
		if !d.IsEnabled() {
			continue
		}
		c, err := compileOne(d)
		if err != nil {
			return nil, err
		}
		if seen[c.name] {
			return nil, &autherr.PolicyConfigError{Policy: c.name, Reason: "duplicate policy name"}
		}
		seen[c.name] = true
		s.policies = append(s.policies, c)
	}
	if gateModule != "" {
		g, err := NewGate(ctx, gateModule)
		if err != nil {
			return nil, &autherr.PolicyConfigError{Policy: "gate", Reason: "invalid rego module", Err: err}
		}
		s.gate = g
	}
	return s, nil
}

func compileOne(d domain.Definition) (*compiled, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, &autherr.PolicyConfigError{Policy: "", Reason: "policy name is required"}
	}
	fail := func(reason string, err error) error {
		return &autherr.PolicyConfigError{Policy: name, Reason: reason, Err: err}
	}
	action := domain.Action(strings.TrimSpace(d.Action))
	kind, ok := domain.Actions[action]
	if !ok {
		return nil, fail(fmt.Sprintf("unknown action %q", d.Action), nil)
	}
	c := &compiled{
		name:     name,
		action:   action,
		value:    strings.TrimSpace(d.Value),
		priority: d.Priority,
		realm:    filter(d.Realm),
		user:     filter(d.User),
		scope:    filter(d.Scope),
	}
	if cl := filter(d.Client); cl != "" {
		p, err := parseClient(cl)
		if err != nil {
			return nil, fail("invalid client filter", err)
		}
		c.client, c.hasClient = p, true
	}
	for _, f := range []bool{c.realm != "", c.user != "", c.scope != "", c.hasClient} {
		if f {
			c.specificity++
		}
	}
	cond, err := compileCondition(d.Condition)
	if err != nil {
		return nil, fail("invalid condition", err)
	}
	c.cond = cond
	if err := c.parseValue(kind); err != nil {
		return nil, fail(fmt.Sprintf("invalid value %q for %s", d.Value, action), err)
	}
	return c, nil
}

func (c *compiled) parseValue(kind domain.Kind) error {
	var err error
	switch kind {
	case domain.KindInt:
		c.intVal, err = strconv.Atoi(c.value)
		if err == nil && (c.intVal < 0 || (c.action == domain.ActionMaxFailCount && c.intVal == 0)) {
			err = fmt.Errorf("out of range")
		}
	case domain.KindDuration:
		c.durVal, err = parseDuration(c.value)
	case domain.KindBool:
		c.boolVal, err = strconv.ParseBool(c.value)
	case domain.KindDriftWindow:
		c.back, c.forward, err = parseDriftWindow(c.value)
	}
	return err
}

// filter normalizes a scope filter; "" means any.
func filter(v string) string {
	v = strings.TrimSpace(v)
	if v == domain.Wildcard {
		return ""
	}
	return v
}

func parseClient(v string) (netip.Prefix, error) {
	if strings.Contains(v, "/") {
		p, err := netip.ParsePrefix(v)
		return p.Masked(), err
	}
	a, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// parseDuration accepts Go durations ("90s", "15m") and bare seconds ("120").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err == nil && d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, err
}

// parseDriftWindow parses "back:forward" step counts; a single number is symmetric.
func parseDriftWindow(v string) (int, int, error) {
	backS, fwdS, found := strings.Cut(v, ":")
	if !found {
		fwdS = backS
	}
	back, err := strconv.Atoi(strings.TrimSpace(backS))
	if err != nil {
		return 0, 0, err
	}
	fwd, err := strconv.Atoi(strings.TrimSpace(fwdS))
	if err != nil {
		return 0, 0, err
	}
	if back < 0 || fwd < 0 {
		return 0, 0, fmt.Errorf("negative drift window")
	}
	return back, fwd, nil
}

func (c *compiled) matches(pc domain.Context, now time.Time, logger zerolog.Logger) bool {
	if c.realm != "" && !strings.EqualFold(c.realm, pc.Realm) {
		return false
	}
	if c.user != "" && c.user != pc.User {
		return false
	}
	if c.scope != "" && c.scope != pc.Scope {
		return false
	}
	if c.hasClient && (!pc.Client.IsValid() || !c.client.Contains(pc.Client.Unmap())) {
		return false
	}
	ok, err := evalCondition(c.cond, pc, now)
	if err != nil {
		logger.Warn().Err(err).Str("policy", c.name).Msg("condition evaluation failed, policy skipped")
		return false
	}
	return ok
}

// candidates returns matching policies for action ordered by priority, specificity, then name.
func (s *Snapshot) candidates(pc domain.Context, action domain.Action) []*compiled {
	now := s.nowF()
	var out []*compiled
	for _, c := range s.policies {
		if c.action == action && c.matches(pc, now, s.logger) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		if out[i].specificity != out[j].specificity {
			return out[i].specificity > out[j].specificity
		}
		return out[i].name < out[j].name
	})
	return out
}

func (s *Snapshot) decide(pc domain.Context, action domain.Action) (*compiled, bool) {
	cands := s.candidates(pc, action)
	if len(cands) == 0 {
		return nil, false
	}
	top := cands[0]
	ambiguous := len(cands) > 1 && cands[1].priority == top.priority && cands[1].specificity == top.specificity
	if ambiguous {
		s.logger.Warn().Str("action", string(action)).Str("chosen", top.name).Str("tied_with", cands[1].name).
			Msg("ambiguous policy match, lexically smallest name wins")
	}
	return top, ambiguous
}

// Evaluate returns the winning policy's value for action. ok is false when no policy matches.
func (s *Snapshot) Evaluate(pc domain.Context, action domain.Action) (Decision, bool) {
	c, ambiguous := s.decide(pc, action)
	if c == nil {
		return Decision{}, false
	}
	return Decision{Policy: c.name, Value: c.value, Ambiguous: ambiguous}, true
}

// IsEnabled ORs every matching policy that enables action, except that a disabling policy wins
// over enablers at the same or lower priority.
func (s *Snapshot) IsEnabled(pc domain.Context, action domain.Action) bool {
	cands := s.candidates(pc, action)
	disableAt, disabled := 0, false
	for _, c := range cands {
		if !c.boolVal && (!disabled || c.priority > disableAt) {
			disableAt, disabled = c.priority, true
		}
	}
	for _, c := range cands {
		if c.boolVal && (!disabled || c.priority > disableAt) {
			return true
		}
	}
	return false
}

// Int returns the winning integer value for action, or def.
func (s *Snapshot) Int(pc domain.Context, action domain.Action, def int) int {
	if c, _ := s.decide(pc, action); c != nil {
		return c.intVal
	}
	return def
}

// Duration returns the winning duration for action, or def.
func (s *Snapshot) Duration(pc domain.Context, action domain.Action, def time.Duration) time.Duration {
	if c, _ := s.decide(pc, action); c != nil {
		return c.durVal
	}
	return def
}

// DriftWindow returns the otp-drift-window (back, forward) step counts, or the defaults.
func (s *Snapshot) DriftWindow(pc domain.Context, defBack, defForward int) (int, int) {
	if c, _ := s.decide(pc, domain.ActionOTPDriftWindow); c != nil {
		return c.back, c.forward
	}
	return defBack, defForward
}

// Allow runs the admission gate. A snapshot without a custom gate admits everything.
func (s *Snapshot) Allow(ctx context.Context, pc domain.Context) (bool, error) {
	if s.gate == nil {
		return true, nil
	}
	return s.gate.Allow(ctx, pc)
}

// Names returns the loaded policy names in load order.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.policies))
	for i, c := range s.policies {
		out[i] = c.name
	}
	return out
}
