package domain

import "net/netip"

// Action names a policy-controlled capability.
type Action string

const (
	ActionMaxFailCount     Action = "max-fail-count"
	ActionOTPCounterWindow Action = "otp-counter-window"
	ActionOTPDriftWindow   Action = "otp-drift-window"
	ActionChallengeTimeout Action = "challenge-timeout"
	ActionResyncEnabled    Action = "resync-enabled"
	ActionLockoutDuration  Action = "lockout-duration"
	ActionSyncWindow       Action = "sync-window"
	ActionOTPPINRequired   Action = "otp-pin-required"
)

// Kind is how an action's value is parsed.
type Kind int

const (
	KindInt Kind = iota
	KindDuration
	KindBool
	KindDriftWindow
)

// Actions lists every recognized action and its value kind.
var Actions = map[Action]Kind{
	ActionMaxFailCount:     KindInt,
	ActionOTPCounterWindow: KindInt,
	ActionOTPDriftWindow:   KindDriftWindow,
	ActionChallengeTimeout: KindDuration,
	ActionResyncEnabled:    KindBool,
	ActionLockoutDuration:  KindDuration,
	ActionSyncWindow:       KindInt,
	ActionOTPPINRequired:   KindBool,
}

// Request scopes, matched by a policy's Scope filter.
const (
	ScopeValidate  = "validate"
	ScopeChallenge = "challenge"
	ScopeResync    = "resync"
)

// Wildcard matches any value; an empty filter is treated the same way.
const Wildcard = "*"

// Definition is one policy as it appears in the engine file or the policies table.
type Definition struct {
	Name      string `mapstructure:"name"`
	Realm     string `mapstructure:"realm"`
	User      string `mapstructure:"user"`
	Client    string `mapstructure:"client"`
	Scope     string `mapstructure:"scope"`
	Action    string `mapstructure:"action"`
	Value     string `mapstructure:"value"`
	Priority  int    `mapstructure:"priority"`
	Condition string `mapstructure:"condition"`
	Enabled   *bool  `mapstructure:"enabled"`
}

// IsEnabled reports whether the definition takes part in evaluation; unset means enabled.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Context is the request a policy is evaluated against.
type Context struct {
	Realm  string
	User   string
	Client netip.Addr
	// Scope is the request kind: validate, challenge or resync.
	Scope string
}
