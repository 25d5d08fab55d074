package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"mfa-auth-engine/internal/policy/domain"
)

const gateQuery = "data.mfa.gate.allow"

// DefaultGateModule admits every request.
const DefaultGateModule = `package mfa.gate

default allow := true
`

// Gate is the Rego admission check run before any token state is touched. Input is
// {realm, user, client, scope}; the module must define data.mfa.gate.allow. An undefined
// result denies.
type Gate struct {
	query rego.PreparedEvalQuery
}

// NewGate compiles module (DefaultGateModule when empty) and prepares the allow query.
func NewGate(ctx context.Context, module string) (*Gate, error) {
	if module == "" {
		module = DefaultGateModule
	}
	compiler, err := ast.CompileModules(map[string]string{"gate.rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile gate: %w", err)
	}
	pq, err := rego.New(
		rego.Query(gateQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare gate: %w", err)
	}
	return &Gate{query: pq}, nil
}

// Allow evaluates the gate for pc.
func (g *Gate) Allow(ctx context.Context, pc domain.Context) (bool, error) {
	rs, err := g.query.Eval(ctx, rego.EvalInput(gateInput(pc)))
	if err != nil {
		return false, fmt.Errorf("eval gate: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allow, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allow, nil
}

func gateInput(pc domain.Context) map[string]interface{} {
	client := ""
	if pc.Client.IsValid() {
		client = pc.Client.String()
	}
	return map[string]interface{}{
		"realm":  pc.Realm,
		"user":   pc.User,
		"client": client,
		"scope":  pc.Scope,
	}
}

// HealthCheck verifies that the in-process Rego engine compiles and evaluates the default gate.
func HealthCheck(ctx context.Context) error {
	g, err := NewGate(ctx, DefaultGateModule)
	if err != nil {
		return err
	}
	ok, err := g.Allow(ctx, domain.Context{Realm: "health", Scope: domain.ScopeValidate})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("default gate denied")
	}
	return nil
}
