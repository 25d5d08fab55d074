package engine

import (
	"errors"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"mfa-auth-engine/internal/policy/domain"
)

var errConditionNotBool = errors.New("condition did not evaluate to boolean")

// compileCondition parses a policy condition. Empty means "match anything" and returns nil.
func compileCondition(cond string) (*govaluate.EvaluableExpression, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return nil, nil
	}
	return govaluate.NewEvaluableExpression(cond)
}

// evalCondition evaluates expr against the request. Variables: realm, user, client, scope,
// hour (0-23, UTC) and weekday ("Monday" ...).
func evalCondition(expr *govaluate.EvaluableExpression, pc domain.Context, now time.Time) (bool, error) {
	if expr == nil {
		return true, nil
	}
	client := ""
	if pc.Client.IsValid() {
		client = pc.Client.String()
	}
	params := map[string]interface{}{
		"realm":   pc.Realm,
		"user":    pc.User,
		"client":  client,
		"scope":   pc.Scope,
		"hour":    float64(now.UTC().Hour()),
		"weekday": now.UTC().Weekday().String(),
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, errConditionNotBool
	}
	return v, nil
}
