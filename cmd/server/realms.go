package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mfa-auth-engine/internal/engineconfig"
	"mfa-auth-engine/internal/policy/engine"
	policyrepo "mfa-auth-engine/internal/policy/repository"
	"mfa-auth-engine/internal/resolver"
	"mfa-auth-engine/internal/security"
)

// realmLoader applies the engine file to the resolver chain and the policy engine, and reapplies
// it on SIGHUP. Table policies (policySrc) are merged after the file's.
type realmLoader struct {
	path      string
	hasher    *security.Hasher
	chain     *resolver.Chain
	policies  *engine.Engine
	policySrc policyrepo.Repository
	logger    zerolog.Logger

	mu       sync.Mutex
	file     *engineconfig.File
	bindings *engineconfig.Bindings
}

// Load reads the engine file, compiles its policies and swaps in its realm bindings. On any
// error the previous configuration stays in force.
func (l *realmLoader) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := engineconfig.Load(l.path)
	if err != nil {
		return err
	}
	b, err := f.Build(ctx, l.hasher)
	if err != nil {
		return err
	}
	if err := l.policies.Reload(ctx, l.source(f), f.Gate); err != nil {
		_ = b.Close()
		return err
	}
	l.chain.ReloadRealms(b.Realms)
	// Rebuilt resolvers may serve different users under the same name.
	for realm := range b.Realms {
		l.chain.InvalidateRealm(realm)
	}
	old := l.bindings
	l.file, l.bindings = f, b
	if err := old.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("close previous resolvers")
	}
	l.logger.Info().Str("path", l.path).Int("realms", len(f.Realms)).Int("resolvers", len(f.Resolvers)).Msg("engine file applied")
	return nil
}

func (l *realmLoader) source(f *engineconfig.File) policyrepo.Repository {
	src := policyrepo.Multi{policyrepo.Static(f.Policies)}
	if l.policySrc != nil {
		src = append(src, l.policySrc)
	}
	return src
}

// ReloadPolicies recompiles the current file's policies together with the table policies.
func (l *realmLoader) ReloadPolicies(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policies.Reload(ctx, l.source(l.file), l.file.Gate)
}

// ReloadPoliciesEvery reloads policies every interval until ctx is done.
func (l *realmLoader) ReloadPoliciesEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.ReloadPolicies(ctx); err != nil {
				l.logger.Error().Err(err).Msg("policy reload failed, keeping previous policies")
			}
		}
	}
}

// ReloadOnHangup reapplies the engine file on SIGHUP until ctx is done.
func (l *realmLoader) ReloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := l.Load(ctx); err != nil {
				l.logger.Error().Err(err).Msg("engine file reload failed, keeping previous configuration")
			}
		}
	}
}

// Close releases the current resolvers.
func (l *realmLoader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.bindings.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("close resolvers")
	}
}
