package resolver

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mfa-auth-engine/internal/autherr"
	"mfa-auth-engine/internal/telemetry/otel"
)

const (
	DefaultTimeout   = 2 * time.Second
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 10000
)

// Options tunes the chain. RateLimit <= 0 disables per-backend limiting.
type Options struct {
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
	RateLimit rate.Limit
	Burst     int
}

// DefaultOptions returns the chain defaults without rate limiting.
func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout, CacheTTL: DefaultCacheTTL, CacheSize: DefaultCacheSize}
}

type backend struct {
	Resolver
	limiter *rate.Limiter
}

// Chain resolves users through the resolvers bound to each realm, in order.
type Chain struct {
	mu       sync.RWMutex
	realms   map[string][]*backend
	backends map[string]*backend
	// gens counts invalidations per realm; a lookup caches only if its realm's count is unchanged.
	gens map[string]uint64

	opts    Options
	cache   *Cache
	metrics *otel.Metrics
	logger  zerolog.Logger
}

// NewChain returns a chain with no realms. metrics may be nil.
func NewChain(opts Options, metrics *otel.Metrics, logger zerolog.Logger) *Chain {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Chain{
		realms:   make(map[string][]*backend),
		backends: make(map[string]*backend),
		gens:     make(map[string]uint64),
		opts:     opts,
		cache:    NewCache(opts.CacheSize, opts.CacheTTL),
		metrics:  metrics,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

// ReloadRealms replaces the realm bindings. Realms whose ordered resolver list changed, or that
// were removed, have their cache entries invalidated.
func (c *Chain) ReloadRealms(bindings map[string][]Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string][]*backend, len(bindings))
	nextBackends := make(map[string]*backend)
	for realm, rs := range bindings {
		realm = strings.ToLower(realm)
		list := make([]*backend, 0, len(rs))
		for _, r := range rs {
			b, ok := nextBackends[r.Name()]
			if !ok {
				b = c.backendFor(r)
				nextBackends[r.Name()] = b
			}
			list = append(list, b)
		}
		next[realm] = list
	}

	for realm, old := range c.realms {
		if !slices.Equal(names(old), names(next[realm])) {
			c.gens[realm]++
			n := c.cache.InvalidateRealm(realm)
			c.logger.Info().Str("realm", realm).Int("evicted", n).Msg("realm binding changed, cache invalidated")
		}
	}
	c.realms = next
	c.backends = nextBackends
}

// backendFor keeps the existing limiter when a resolver with the same name is rebound.
func (c *Chain) backendFor(r Resolver) *backend {
	b := &backend{Resolver: r}
	if old, ok := c.backends[r.Name()]; ok {
		b.limiter = old.limiter
	} else if c.opts.RateLimit > 0 {
		burst := c.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(c.opts.RateLimit, burst)
	}
	return b
}

func names(bs []*backend) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Name()
	}
	return out
}

func (c *Chain) realm(realm string) ([]*backend, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	realm = strings.ToLower(realm)
	return c.realms[realm], c.gens[realm]
}

// InvalidateRealm drops cached identities for realm, including lookups still in flight.
func (c *Chain) InvalidateRealm(realm string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[strings.ToLower(realm)]++
	c.cache.InvalidateRealm(realm)
}

// cacheIfCurrent caches id unless realm was invalidated since gen was read.
func (c *Chain) cacheIfCurrent(realm, login string, gen uint64, id Identity) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gens[strings.ToLower(realm)] == gen {
		c.cache.Add(realm, login, id)
	}
}

// Resolve returns the identity for login in realm. The first resolver with a match wins.
// Transport failures are skipped; if every resolver failed that way the error is
// autherr.ErrResolverUnavailable, otherwise a miss is autherr.ErrUserNotFound.
func (c *Chain) Resolve(ctx context.Context, realm, login string) (Identity, error) {
	if id, ok := c.cache.Get(realm, login); ok {
		return id, nil
	}
	backends, gen := c.realm(realm)
	if len(backends) == 0 {
		return Identity{}, fmt.Errorf("realm %q has no resolvers: %w", realm, autherr.ErrUserNotFound)
	}
	soft := 0
	for _, b := range backends {
		id, err := c.lookup(ctx, b, login)
		if err != nil {
			soft++
			c.softFailure(ctx, b, err)
			continue
		}
		if id == nil {
			continue
		}
		id.Realm = realm
		id.Resolver = b.Name()
		if id.Login == "" {
			id.Login = login
		}
		c.cacheIfCurrent(realm, login, gen, *id)
		return *id, nil
	}
	if soft == len(backends) {
		return Identity{}, fmt.Errorf("all %d resolvers of realm %q failed: %w", soft, realm, autherr.ErrResolverUnavailable)
	}
	return Identity{}, autherr.ErrUserNotFound
}

func (c *Chain) lookup(ctx context.Context, b *backend, login string) (*Identity, error) {
	if b.limiter != nil && !b.limiter.Allow() {
		return nil, errRateLimited
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return b.Lookup(ctx, login)
}

func (c *Chain) softFailure(ctx context.Context, b *backend, err error) {
	c.logger.Warn().Err(err).Str("resolver", b.Name()).Msg("resolver failed, trying next")
	c.metrics.ResolverSoftFailure(ctx, b.Name())
}

// ListUsers merges the users of every listing-capable resolver of realm.
func (c *Chain) ListUsers(ctx context.Context, realm, filter string) ([]Identity, error) {
	var (
		out      []Identity
		listers  int
		failures int
	)
	backends, _ := c.realm(realm)
	for _, b := range backends {
		l, ok := b.Resolver.(Lister)
		if !ok {
			continue
		}
		listers++
		lctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		users, err := l.ListUsers(lctx, filter)
		cancel()
		if err != nil {
			failures++
			c.softFailure(ctx, b, err)
			continue
		}
		for _, u := range users {
			u.Realm = realm
			u.Resolver = b.Name()
			out = append(out, u)
		}
	}
	if listers > 0 && failures == listers {
		return nil, fmt.Errorf("list users in realm %q: %w", realm, autherr.ErrResolverUnavailable)
	}
	return out, nil
}

// AuthenticateAgainstBackend checks secret with the backend that resolved id.
func (c *Chain) AuthenticateAgainstBackend(ctx context.Context, id Identity, secret string) (bool, error) {
	backends, _ := c.realm(id.Realm)
	for _, b := range backends {
		if b.Name() != id.Resolver {
			continue
		}
		a, ok := b.Resolver.(Authenticator)
		if !ok {
			return false, ErrBackendAuthUnsupported
		}
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		okAuth, err := a.Authenticate(ctx, id, secret)
		if err != nil {
			c.softFailure(ctx, b, err)
			return false, fmt.Errorf("backend %q: %w", b.Name(), autherr.ErrResolverUnavailable)
		}
		return okAuth, nil
	}
	return false, fmt.Errorf("resolver %q not bound to realm %q: %w", id.Resolver, id.Realm, autherr.ErrUserNotFound)
}
