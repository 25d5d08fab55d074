package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"mfa-auth-engine/internal/autherr"
)

type mockResolver struct {
	mock.Mock
	name string
}

func (m *mockResolver) Name() string { return m.name }

func (m *mockResolver) Lookup(ctx context.Context, login string) (*Identity, error) {
	args := m.Called(ctx, login)
	id, _ := args.Get(0).(*Identity)
	return id, args.Error(1)
}

func newChain(t *testing.T, bindings map[string][]Resolver) *Chain {
	t.Helper()
	c := NewChain(DefaultOptions(), nil, zerolog.Nop())
	c.ReloadRealms(bindings)
	return c
}

var errDown = errors.New("connection refused")

func TestResolve_SkipsSoftFailureAndFirstMatchWins(t *testing.T) {
	ldap := &mockResolver{name: "ldap"}
	ldap.On("Lookup", mock.Anything, "alice").Return(nil, errDown).Once()
	sqlr := &mockResolver{name: "sql"}
	sqlr.On("Lookup", mock.Anything, "alice").Return(&Identity{UserID: "u-1"}, nil).Once()
	last := &mockResolver{name: "last"}

	c := newChain(t, map[string][]Resolver{"corp": {ldap, sqlr, last}})
	id, err := c.Resolve(context.Background(), "corp", "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.UserID)
	assert.Equal(t, "sql", id.Resolver)
	assert.Equal(t, "corp", id.Realm)
	assert.Equal(t, "alice", id.Login)

	ldap.AssertExpectations(t)
	sqlr.AssertExpectations(t)
	last.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestResolve_NotFoundVersusUnavailable(t *testing.T) {
	down1 := &mockResolver{name: "a"}
	down1.On("Lookup", mock.Anything, "bob").Return(nil, errDown)
	down2 := &mockResolver{name: "b"}
	down2.On("Lookup", mock.Anything, "bob").Return(nil, context.DeadlineExceeded)
	miss := &mockResolver{name: "c"}
	miss.On("Lookup", mock.Anything, "bob").Return(nil, nil)

	c := newChain(t, map[string][]Resolver{
		"alldown": {down1, down2},
		"mixed":   {down1, miss},
	})
	_, err := c.Resolve(context.Background(), "alldown", "bob")
	assert.ErrorIs(t, err, autherr.ErrResolverUnavailable)

	_, err = c.Resolve(context.Background(), "mixed", "bob")
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)

	_, err = c.Resolve(context.Background(), "unknown", "bob")
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)
}

func TestResolve_CachesAndInvalidatesOnRebind(t *testing.T) {
	r1 := &mockResolver{name: "r1"}
	r1.On("Lookup", mock.Anything, "alice").Return(&Identity{UserID: "u-1"}, nil).Once()
	c := newChain(t, map[string][]Resolver{"corp": {r1}})

	for i := 0; i < 3; i++ {
		id, err := c.Resolve(context.Background(), "corp", "alice")
		require.NoError(t, err)
		assert.Equal(t, "u-1", id.UserID)
	}
	r1.AssertNumberOfCalls(t, "Lookup", 1)

	// Same binding: cache survives.
	c.ReloadRealms(map[string][]Resolver{"corp": {r1}})
	_, err := c.Resolve(context.Background(), "corp", "alice")
	require.NoError(t, err)
	r1.AssertNumberOfCalls(t, "Lookup", 1)

	r2 := &mockResolver{name: "r2"}
	r2.On("Lookup", mock.Anything, "alice").Return(&Identity{UserID: "u-2"}, nil).Once()
	c.ReloadRealms(map[string][]Resolver{"corp": {r2}})
	id, err := c.Resolve(context.Background(), "corp", "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-2", id.UserID)
	assert.Equal(t, "r2", id.Resolver)
}

// blockingResolver holds Lookup until released.
type blockingResolver struct {
	name    string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingResolver) Name() string { return b.name }

func (b *blockingResolver) Lookup(ctx context.Context, login string) (*Identity, error) {
	close(b.entered)
	<-b.release
	return &Identity{UserID: "u-old"}, nil
}

func TestResolve_InFlightLookupNotCachedAfterRebind(t *testing.T) {
	old := &blockingResolver{name: "old", entered: make(chan struct{}), release: make(chan struct{})}
	c := newChain(t, map[string][]Resolver{"corp": {old}})

	done := make(chan Identity, 1)
	go func() {
		id, _ := c.Resolve(context.Background(), "corp", "alice")
		done <- id
	}()
	<-old.entered

	fresh := &mockResolver{name: "fresh"}
	fresh.On("Lookup", mock.Anything, "alice").Return(&Identity{UserID: "u-new"}, nil).Once()
	c.ReloadRealms(map[string][]Resolver{"corp": {fresh}})
	close(old.release)
	assert.Equal(t, "u-old", (<-done).UserID)
	assert.Equal(t, 0, c.cache.Len())

	id, err := c.Resolve(context.Background(), "corp", "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-new", id.UserID)
	fresh.AssertExpectations(t)
}

func TestResolve_InFlightLookupNotCachedAfterInvalidate(t *testing.T) {
	r := &blockingResolver{name: "users", entered: make(chan struct{}), release: make(chan struct{})}
	c := newChain(t, map[string][]Resolver{"corp": {r}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Resolve(context.Background(), "corp", "alice")
	}()
	<-r.entered
	c.InvalidateRealm("CORP")
	close(r.release)
	<-done
	assert.Equal(t, 0, c.cache.Len())
}

func TestResolve_CacheExpires(t *testing.T) {
	r := &mockResolver{name: "r"}
	r.On("Lookup", mock.Anything, "alice").Return(&Identity{UserID: "u-1"}, nil).Twice()
	opts := DefaultOptions()
	opts.CacheTTL = 20 * time.Millisecond
	c := NewChain(opts, nil, zerolog.Nop())
	c.ReloadRealms(map[string][]Resolver{"corp": {r}})

	_, err := c.Resolve(context.Background(), "corp", "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.cache.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, err = c.Resolve(context.Background(), "corp", "alice")
	require.NoError(t, err)
	r.AssertNumberOfCalls(t, "Lookup", 2)
}

func TestResolve_RateLimitedBackendIsSoftFailure(t *testing.T) {
	limited := &mockResolver{name: "limited"}
	limited.On("Lookup", mock.Anything, mock.Anything).Return(nil, nil)
	opts := DefaultOptions()
	opts.CacheSize = 0
	opts.RateLimit = rate.Every(time.Hour)
	opts.Burst = 1
	c := NewChain(opts, nil, zerolog.Nop())
	c.ReloadRealms(map[string][]Resolver{"corp": {limited}})

	_, err := c.Resolve(context.Background(), "corp", "a")
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)
	_, err = c.Resolve(context.Background(), "corp", "b")
	assert.ErrorIs(t, err, autherr.ErrResolverUnavailable)
	limited.AssertNumberOfCalls(t, "Lookup", 1)
}

func TestResolve_TimeoutAppliesPerBackend(t *testing.T) {
	slow := &mockResolver{name: "slow"}
	slow.On("Lookup", mock.Anything, "alice").Return(nil, context.DeadlineExceeded).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		<-ctx.Done()
	})
	fast := &mockResolver{name: "fast"}
	fast.On("Lookup", mock.Anything, "alice").Return(&Identity{UserID: "u-1"}, nil)

	opts := DefaultOptions()
	opts.Timeout = 10 * time.Millisecond
	c := NewChain(opts, nil, zerolog.Nop())
	c.ReloadRealms(map[string][]Resolver{"corp": {slow, fast}})

	id, err := c.Resolve(context.Background(), "corp", "alice")
	require.NoError(t, err)
	assert.Equal(t, "fast", id.Resolver)
}
