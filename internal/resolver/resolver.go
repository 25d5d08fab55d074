// Package resolver maps (realm, login) to a user identity across the identity backends bound to
// a realm.
package resolver

import (
	"context"
	"errors"
)

// Identity is a resolved user.
type Identity struct {
	Realm       string
	Login       string
	UserID      string
	DisplayName string
	Email       string
	// Resolver names the backend that answered.
	Resolver string
}

// Resolver looks users up in one backend. Lookup returns (nil, nil) when the user does not
// exist there; any error is a transport failure and the chain moves on to the next backend.
type Resolver interface {
	Name() string
	Lookup(ctx context.Context, login string) (*Identity, error)
}

// Lister is implemented by backends that can enumerate users.
type Lister interface {
	ListUsers(ctx context.Context, filter string) ([]Identity, error)
}

// Authenticator is implemented by backends that can check a user's own password.
type Authenticator interface {
	Authenticate(ctx context.Context, id Identity, secret string) (bool, error)
}

var (
	// ErrBackendAuthUnsupported is returned when the answering backend cannot check passwords.
	ErrBackendAuthUnsupported = errors.New("resolver does not support backend authentication")
	errRateLimited            = errors.New("resolver rate limit exceeded")
)
