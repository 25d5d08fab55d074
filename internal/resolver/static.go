package resolver

import (
	"context"
	"sort"
	"strings"

	"mfa-auth-engine/internal/security"
)

// StaticUser is one entry of a static resolver, usually from the engine file.
type StaticUser struct {
	Login        string `mapstructure:"login"`
	UserID       string `mapstructure:"user_id"`
	DisplayName  string `mapstructure:"display_name"`
	Email        string `mapstructure:"email"`
	PasswordHash string `mapstructure:"password_hash"`
}

// StaticResolver serves a fixed user list held in memory.
type StaticResolver struct {
	name   string
	users  map[string]StaticUser
	hasher *security.Hasher
}

// NewStaticResolver indexes users by login. hasher checks PasswordHash in Authenticate.
func NewStaticResolver(name string, users []StaticUser, hasher *security.Hasher) *StaticResolver {
	m := make(map[string]StaticUser, len(users))
	for _, u := range users {
		if u.UserID == "" {
			u.UserID = u.Login
		}
		m[u.Login] = u
	}
	return &StaticResolver{name: name, users: m, hasher: hasher}
}

func (r *StaticResolver) Name() string { return r.name }

func (r *StaticResolver) Lookup(ctx context.Context, login string) (*Identity, error) {
	u, ok := r.users[login]
	if !ok {
		return nil, nil
	}
	id := u.identity()
	return &id, nil
}

// ListUsers returns users whose login contains filter, ordered by login.
func (r *StaticResolver) ListUsers(ctx context.Context, filter string) ([]Identity, error) {
	var out []Identity
	for login, u := range r.users {
		if filter == "" || strings.Contains(login, filter) {
			out = append(out, u.identity())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out, nil
}

// Authenticate compares secret with the user's bcrypt password hash.
func (r *StaticResolver) Authenticate(ctx context.Context, id Identity, secret string) (bool, error) {
	u, ok := r.users[id.Login]
	if !ok || u.PasswordHash == "" {
		return false, nil
	}
	return r.hasher.Matches(u.PasswordHash, secret), nil
}

func (u StaticUser) identity() Identity {
	return Identity{Login: u.Login, UserID: u.UserID, DisplayName: u.DisplayName, Email: u.Email}
}
