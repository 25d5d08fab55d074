package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"mfa-auth-engine/internal/security"
)

// Queries are the statements a SQLResolver runs. Each selects
// (user_id, login, display_name, email, password_hash) with the login or filter as the only argument.
type Queries struct {
	Lookup string `mapstructure:"lookup"`
	List   string `mapstructure:"list"`
}

// DefaultQueries reads a users table, using the placeholder style of driver.
func DefaultQueries(driver string) Queries {
	p := "?"
	if driver == "pgx" {
		p = "$1"
	}
	return Queries{
		Lookup: "SELECT user_id, login, display_name, email, password_hash FROM users WHERE login = " + p,
		List:   "SELECT user_id, login, display_name, email, password_hash FROM users WHERE login LIKE '%' || " + p + " || '%' ORDER BY login",
	}
}

// SQLResolver looks users up in a SQL database.
type SQLResolver struct {
	name    string
	db      *sql.DB
	queries Queries
	hasher  *security.Hasher
}

// NewSQLResolver returns a resolver over db. Empty queries fall back to DefaultQueries(driver).
func NewSQLResolver(name string, db *sql.DB, driver string, q Queries, hasher *security.Hasher) *SQLResolver {
	def := DefaultQueries(driver)
	if q.Lookup == "" {
		q.Lookup = def.Lookup
	}
	if q.List == "" {
		q.List = def.List
	}
	return &SQLResolver{name: name, db: db, queries: q, hasher: hasher}
}

// OpenSQLResolver opens dsn with driver ("pgx" or "sqlite") and pings it.
func OpenSQLResolver(ctx context.Context, name, driver, dsn string, q Queries, hasher *security.Hasher) (*SQLResolver, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open resolver %q: %w", name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping resolver %q: %w", name, err)
	}
	return NewSQLResolver(name, db, driver, q, hasher), nil
}

func (r *SQLResolver) Name() string { return r.name }

// Close closes the underlying database.
func (r *SQLResolver) Close() error { return r.db.Close() }

type sqlUser struct {
	Identity
	passwordHash string
}

func (r *SQLResolver) get(ctx context.Context, login string) (*sqlUser, error) {
	var u sqlUser
	var display, email, hash sql.NullString
	err := r.db.QueryRowContext(ctx, r.queries.Lookup, login).
		Scan(&u.UserID, &u.Login, &display, &email, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.DisplayName, u.Email, u.passwordHash = display.String, email.String, hash.String
	return &u, nil
}

// Lookup returns the user for login, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *SQLResolver) Lookup(ctx context.Context, login string) (*Identity, error) {
	u, err := r.get(ctx, login)
	if err != nil || u == nil {
		return nil, err
	}
	return &u.Identity, nil
}

// ListUsers returns users whose login contains filter.
func (r *SQLResolver) ListUsers(ctx context.Context, filter string) ([]Identity, error) {
	rows, err := r.db.QueryContext(ctx, r.queries.List, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Identity
	for rows.Next() {
		var id Identity
		var display, email, hash sql.NullString
		if err := rows.Scan(&id.UserID, &id.Login, &display, &email, &hash); err != nil {
			return nil, err
		}
		id.DisplayName, id.Email = display.String, email.String
		out = append(out, id)
	}
	return out, rows.Err()
}

// Authenticate compares secret with the stored bcrypt password hash.
func (r *SQLResolver) Authenticate(ctx context.Context, id Identity, secret string) (bool, error) {
	u, err := r.get(ctx, id.Login)
	if err != nil {
		return false, err
	}
	if u == nil || u.passwordHash == "" {
		return false, nil
	}
	return r.hasher.Matches(u.passwordHash, secret), nil
}
