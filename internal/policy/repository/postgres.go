package repository

import (
	"context"
	"database/sql"

	"mfa-auth-engine/internal/policy/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that reads the policies table.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListEnabled returns enabled policies ordered by name. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListEnabled(ctx context.Context) ([]domain.Definition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, realm, login, client, scope, action, value, priority, condition
		FROM policies
		WHERE enabled
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Definition
	for rows.Next() {
		var d domain.Definition
		if err := rows.Scan(&d.Name, &d.Realm, &d.User, &d.Client, &d.Scope, &d.Action, &d.Value, &d.Priority, &d.Condition); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Upsert creates or replaces the policy named d.Name.
func (r *PostgresRepository) Upsert(ctx context.Context, d domain.Definition) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policies (name, realm, login, client, scope, action, value, priority, condition, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (name) DO UPDATE SET
			realm=EXCLUDED.realm, login=EXCLUDED.login, client=EXCLUDED.client, scope=EXCLUDED.scope,
			action=EXCLUDED.action, value=EXCLUDED.value, priority=EXCLUDED.priority,
			condition=EXCLUDED.condition, enabled=EXCLUDED.enabled
	`, d.Name, orWildcard(d.Realm), orWildcard(d.User), orWildcard(d.Client), orWildcard(d.Scope),
		d.Action, d.Value, d.Priority, d.Condition, d.IsEnabled())
	return err
}

func orWildcard(v string) string {
	if v == "" {
		return domain.Wildcard
	}
	return v
}
