package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mfa-auth-engine/internal/autherr"
	challengedomain "mfa-auth-engine/internal/challenge/domain"
	"mfa-auth-engine/internal/token/domain"
)

const tokenColumns = `serial, kind, secret, counter, time_step_offset, last_step, digits, algorithm, period,
	pin_hash, motp_pin, realm, owner_user_id, owner_resolver, state, fail_count, last_failure_at,
	description, created_at, updated_at`

const challengeColumns = `transaction_id, token_serial, realm, user_id, payload, status, issued_at, expires_at, answered_at`

// PostgresStore is a Store backed by Postgres. WithToken runs in a transaction that holds a
// row lock (SELECT ... FOR UPDATE) on the token until commit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a token store that uses the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create persists a new token.
func (s *PostgresStore) Create(ctx context.Context, t *domain.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, t.Serial, t.Kind, t.Secret, t.Counter, t.TimeStepOffset, t.LastStep, t.Digits, t.Algorithm, t.Period,
		t.PINHash, t.MOTPPIN, t.Realm, t.OwnerUserID, t.OwnerResolver, t.State, t.FailCount, t.LastFailureAt,
		t.Description, t.CreatedAt, t.UpdatedAt)
	return err
}

// Get returns the token for serial, or nil if not found.
func (s *PostgresStore) Get(ctx context.Context, serial string) (*domain.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE serial=$1`, serial)
	return scanToken(row)
}

// ListByOwner returns userID's tokens in realm, ordered by serial.
func (s *PostgresStore) ListByOwner(ctx context.Context, realm, userID string) ([]*domain.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE realm=$1 AND owner_user_id=$2
		ORDER BY serial
	`, realm, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// WithToken runs fn inside a transaction holding the token's row lock. The token row is
// written back on commit; a failing fn or a cancelled ctx rolls everything back.
func (s *PostgresStore) WithToken(ctx context.Context, serial string, fn func(ctx context.Context, tx Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	row := pgTx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE serial=$1 FOR UPDATE`, serial)
	t, err := scanToken(row)
	if err != nil {
		return err
	}
	if t == nil {
		return autherr.ErrTokenNotFound
	}

	tx := &postgresTx{tx: pgTx, token: t}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	_, err = pgTx.Exec(ctx, `
		UPDATE tokens
		SET counter=$1, time_step_offset=$2, last_step=$3, state=$4, fail_count=$5, last_failure_at=$6,
			pin_hash=$7, description=$8, updated_at=$9
		WHERE serial=$10
	`, t.Counter, t.TimeStepOffset, t.LastStep, t.State, t.FailCount, t.LastFailureAt,
		t.PINHash, t.Description, t.UpdatedAt, serial)
	if err != nil {
		return fmt.Errorf("update token %s: %w", serial, err)
	}
	return pgTx.Commit(ctx)
}

// GetChallenge returns the challenge for transactionID, or nil if not found.
func (s *PostgresStore) GetChallenge(ctx context.Context, transactionID string) (*challengedomain.Challenge, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE transaction_id=$1`, transactionID)
	return scanChallenge(row)
}

// ListChallengesByRealm returns all challenges of realm, oldest first.
func (s *PostgresStore) ListChallengesByRealm(ctx context.Context, realm string) ([]*challengedomain.Challenge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE realm=$1
		ORDER BY issued_at, transaction_id
	`, realm)
	if err != nil {
		return nil, err
	}
	return collectChallenges(rows)
}

type postgresTx struct {
	tx    pgx.Tx
	token *domain.Token
}

func (tx *postgresTx) Token() *domain.Token { return tx.token }

func (tx *postgresTx) Challenges(ctx context.Context) ([]*challengedomain.Challenge, error) {
	rows, err := tx.tx.Query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE token_serial=$1
		ORDER BY issued_at DESC, transaction_id DESC
	`, tx.token.Serial)
	if err != nil {
		return nil, err
	}
	return collectChallenges(rows)
}

func (tx *postgresTx) PutChallenge(ctx context.Context, c *challengedomain.Challenge) error {
	if c.TokenSerial != tx.token.Serial {
		return fmt.Errorf("challenge %s belongs to token %s, not %s", c.TransactionID, c.TokenSerial, tx.token.Serial)
	}
	_, err := tx.tx.Exec(ctx, `
		INSERT INTO challenges (`+challengeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (transaction_id) DO UPDATE
		SET status=EXCLUDED.status, expires_at=EXCLUDED.expires_at, answered_at=EXCLUDED.answered_at
	`, c.TransactionID, c.TokenSerial, c.Realm, c.UserID, c.Payload, c.Status, c.IssuedAt, c.ExpiresAt, c.AnsweredAt)
	return err
}

func scanToken(row pgx.Row) (*domain.Token, error) {
	var t domain.Token
	err := row.Scan(&t.Serial, &t.Kind, &t.Secret, &t.Counter, &t.TimeStepOffset, &t.LastStep, &t.Digits,
		&t.Algorithm, &t.Period, &t.PINHash, &t.MOTPPIN, &t.Realm, &t.OwnerUserID, &t.OwnerResolver,
		&t.State, &t.FailCount, &t.LastFailureAt, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func scanChallenge(row pgx.Row) (*challengedomain.Challenge, error) {
	var c challengedomain.Challenge
	err := row.Scan(&c.TransactionID, &c.TokenSerial, &c.Realm, &c.UserID, &c.Payload, &c.Status,
		&c.IssuedAt, &c.ExpiresAt, &c.AnsweredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func collectChallenges(rows pgx.Rows) ([]*challengedomain.Challenge, error) {
	defer rows.Close()
	var out []*challengedomain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
