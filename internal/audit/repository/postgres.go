package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"mfa-auth-engine/internal/audit/domain"
)

const recordColumns = `sequence, recorded_at, realm, login, user_id, resolver, token_serial, action, outcome,
	reason, client_ip, transaction_id, previous_hash, record_hash, signature`

// pgUniqueViolation is the SQLSTATE for a primary key or unique constraint violation.
const pgUniqueViolation = "23505"

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Last returns the newest record, or nil if the log is empty.
func (r *PostgresRepository) Last(ctx context.Context) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Append inserts the record. The expected sequence is checked in the same statement so a
// concurrent writer in another process cannot fork the chain.
func (r *PostgresRepository) Append(ctx context.Context, rec *domain.Record) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_records (`+recordColumns+`)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		WHERE COALESCE((SELECT MAX(sequence) FROM audit_records), 0) = $1 - 1
	`, rec.Sequence, rec.RecordedAt, rec.Realm, rec.Login, rec.UserID, rec.Resolver, rec.TokenSerial,
		rec.Action, rec.Outcome, rec.Reason, rec.ClientIP, rec.TransactionID, rec.PreviousHash,
		rec.RecordHash, rec.Signature)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrSequenceConflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("sequence %d: %w", rec.Sequence, ErrSequenceConflict)
	}
	return nil
}

// List returns records from sequence from, oldest first.
func (r *PostgresRepository) List(ctx context.Context, from int64, limit int) ([]*domain.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_records WHERE sequence >= $1 ORDER BY sequence`
	args := []any{from}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var rec domain.Record
	err := s.Scan(&rec.Sequence, &rec.RecordedAt, &rec.Realm, &rec.Login, &rec.UserID, &rec.Resolver,
		&rec.TokenSerial, &rec.Action, &rec.Outcome, &rec.Reason, &rec.ClientIP, &rec.TransactionID,
		&rec.PreviousHash, &rec.RecordHash, &rec.Signature)
	if err != nil {
		return nil, err
	}
	rec.RecordedAt = rec.RecordedAt.UTC()
	return &rec, nil
}
