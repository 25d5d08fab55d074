package repository

import (
	"context"
	"errors"

	"mfa-auth-engine/internal/audit/domain"
)

// ErrSequenceConflict is returned when a record's sequence is not the successor of the last one.
var ErrSequenceConflict = errors.New("audit sequence conflict")

// Repository is the append-only audit log. There is no update or delete.
type Repository interface {
	// Last returns the record with the highest sequence, or nil if the log is empty.
	Last(ctx context.Context) (*domain.Record, error)
	// Append persists r; r.Sequence must be exactly one past the last stored sequence.
	Append(ctx context.Context, r *domain.Record) error
	// List returns records with Sequence >= from in ascending order. limit <= 0 means no limit.
	List(ctx context.Context, from int64, limit int) ([]*domain.Record, error)
}
