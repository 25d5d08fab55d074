package repository

import (
	"context"
	"sync"

	"mfa-auth-engine/internal/audit/domain"
)

// MemoryRepository keeps the log in process. Used by tests and STORE_BACKEND=memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []domain.Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Last(ctx context.Context) (*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return nil, nil
	}
	r := m.records[len(m.records)-1]
	return &r, nil
}

func (m *MemoryRepository) Append(ctx context.Context, r *domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Sequence != int64(len(m.records))+1 {
		return ErrSequenceConflict
	}
	m.records = append(m.records, *r)
	return nil
}

func (m *MemoryRepository) List(ctx context.Context, from int64, limit int) ([]*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from < 1 {
		from = 1
	}
	var out []*domain.Record
	for i := from - 1; i < int64(len(m.records)); i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		r := m.records[i]
		out = append(out, &r)
	}
	return out, nil
}

