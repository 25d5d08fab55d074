// Package devotp is the dev-only challenge transport: instead of sending a challenge over SMS or
// push it keeps the delivered payload in memory for retrieval (GetDeliveredChallenge RPC).
package devotp

import (
	"context"
	"sync"
	"time"

	"mfa-auth-engine/internal/challenge/domain"
)

// Store holds delivered challenge payloads by transaction id. Not used in production.
type Store interface {
	// Deliver records the challenge's payload until it expires. Satisfies the challenge Transport.
	Deliver(ctx context.Context, c *domain.Challenge) error
	// Get returns the payload for transactionID if present and not expired.
	Get(ctx context.Context, transactionID string) (payload string, ok bool)
}

type entry struct {
	payload   string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]entry
	nowF func() time.Time
}

// NewMemoryStore returns a new in-memory dev challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]entry),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// Deliver stores c's payload until c.ExpiresAt and drops entries that already expired.
func (s *MemoryStore) Deliver(ctx context.Context, c *domain.Challenge) error {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.m {
		if !e.expiresAt.After(now) {
			delete(s.m, id)
		}
	}
	s.m[c.TransactionID] = entry{payload: c.Payload, expiresAt: c.ExpiresAt}
	return nil
}

// Get returns the payload for transactionID if present and not expired.
func (s *MemoryStore) Get(ctx context.Context, transactionID string) (string, bool) {
	s.mu.RLock()
	e, ok := s.m[transactionID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expiresAt.After(s.nowF()) {
		s.mu.Lock()
		delete(s.m, transactionID)
		s.mu.Unlock()
		return "", false
	}
	return e.payload, true
}
