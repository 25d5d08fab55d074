package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mfa-auth-engine/internal/autherr"
	challengedomain "mfa-auth-engine/internal/challenge/domain"
	"mfa-auth-engine/internal/token/domain"
)

// MemoryStore is an in-process Store. WithToken holds a per-serial lock and applies the
// callback's changes to clones, swapping them in only when the callback succeeds.
type MemoryStore struct {
	locks *keyLock

	mu         sync.RWMutex
	tokens     map[string]*domain.Token
	challenges map[string]*challengedomain.Challenge
}

// NewMemoryStore returns an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:      newKeyLock(),
		tokens:     make(map[string]*domain.Token),
		challenges: make(map[string]*challengedomain.Challenge),
	}
}

// Create persists a new token.
func (s *MemoryStore) Create(ctx context.Context, t *domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.Serial]; ok {
		return fmt.Errorf("token %s already exists", t.Serial)
	}
	s.tokens[t.Serial] = t.Clone()
	return nil
}

// Get returns a snapshot of the token for serial, or nil if not found.
func (s *MemoryStore) Get(ctx context.Context, serial string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[serial].Clone(), nil
}

// ListByOwner returns snapshots of userID's tokens in realm, ordered by serial.
func (s *MemoryStore) ListByOwner(ctx context.Context, realm, userID string) ([]*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Token
	for _, t := range s.tokens {
		if t.Realm == realm && t.OwnerUserID == userID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

// WithToken runs fn while holding the token's lock. A cancelled ctx before commit discards
// every change.
func (s *MemoryStore) WithToken(ctx context.Context, serial string, fn func(ctx context.Context, tx Tx) error) error {
	unlock, err := s.locks.Lock(ctx, serial)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.RLock()
	cur, ok := s.tokens[serial]
	var working *domain.Token
	if ok {
		working = cur.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return autherr.ErrTokenNotFound
	}

	tx := &memoryTx{store: s, token: working, pending: make(map[string]*challengedomain.Challenge)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[serial] = tx.token.Clone()
	for id, c := range tx.pending {
		s.challenges[id] = c
	}
	return nil
}

// GetChallenge returns the challenge for transactionID, or nil if not found.
func (s *MemoryStore) GetChallenge(ctx context.Context, transactionID string) (*challengedomain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.challenges[transactionID].Clone(), nil
}

// ListChallengesByRealm returns all challenges of realm, oldest first.
func (s *MemoryStore) ListChallengesByRealm(ctx context.Context, realm string) ([]*challengedomain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*challengedomain.Challenge
	for _, c := range s.challenges {
		if c.Realm == realm {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}

type memoryTx struct {
	store   *MemoryStore
	token   *domain.Token
	pending map[string]*challengedomain.Challenge
}

func (tx *memoryTx) Token() *domain.Token { return tx.token }

func (tx *memoryTx) Challenges(ctx context.Context) ([]*challengedomain.Challenge, error) {
	serial := tx.token.Serial
	merged := make(map[string]*challengedomain.Challenge)
	tx.store.mu.RLock()
	for id, c := range tx.store.challenges {
		if c.TokenSerial == serial {
			merged[id] = c.Clone()
		}
	}
	tx.store.mu.RUnlock()
	for id, c := range tx.pending {
		merged[id] = c.Clone()
	}
	out := make([]*challengedomain.Challenge, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].TransactionID > out[j].TransactionID
	})
	return out, nil
}

func (tx *memoryTx) PutChallenge(ctx context.Context, c *challengedomain.Challenge) error {
	if c.TokenSerial != tx.token.Serial {
		return fmt.Errorf("challenge %s belongs to token %s, not %s", c.TransactionID, c.TokenSerial, tx.token.Serial)
	}
	tx.pending[c.TransactionID] = c.Clone()
	return nil
}
