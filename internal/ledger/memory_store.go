package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory account store for demo/development mode.
// The mutex only guards map access; writers still race through the version
// check exactly as they would against Postgres.
type MemoryStore struct {
	accounts map[uuid.UUID]*Account
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]*Account),
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID uuid.UUID) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acc, ok := m.accounts[userID]; ok {
		cp := *acc
		return &cp, nil
	}
	acc := &Account{
		UserID:    userID,
		Balance:   decimal.Zero,
		Version:   1,
		UpdatedAt: time.Now(),
	}
	m.accounts[userID] = acc
	cp := *acc
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, userID uuid.UUID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *MemoryStore) UpdateBalance(ctx context.Context, userID uuid.UUID, newBalance decimal.Decimal, expectedVersion int64) (*Account, error) {
	if newBalance.IsNegative() {
		return nil, ErrNegativeBalance
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if acc.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	acc.Balance = newBalance
	acc.Version++
	acc.UpdatedAt = time.Now()

	cp := *acc
	return &cp, nil
}

func (m *MemoryStore) ListAll(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		cp := *acc
		result = append(result, &cp)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
