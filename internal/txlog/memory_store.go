package txlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory transaction log for demo/development mode.
type MemoryStore struct {
	entries []*Transaction
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, kind Kind, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		CreatedAt:   time.Now(),
	}
	m.entries = append(m.entries, txn)

	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID != userID {
			continue
		}
		cp := *m.entries[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
