package reservation

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory reservation store for demo/development mode.
type MemoryStore struct {
	byID    map[uuid.UUID]*Reservation
	byOrder map[uuid.UUID]uuid.UUID // order ID -> reservation ID
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory reservation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[uuid.UUID]*Reservation),
		byOrder: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[r.OrderID]; ok {
		return ErrDuplicateReservation
	}

	cp := *r
	m.byID[r.ID] = &cp
	m.byOrder[r.OrderID] = r.ID
	return nil
}

func (m *MemoryStore) FindByOrder(ctx context.Context, orderID uuid.UUID) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reservation
	for _, r := range m.byID {
		if r.UserID == userID {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Remove(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[id]
	if !ok {
		return ErrReservationNotFound
	}
	delete(m.byID, id)
	delete(m.byOrder, r.OrderID)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
