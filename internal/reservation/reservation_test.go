package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReservation(userID uuid.UUID, amount string) *Reservation {
	return &Reservation{
		ID:        uuid.New(),
		OrderID:   uuid.New(),
		UserID:    userID,
		Amount:    decimal.RequireFromString(amount),
		CreatedAt: time.Now(),
	}
}

func TestMemoryStore_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := newReservation(uuid.New(), "300.00")

	require.NoError(t, store.Create(ctx, r))

	got, err := store.FindByOrder(ctx, r.OrderID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.True(t, got.Amount.Equal(r.Amount))
}

func TestMemoryStore_DuplicateOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := newReservation(uuid.New(), "10.00")

	require.NoError(t, store.Create(ctx, r))

	dup := newReservation(r.UserID, "20.00")
	dup.OrderID = r.OrderID
	err := store.Create(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateReservation)

	// The original reservation is untouched
	got, err := store.FindByOrder(ctx, r.OrderID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("10.00")))
}

func TestMemoryStore_Remove(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := newReservation(uuid.New(), "50.00")

	require.NoError(t, store.Create(ctx, r))
	require.NoError(t, store.Remove(ctx, r.ID))

	_, err := store.FindByOrder(ctx, r.OrderID)
	assert.ErrorIs(t, err, ErrReservationNotFound)

	// Removing twice fails; this is what makes Release/Refund at-most-once
	err = store.Remove(ctx, r.ID)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestMemoryStore_RemoveFreesOrderForNewReservation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := newReservation(uuid.New(), "50.00")

	require.NoError(t, store.Create(ctx, r))
	require.NoError(t, store.Remove(ctx, r.ID))

	// After resolution the order may be reserved again (e.g. re-placed order)
	next := newReservation(r.UserID, "60.00")
	next.OrderID = r.OrderID
	assert.NoError(t, store.Create(ctx, next))
}

func TestMemoryStore_ListByUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	userID := uuid.New()

	require.NoError(t, store.Create(ctx, newReservation(userID, "10.00")))
	require.NoError(t, store.Create(ctx, newReservation(userID, "20.00")))
	require.NoError(t, store.Create(ctx, newReservation(uuid.New(), "99.00")))

	list, err := store.ListByUser(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	total := decimal.Zero
	for _, r := range list {
		total = total.Add(r.Amount)
	}
	assert.True(t, total.Equal(decimal.RequireFromString("30.00")))
}
