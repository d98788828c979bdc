// Package reservation tracks funds escrowed against orders.
//
// A reservation represents money already debited from the buyer's wallet and
// held until the order resolves. At most one live reservation exists per
// order; it is created by Reserve and deleted by Release or Refund, never
// mutated in place.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrDuplicateReservation = errors.New("reservation already exists for order")
)

// Reservation is one order's escrowed amount.
type Reservation struct {
	ID        uuid.UUID       `json:"id"`
	OrderID   uuid.UUID       `json:"orderId"`
	UserID    uuid.UUID       `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists reservations.
type Store interface {
	// Create inserts a reservation. Returns ErrDuplicateReservation if a
	// live reservation for the same order already exists.
	Create(ctx context.Context, r *Reservation) error

	// FindByOrder returns the live reservation for an order or
	// ErrReservationNotFound.
	FindByOrder(ctx context.Context, orderID uuid.UUID) (*Reservation, error)

	// ListByUser returns all live reservations owned by a user.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Reservation, error)

	// Remove deletes a reservation by ID. Returns ErrReservationNotFound if
	// it was already resolved.
	Remove(ctx context.Context, id uuid.UUID) error
}
