// Package txlog is the append-only audit trail of balance-affecting events.
//
// Entries are never updated or deleted. Amounts are stored positive; the
// direction is carried by the kind (CREDIT or DEBIT).
package txlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind is the direction of a transaction.
type Kind string

const (
	KindCredit Kind = "CREDIT"
	KindDebit  Kind = "DEBIT"
)

// Transaction is one immutable audit record.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"kind"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store persists the transaction log.
type Store interface {
	// Append writes a new transaction. It never fails for business reasons,
	// only on storage unavailability.
	Append(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, kind Kind, description string) (*Transaction, error)

	// ListByUser returns a user's transactions, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Transaction, error)
}
