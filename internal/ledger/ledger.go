// Package ledger is the source of truth for spendable user balances.
//
// Every account carries a version stamp. Mutations are compare-and-swap on
// that version: read the account, compute the new balance, write back
// conditioned on the version being unchanged. A mismatch means another
// writer got there first and the caller must re-read and retry.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrVersionConflict = errors.New("account version conflict")
	ErrNegativeBalance = errors.New("balance cannot go negative")
)

// Account holds one user's spendable balance. The balance already excludes
// every live reservation's amount; reservations debit at reserve time.
type Account struct {
	UserID    uuid.UUID       `json:"userId"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists accounts with optimistic concurrency.
type Store interface {
	// GetOrCreate returns the user's account, creating a zero-balance one
	// on first use.
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*Account, error)

	// Get returns the user's account or ErrAccountNotFound.
	Get(ctx context.Context, userID uuid.UUID) (*Account, error)

	// UpdateBalance writes newBalance if the stored version still equals
	// expectedVersion, bumping the version. Returns ErrVersionConflict on a
	// stale version and ErrNegativeBalance if newBalance is negative.
	UpdateBalance(ctx context.Context, userID uuid.UUID, newBalance decimal.Decimal, expectedVersion int64) (*Account, error)

	// ListAll returns every account. Used for reconciliation checks and the
	// balance-total gauge.
	ListAll(ctx context.Context) ([]*Account, error)
}
