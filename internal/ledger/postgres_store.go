package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresStore persists accounts in PostgreSQL. The version column carries
// the optimistic lock; a CHECK constraint keeps balances non-negative at the
// database level as a second line of defense.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, userID uuid.UUID) (*Account, error) {
	acc := &Account{UserID: userID}
	var balance string

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO wallets (user_id, balance, version, updated_at)
		VALUES ($1, 0, 1, NOW())
		ON CONFLICT (user_id) DO UPDATE SET user_id = wallets.user_id
		RETURNING balance, version, updated_at
	`, userID).Scan(&balance, &acc.Version, &acc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create wallet: %w", err)
	}

	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance for wallet %s: %w", userID, err)
	}
	return acc, nil
}

func (p *PostgresStore) Get(ctx context.Context, userID uuid.UUID) (*Account, error) {
	acc := &Account{UserID: userID}
	var balance string

	err := p.db.QueryRowContext(ctx, `
		SELECT balance, version, updated_at FROM wallets WHERE user_id = $1
	`, userID).Scan(&balance, &acc.Version, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance for wallet %s: %w", userID, err)
	}
	return acc, nil
}

func (p *PostgresStore) UpdateBalance(ctx context.Context, userID uuid.UUID, newBalance decimal.Decimal, expectedVersion int64) (*Account, error) {
	if newBalance.IsNegative() {
		return nil, ErrNegativeBalance
	}

	acc := &Account{UserID: userID}
	var balance string

	err := p.db.QueryRowContext(ctx, `
		UPDATE wallets
		SET balance = $2::NUMERIC(20,2), version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND version = $3
		RETURNING balance, version, updated_at
	`, userID, newBalance.StringFixed(2), expectedVersion).Scan(&balance, &acc.Version, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		// Either the wallet is gone or another writer advanced the version.
		if _, getErr := p.Get(ctx, userID); getErr == ErrAccountNotFound {
			return nil, ErrAccountNotFound
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update wallet balance: %w", err)
	}

	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance for wallet %s: %w", userID, err)
	}
	return acc, nil
}

func (p *PostgresStore) ListAll(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, balance, version, updated_at FROM wallets
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		acc := &Account{}
		var balance string
		if err := rows.Scan(&acc.UserID, &balance, &acc.Version, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		acc.Balance, err = decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("invalid balance for wallet %s: %w", acc.UserID, err)
		}
		result = append(result, acc)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
