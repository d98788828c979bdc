package txlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresStore persists the transaction log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, kind Kind, description string) (*Transaction, error) {
	txn := &Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		CreatedAt:   time.Now(),
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, amount, kind, description, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6)
	`, txn.ID, txn.UserID, txn.Amount.StringFixed(2), string(txn.Kind), txn.Description, txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}
	return txn, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, amount, kind, description, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		var amount, kind string
		var description sql.NullString
		if err := rows.Scan(&txn.ID, &txn.UserID, &amount, &kind, &description, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount for transaction %s: %w", txn.ID, err)
		}
		txn.Kind = Kind(kind)
		txn.Description = description.String
		result = append(result, txn)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
