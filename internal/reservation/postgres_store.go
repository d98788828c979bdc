package reservation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// uniqueViolation is the Postgres error code for unique_violation; the
// unique index on order_id enforces one live reservation per order.
const uniqueViolation = "23505"

// PostgresStore persists reservations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reservation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Reservation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_reservations (id, order_id, user_id, amount, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5)
	`, r.ID, r.OrderID, r.UserID, r.Amount.StringFixed(2), r.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateReservation
		}
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

func (p *PostgresStore) FindByOrder(ctx context.Context, orderID uuid.UUID) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, amount, created_at
		FROM wallet_reservations WHERE order_id = $1
	`, orderID)

	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, user_id, amount, created_at
		FROM wallet_reservations
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Remove(ctx context.Context, id uuid.UUID) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM wallet_reservations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(s scanner) (*Reservation, error) {
	r := &Reservation{}
	var amount string

	if err := s.Scan(&r.ID, &r.OrderID, &r.UserID, &amount, &r.CreatedAt); err != nil {
		return nil, err
	}

	var err error
	r.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount for reservation %s: %w", r.ID, err)
	}
	return r, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
