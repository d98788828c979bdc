//go:build integration

package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmlink/wallet/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgresStore_GetOrCreateAndCAS(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()

	acc, err := store.GetOrCreate(ctx, userID)
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsZero())
	assert.Equal(t, int64(1), acc.Version)

	updated, err := store.UpdateBalance(ctx, userID, decimal.RequireFromString("42.50"), acc.Version)
	require.NoError(t, err)
	assert.Equal(t, "42.50", updated.Balance.StringFixed(2))
	assert.Equal(t, int64(2), updated.Version)

	// Stale version must conflict
	_, err = store.UpdateBalance(ctx, userID, decimal.NewFromInt(1), acc.Version)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestPostgresStore_UpdateBalance_UnknownWallet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := store.UpdateBalance(context.Background(), uuid.New(), decimal.NewFromInt(1), 1)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
