package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    "file::memory:?cache=shared",
		Profile: ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrate_CreatesSchema(t *testing.T) {
	db := newTestDB(t)

	rows, err := db.Conn().Query(`SELECT name FROM sqlite_master WHERE type='table' AND name='orders'`)
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next(), "orders table should exist after migration")
}

func TestMigrate_IsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(), "re-running Migrate on an up-to-date schema must be a no-op")
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	db := newTestDB(t)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(
			`INSERT INTO risk_limits (strategy_id, max_pos_per_symbol, max_total_notional, daily_loss_limit) VALUES (?, '100', '1000', '50')`,
			"default",
		)
		return execErr
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM risk_limits WHERE strategy_id = 'default'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	sentinel := errors.New("boom")

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(
			`INSERT INTO risk_limits (strategy_id, max_pos_per_symbol, max_total_notional, daily_loss_limit) VALUES (?, '100', '1000', '50')`,
			"rolled-back",
		)
		if execErr != nil {
			return execErr
		}
		return sentinel
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM risk_limits WHERE strategy_id = 'rolled-back'`).Scan(&count))
	assert.Equal(t, 0, count, "a transaction that returns an error must not persist its writes")
}

func TestQuickCheck(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.QuickCheck(context.Background()))
}
