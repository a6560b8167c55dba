package sqlstore_test

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rebound-engine/accounts"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/store/sqlstore"
)

// Postgres behavior that SQLite cannot reproduce: row locks and
// serialization failures.

func newMockStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlstore.Wrap(sqlx.NewDb(db, "postgres"), nil), mock
}

func TestPostgres_LockEntityUsesForUpdate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO balances .* ON CONFLICT \(entity_id, unit\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT value FROM balances WHERE entity_id = \$1 AND unit = \$2 FOR UPDATE`).
		WithArgs("u1", "bytes").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(42))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(scope generic.Store) error {
		return generic.Lock(ctx, scope, "u1")
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SerializationFailureIsRetried(t *testing.T) {
	// GIVEN: every attempt hits a serialization failure
	s, mock := newMockStore(t)
	for i := 0; i < generic.MaxTxAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO balances`).WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectRollback()
	}

	// WHEN: appending inside Atomically
	err := generic.Atomically(ctx, s, func(scope generic.Store) error {
		return scope.Append(ctx, earn("t1", "", 8, day))
	})

	// THEN: retried MaxTxAttempts times, then surfaced as a conflict
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeadlockMapsToConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO balances`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE balances SET value = value \+ \$1`).WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()

	err := s.Append(ctx, earn("t1", "", 8, day))

	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsufficientBalanceWritesNoEntry(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO balances`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE balances SET value = value \+ \$1 .* AND value \+ \$5 >= 0`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	spend := generic.Transaction{ID: "t2", EntityID: "u1", Type: generic.TxSpend,
		Delta: generic.NewAmount(-10, generic.UnitBytes), EffectiveAt: day}
	err := s.Append(ctx, spend)

	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UniqueEmail(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505"})

	err := s.CreateUser(ctx, newUser("u1", "a@b.co"))

	assert.ErrorIs(t, err, accounts.ErrEmailTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}
