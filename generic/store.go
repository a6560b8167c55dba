/*
store.go - Persistence interface for ledger entries and balances

PURPOSE:
  Defines the interface between the ledger logic and the database.
  The Store handles persistence while maintaining append-only semantics.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:   Append, load, aggregate, idempotency lookup, materialized balance
  TxStore: Transactional operations (atomic multi-step units of work)

APPEND-ONLY CONTRACT:
  - Append(): the ONLY write operation on the ledger
  - NO Update() or Delete() methods exist
  - Append moves the materialized balance for (entity, unit) by Delta in
    the same atomic write. A negative Delta is a conditional write: if it
    would leave the balance below zero the whole append is refused with
    ErrInsufficientBalance and nothing is written.

IDEMPOTENCY:
  A non-empty idempotency key is unique across the ledger. A second append
  with the same key is rejected with ErrDuplicateIdempotencyKey.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level interface using Store
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for ledger persistence (append-only)
// =============================================================================

type Store interface {
	// Append persists a transaction and applies its delta to the
	// materialized balance atomically.
	Append(ctx context.Context, tx Transaction) error

	// Load returns all transactions for an entity, ordered by EffectiveAt.
	Load(ctx context.Context, entityID EntityID) ([]Transaction, error)

	// LoadRange returns transactions with EffectiveAt in [from, to).
	LoadRange(ctx context.Context, entityID EntityID, from, to time.Time) ([]Transaction, error)

	// Totals aggregates entries of one activity and type in [from, to).
	Totals(ctx context.Context, entityID EntityID, activity string, txType TransactionType, unit Unit, from, to time.Time) (ActivityTotals, error)

	// FindByIdempotencyKey returns the transaction holding key, or nil.
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// Balance returns the materialized balance (zero if none recorded yet).
	Balance(ctx context.Context, entityID EntityID, unit Unit) (Amount, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	// The Store handed to fn may implement further domain interfaces
	// (users, badges) bound to the same transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Locker is implemented by stores that need an explicit row lock to make a
// read-check-write sequence atomic (PostgreSQL). Stores that serialize
// writers already (SQLite, memory) may skip it.
type Locker interface {
	LockEntity(ctx context.Context, entityID EntityID) error
}

// Lock calls LockEntity when the store supports it.
func Lock(ctx context.Context, s Store, entityID EntityID) error {
	if l, ok := s.(Locker); ok {
		return l.LockEntity(ctx, entityID)
	}
	return nil
}
