/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger is the immutable source of truth for all balance changes.
  Every earning, purchase, spend and reward is recorded here.
  The materialized balance kept by the store is a cache of the ledger
  sum; Verify replays the log and checks the two never diverge.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. CONSERVATION: Balance(entity, unit) == sum(Delta) of its entries
  3. NON-NEGATIVE: No append may drive a balance below zero
  4. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)

READS:
  Transactions / TransactionsInRange feed the history view, BalanceAt
  answers "what did I have on that day", Verify backs the audit.

EXAMPLE FLOW:
  1. Ritual completed:     TxEarn   +8 bytes
  2. Ritual completed:     TxEarn   +8 bytes
  3. Streak badge:         TxReward +25 bytes, +50 xp
  4. Unlock voice journal: TxSpend  -30 bytes

  Bytes ledger: [+8, +8, +25, -30] = 11 bytes

SEE ALSO:
  - store.go: Low-level persistence interface
  - economy/service.go: The only component allowed to write Bytes
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// LEDGER - Append-only transaction log
// =============================================================================

// Ledger is the read side of the log. Writes go through Store.Append
// inside a unit of work.
type Ledger interface {
	// Transactions returns all transactions for an entity, chronologically.
	Transactions(ctx context.Context, entityID EntityID) ([]Transaction, error)

	// TransactionsInRange returns transactions in [from, to).
	TransactionsInRange(ctx context.Context, entityID EntityID, from, to time.Time) ([]Transaction, error)

	// BalanceAt replays the log up to and including at.
	BalanceAt(ctx context.Context, entityID EntityID, at time.Time, unit Unit) (Amount, error)

	// Verify checks the materialized balance against a full replay.
	Verify(ctx context.Context, entityID EntityID, unit Unit) (Amount, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Transactions(ctx context.Context, entityID EntityID) ([]Transaction, error) {
	return l.Store.Load(ctx, entityID)
}

func (l *DefaultLedger) TransactionsInRange(ctx context.Context, entityID EntityID, from, to time.Time) ([]Transaction, error) {
	return l.Store.LoadRange(ctx, entityID, from, to)
}

func (l *DefaultLedger) BalanceAt(ctx context.Context, entityID EntityID, at time.Time, unit Unit) (Amount, error) {
	txs, err := l.Store.Load(ctx, entityID)
	if err != nil {
		return Amount{}, err
	}

	balance := NewAmount(0, unit)
	for _, tx := range txs {
		if tx.EffectiveAt.After(at) {
			break
		}
		if tx.Delta.Unit == unit {
			balance = balance.Add(tx.Delta)
		}
	}
	return balance, nil
}

// Verify returns the replayed balance, or ErrBalanceDiverged wrapped with
// both values when the materialized column disagrees.
func (l *DefaultLedger) Verify(ctx context.Context, entityID EntityID, unit Unit) (Amount, error) {
	txs, err := l.Store.Load(ctx, entityID)
	if err != nil {
		return Amount{}, err
	}
	replayed := Replay(txs, unit)

	materialized, err := l.Store.Balance(ctx, entityID, unit)
	if err != nil {
		return Amount{}, err
	}
	if !materialized.Value.Equal(replayed.Value) {
		return replayed, fmt.Errorf("%w: entity %s %s materialized=%v replayed=%v",
			ErrBalanceDiverged, entityID, unit, materialized.Value, replayed.Value)
	}
	return replayed, nil
}

// Replay sums the deltas of one unit.
func Replay(txs []Transaction, unit Unit) Amount {
	balance := NewAmount(0, unit)
	for _, tx := range txs {
		if tx.Delta.Unit == unit {
			balance = balance.Add(tx.Delta)
		}
	}
	return balance
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// MaxTxAttempts bounds wholesale retries of a unit of work.
const MaxTxAttempts = 3

// Atomically runs fn in a store transaction and retries the whole unit on
// ErrConcurrentModification. fn must not have effects outside the store.
func Atomically(ctx context.Context, store TxStore, fn func(Store) error) error {
	var err error
	for attempt := 0; attempt < MaxTxAttempts; attempt++ {
		err = store.WithTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
