// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/rebound-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions map[generic.EntityID][]generic.Transaction
	idempotency  map[string]generic.Transaction
	balances     map[balanceKey]generic.Amount
}

type balanceKey struct {
	EntityID generic.EntityID
	Unit     generic.Unit
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[generic.EntityID][]generic.Transaction),
		idempotency:  make(map[string]generic.Transaction),
		balances:     make(map[balanceKey]generic.Amount),
	}
}

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx generic.Transaction) error {
	if tx.IdempotencyKey != "" {
		if _, ok := m.idempotency[tx.IdempotencyKey]; ok {
			return generic.ErrDuplicateIdempotencyKey
		}
	}

	k := balanceKey{EntityID: tx.EntityID, Unit: tx.Delta.Unit}
	current, ok := m.balances[k]
	if !ok {
		current = generic.NewAmount(0, tx.Delta.Unit)
	}
	next := current.Add(tx.Delta)
	if next.IsNegative() {
		return generic.ErrInsufficientBalance
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	txs := m.transactions[tx.EntityID]

	// Binary search for insertion point keeps the slice ordered by EffectiveAt
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].EffectiveAt.After(tx.EffectiveAt)
	})
	txs = append(txs, generic.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.transactions[tx.EntityID] = txs

	m.balances[k] = next
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = tx
	}
	return nil
}

func (m *Memory) Load(_ context.Context, entityID generic.EntityID) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(entityID), nil
}

func (m *Memory) loadLocked(entityID generic.EntityID) []generic.Transaction {
	result := make([]generic.Transaction, len(m.transactions[entityID]))
	copy(result, m.transactions[entityID])
	return result
}

func (m *Memory) LoadRange(_ context.Context, entityID generic.EntityID, from, to time.Time) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadRangeLocked(entityID, from, to), nil
}

func (m *Memory) loadRangeLocked(entityID generic.EntityID, from, to time.Time) []generic.Transaction {
	window := generic.Period{Start: from, End: to}
	var result []generic.Transaction
	for _, tx := range m.transactions[entityID] {
		if window.Contains(tx.EffectiveAt) {
			result = append(result, tx)
		}
	}
	return result
}

func (m *Memory) Totals(_ context.Context, entityID generic.EntityID, activity string, txType generic.TransactionType, unit generic.Unit, from, to time.Time) (generic.ActivityTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalsLocked(entityID, activity, txType, unit, from, to), nil
}

func (m *Memory) totalsLocked(entityID generic.EntityID, activity string, txType generic.TransactionType, unit generic.Unit, from, to time.Time) generic.ActivityTotals {
	totals := generic.ActivityTotals{Total: generic.NewAmount(0, unit)}
	for _, tx := range m.loadRangeLocked(entityID, from, to) {
		if tx.Activity != activity || tx.Type != txType || tx.Delta.Unit != unit {
			continue
		}
		totals.Count++
		totals.Total = totals.Total.Add(tx.Delta)
	}
	return totals
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (*generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(key), nil
}

func (m *Memory) findLocked(key string) *generic.Transaction {
	tx, ok := m.idempotency[key]
	if !ok {
		return nil
	}
	return &tx
}

func (m *Memory) Balance(_ context.Context, entityID generic.EntityID, unit generic.Unit) (generic.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(entityID, unit), nil
}

func (m *Memory) balanceLocked(entityID generic.EntityID, unit generic.Unit) generic.Amount {
	if b, ok := m.balances[balanceKey{EntityID: entityID, Unit: unit}]; ok {
		return b
	}
	return generic.NewAmount(0, unit)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	txsCopy := make(map[generic.EntityID][]generic.Transaction, len(tm.transactions))
	for k, v := range tm.transactions {
		txsCopy[k] = append([]generic.Transaction{}, v...)
	}
	idempCopy := make(map[string]generic.Transaction, len(tm.idempotency))
	for k, v := range tm.idempotency {
		idempCopy[k] = v
	}
	balCopy := make(map[balanceKey]generic.Amount, len(tm.balances))
	for k, v := range tm.balances {
		balCopy[k] = v
	}
	return memorySnapshot{transactions: txsCopy, idempotency: idempCopy, balances: balCopy}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.transactions = s.transactions
	tm.idempotency = s.idempotency
	tm.balances = s.balances
}

type memorySnapshot struct {
	transactions map[generic.EntityID][]generic.Transaction
	idempotency  map[string]generic.Transaction
	balances     map[balanceKey]generic.Amount
}

// txMemoryView runs against the parent while WithTx holds its lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Append(_ context.Context, tx generic.Transaction) error {
	return tv.parent.appendLocked(tx)
}

func (tv *txMemoryView) Load(_ context.Context, entityID generic.EntityID) ([]generic.Transaction, error) {
	return tv.parent.loadLocked(entityID), nil
}

func (tv *txMemoryView) LoadRange(_ context.Context, entityID generic.EntityID, from, to time.Time) ([]generic.Transaction, error) {
	return tv.parent.loadRangeLocked(entityID, from, to), nil
}

func (tv *txMemoryView) Totals(_ context.Context, entityID generic.EntityID, activity string, txType generic.TransactionType, unit generic.Unit, from, to time.Time) (generic.ActivityTotals, error) {
	return tv.parent.totalsLocked(entityID, activity, txType, unit, from, to), nil
}

func (tv *txMemoryView) FindByIdempotencyKey(_ context.Context, key string) (*generic.Transaction, error) {
	return tv.parent.findLocked(key), nil
}

func (tv *txMemoryView) Balance(_ context.Context, entityID generic.EntityID, unit generic.Unit) (generic.Amount, error) {
	return tv.parent.balanceLocked(entityID, unit), nil
}
