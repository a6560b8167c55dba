/*
Package generic provides the core ledger engine.

PURPOSE:
  This package contains domain-agnostic types and algorithms for tracking
  balances that are only ever changed by appending ledger entries. Whether
  the unit is Bytes (the virtual currency) or XP, the same engine handles
  appends, idempotency, replay and the materialized balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A whole quantity with a unit (e.g., 8 bytes, 50 xp)
  - Transaction: An immutable ledger entry recording a balance change
  - EntityID / TransactionID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted
  2. Precision: Uses decimal.Decimal so sums never drift
  3. Type Safety: Strong typing for IDs prevents mixing users and entries
  4. Auditability: Every transaction has activity, reason and idempotency key

USAGE:
  tx := generic.Transaction{
      EntityID: "user-123",
      Activity: "daily_ritual",
      Delta:    generic.NewAmount(8, generic.UnitBytes),
      Type:     generic.TxEarn,
  }

SEE ALSO:
  - ledger.go: Ledger interface and replay
  - store.go: Persistence interface
  - errors.go: Error taxonomy
*/
package generic

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitBytes Unit = "bytes"
	UnitXP    Unit = "xp"
)

func NewAmount(value int64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(value), Unit: unit}
}

// ParseAmount reads a stored decimal string. Malformed input yields zero.
func ParseAmount(value string, unit Unit) Amount {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{Value: decimal.Zero, Unit: unit}
	}
	return Amount{Value: d, Unit: unit}
}

func (a Amount) Add(b Amount) Amount    { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount    { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Neg() Amount            { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool       { return a.Value.IsNegative() }
func (a Amount) IsZero() bool           { return a.Value.IsZero() }
func (a Amount) IsPositive() bool       { return a.Value.IsPositive() }
func (a Amount) IsWhole() bool          { return a.Value.IsInteger() }
func (a Amount) Equal(b Amount) bool    { return a.Unit == b.Unit && a.Value.Equal(b.Value) }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.Value) }
func (a Amount) Int() int64             { return a.Value.IntPart() }
func (a Amount) String() string         { return a.Value.String() + " " + string(a.Unit) }

type amountJSON struct {
	Value int64 `json:"value"`
	Unit  Unit  `json:"unit"`
}

// MarshalJSON writes {"value": 16, "unit": "bytes"}. Amounts are whole.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Value: a.Int(), Unit: a.Unit})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var v amountJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*a = NewAmount(v.Value, v.Unit)
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type TransactionID string

// =============================================================================
// TRANSACTION - Atomic change to a balance
// =============================================================================

type TransactionType string

const (
	TxEarn     TransactionType = "earn"     // Activity reward, subject to earning rules
	TxPurchase TransactionType = "purchase" // Bytes bought with real money, never capped
	TxSpend    TransactionType = "spend"    // Debit for a feature or catalog item
	TxReward   TransactionType = "reward"   // One-time badge reward
)

// Earned reports whether the type counts as earned currency for cap accounting.
func (t TransactionType) Earned() bool {
	return t == TxEarn
}

type Transaction struct {
	ID             TransactionID
	EntityID       EntityID
	Activity       string
	Type           TransactionType
	Delta          Amount
	EffectiveAt    time.Time
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// =============================================================================
// ACTIVITY TOTALS - Aggregate over a window
// =============================================================================

// ActivityTotals is the count and sum of entries for one activity in a window.
type ActivityTotals struct {
	Count int
	Total Amount
}
