package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rebound-engine/generic"
)

// =============================================================================
// TRANSACTION STORE (generic.Store interface)
// =============================================================================

type txRow struct {
	ID             string  `db:"id"`
	EntityID       string  `db:"entity_id"`
	Activity       string  `db:"activity"`
	Type           string  `db:"tx_type"`
	DeltaValue     string  `db:"delta_value"`
	DeltaUnit      string  `db:"delta_unit"`
	EffectiveAt    string  `db:"effective_at"`
	ReferenceID    *string `db:"reference_id"`
	Reason         *string `db:"reason"`
	IdempotencyKey *string `db:"idempotency_key"`
	MetadataJSON   *string `db:"metadata_json"`
	CreatedAt      string  `db:"created_at"`
}

const txColumns = `id, entity_id, activity, tx_type, delta_value, delta_unit, effective_at,
	reference_id, reason, idempotency_key, metadata_json, created_at`

// transaction decodes a row. Unreadable metadata is an error: replays read
// balance_after from it.
func (r txRow) transaction() (generic.Transaction, error) {
	tx := generic.Transaction{
		ID:          generic.TransactionID(r.ID),
		EntityID:    generic.EntityID(r.EntityID),
		Activity:    r.Activity,
		Type:        generic.TransactionType(r.Type),
		Delta:       generic.ParseAmount(r.DeltaValue, generic.Unit(r.DeltaUnit)),
		EffectiveAt: parseTime(r.EffectiveAt),
		CreatedAt:   parseTime(r.CreatedAt),
	}
	if r.ReferenceID != nil {
		tx.ReferenceID = *r.ReferenceID
	}
	if r.Reason != nil {
		tx.Reason = *r.Reason
	}
	if r.IdempotencyKey != nil {
		tx.IdempotencyKey = *r.IdempotencyKey
	}
	if r.MetadataJSON != nil && *r.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(*r.MetadataJSON), &tx.Metadata); err != nil {
			return generic.Transaction{}, fmt.Errorf("corrupt metadata on transaction %s: %w", r.ID, err)
		}
	}
	return tx, nil
}

// Append inserts the entry and moves the materialized balance by its delta.
// Callers outside a transaction go through Store.Append, which wraps this.
func (o ops) Append(ctx context.Context, tx generic.Transaction) error {
	if !tx.Delta.IsWhole() {
		return fmt.Errorf("%w: %s is not whole", generic.ErrInvalidAmount, tx.Delta)
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}

	// Checked before any write so a refused append leaves the tx untouched.
	if tx.IdempotencyKey != "" {
		existing, err := o.FindByIdempotencyKey(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return generic.ErrDuplicateIdempotencyKey
		}
	}

	if err := o.ensureBalanceRow(ctx, tx.EntityID, tx.Delta.Unit, now); err != nil {
		return err
	}

	delta := tx.Delta.Int()
	res, err := o.exec(ctx, `
		UPDATE balances SET value = value + ?, updated_at = ?
		WHERE entity_id = ? AND unit = ? AND value + ? >= 0`,
		delta, formatTime(now), string(tx.EntityID), string(tx.Delta.Unit), delta)
	if err != nil {
		return mapError(fmt.Errorf("failed to update balance: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	} else if n == 0 {
		return generic.ErrInsufficientBalance
	}

	var metadata *string
	if len(tx.Metadata) > 0 {
		data, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		m := string(data)
		metadata = &m
	}

	_, err = o.exec(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID),
		string(tx.EntityID),
		tx.Activity,
		string(tx.Type),
		tx.Delta.Value.String(),
		string(tx.Delta.Unit),
		formatTime(tx.EffectiveAt),
		nullString(tx.ReferenceID),
		nullString(tx.Reason),
		nullString(tx.IdempotencyKey),
		metadata,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

func (o ops) ensureBalanceRow(ctx context.Context, entityID generic.EntityID, unit generic.Unit, now time.Time) error {
	_, err := o.exec(ctx, `
		INSERT INTO balances (entity_id, unit, value, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT (entity_id, unit) DO NOTHING`,
		string(entityID), string(unit), formatTime(now))
	if err != nil {
		return mapError(fmt.Errorf("failed to create balance row: %w", err))
	}
	return nil
}

func (o ops) Load(ctx context.Context, entityID generic.EntityID) ([]generic.Transaction, error) {
	return o.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE entity_id = ?
		ORDER BY effective_at ASC, created_at ASC`, string(entityID))
}

// LoadRange returns entries with effective_at in [from, to).
func (o ops) LoadRange(ctx context.Context, entityID generic.EntityID, from, to time.Time) ([]generic.Transaction, error) {
	return o.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE entity_id = ? AND effective_at >= ? AND effective_at < ?
		ORDER BY effective_at ASC, created_at ASC`,
		string(entityID), formatTime(from), formatTime(to))
}

func (o ops) Totals(ctx context.Context, entityID generic.EntityID, activity string, txType generic.TransactionType, unit generic.Unit, from, to time.Time) (generic.ActivityTotals, error) {
	var values []string
	err := o.selectAll(ctx, &values, `
		SELECT delta_value FROM transactions
		WHERE entity_id = ? AND activity = ? AND tx_type = ? AND delta_unit = ?
		  AND effective_at >= ? AND effective_at < ?`,
		string(entityID), activity, string(txType), string(unit), formatTime(from), formatTime(to))
	if err != nil {
		return generic.ActivityTotals{}, mapError(fmt.Errorf("failed to aggregate transactions: %w", err))
	}

	sum := decimal.Zero
	for _, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return generic.ActivityTotals{}, fmt.Errorf("corrupt delta %q: %w", v, err)
		}
		sum = sum.Add(d)
	}
	return generic.ActivityTotals{Count: len(values), Total: generic.Amount{Value: sum, Unit: unit}}, nil
}

func (o ops) FindByIdempotencyKey(ctx context.Context, key string) (*generic.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	txs, err := o.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (o ops) Balance(ctx context.Context, entityID generic.EntityID, unit generic.Unit) (generic.Amount, error) {
	var values []int64
	err := o.selectAll(ctx, &values, `
		SELECT value FROM balances WHERE entity_id = ? AND unit = ?`,
		string(entityID), string(unit))
	if err != nil {
		return generic.Amount{}, mapError(fmt.Errorf("failed to read balance: %w", err))
	}
	if len(values) == 0 {
		return generic.NewAmount(0, unit), nil
	}
	return generic.NewAmount(values[0], unit), nil
}

// LockEntity takes a row lock on the entity's Bytes balance (PostgreSQL).
// SQLite already serializes writers on its single connection.
func (o ops) LockEntity(ctx context.Context, entityID generic.EntityID) error {
	if o.driver != DriverPostgres {
		return nil
	}
	if err := o.ensureBalanceRow(ctx, entityID, generic.UnitBytes, time.Now().UTC()); err != nil {
		return err
	}
	var value int64
	err := o.get(ctx, &value, `
		SELECT value FROM balances WHERE entity_id = ? AND unit = ? FOR UPDATE`,
		string(entityID), string(generic.UnitBytes))
	if err != nil {
		return mapError(fmt.Errorf("failed to lock entity: %w", err))
	}
	return nil
}

func (o ops) queryTransactions(ctx context.Context, query string, args ...any) ([]generic.Transaction, error) {
	var rows []txRow
	if err := o.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	out := make([]generic.Transaction, len(rows))
	for i, r := range rows {
		tx, err := r.transaction()
		if err != nil {
			return nil, err
		}
		out[i] = tx
	}
	return out, nil
}
