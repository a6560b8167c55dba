/*
Package sqlstore is the SQL implementation of every store interface.

PURPOSE:
  One Store, two dialects: SQLite (development, tests) and PostgreSQL
  (production). sqlx rebinds "?" placeholders for the driver in use, and
  the schema below is written in the common subset of both.

INTERFACES IMPLEMENTED:
  generic.TxStore:  Ledger entries and materialized balances
  generic.Locker:   Row lock on the balance row (PostgreSQL only)
  accounts.Store:   Users and the activity log
  badges.Scope:     UserBadge rows (on the scope handed out by WithTx)

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transactions table
  - balances is the only UPDATEd ledger table, always by a delta in the
    same SQL transaction as the INSERT that explains it
  - A negative delta is a conditional UPDATE (value + delta >= 0). Zero
    rows affected means the balance would go negative and the whole
    append is refused with ErrInsufficientBalance.

CONCURRENCY:
  SQLite: a single connection (SetMaxOpenConns(1)) serializes writers. Every
          query inside WithTx runs on the tx, never on the pool, so the
          scope never waits on itself.
  Postgres: LockEntity takes SELECT ... FOR UPDATE on the balance row
          before any read-check-write. Serialization failures and
          deadlocks map to ErrConcurrentModification for wholesale retry.

KEY TABLES:
  users:        Identity, tier, archetype, enrollment
  transactions: Immutable ledger of all balance changes
  balances:     Materialized sum per (entity, unit)
  activity_log: One row per activity occurrence, unique key
  user_badges:  (user, badge) unique

MIGRATION:
  Schema is applied on New(). Statements are idempotent.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/rebound-engine/generic"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Fixed-width UTC layout so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces.
type Store struct {
	ops
	db  *sqlx.DB
	log *zap.Logger
}

// ops runs every query against q, which is the pool or a live tx.
type ops struct {
	q      sqlx.ExtContext
	driver string
}

// Open connects and migrates. For SQLite, dsn is a file path or ":memory:".
func Open(driver, dsn string, log *zap.Logger) (*Store, error) {
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	s, err := New(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite is Open for SQLite.
func NewSQLite(path string) (*Store, error) {
	return Open(DriverSQLite, path, nil)
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// New wraps an open handle and applies the schema.
func New(db *sqlx.DB, log *zap.Logger) (*Store, error) {
	s := Wrap(db, log)
	if err := s.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Wrap wraps an open handle without touching the schema.
func Wrap(db *sqlx.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{ops: ops{q: db, driver: db.DriverName()}, db: db, log: log}
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		tier TEXT NOT NULL,
		archetype TEXT NOT NULL DEFAULT '',
		enrolled_at TEXT NOT NULL,
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		activity TEXT NOT NULL DEFAULT '',
		tx_type TEXT NOT NULL,
		delta_value TEXT NOT NULL,
		delta_unit TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	)`,
	// Hot path: cap accounting by (entity, activity, day/month)
	`CREATE INDEX IF NOT EXISTS idx_transactions_entity_activity_date
		ON transactions(entity_id, activity, effective_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_entity_date
		ON transactions(entity_id, effective_at)`,
	`CREATE TABLE IF NOT EXISTS balances (
		entity_id TEXT NOT NULL,
		unit TEXT NOT NULL,
		value BIGINT NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_id, unit)
	)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		idempotency_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		activity TEXT NOT NULL,
		credit_status TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_user
		ON activity_log(user_id, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS user_badges (
		user_id TEXT NOT NULL,
		badge_id TEXT NOT NULL,
		earned_at TEXT NOT NULL,
		PRIMARY KEY (user_id, badge_id)
	)`,
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The scope handed to
// fn implements generic.Store, generic.Locker, accounts.Store and
// badges.Scope, all bound to the same transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&txScope{ops: ops{q: tx, driver: s.driver}}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Append runs in its own transaction so the entry and the balance move
// together.
func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	return s.WithTx(ctx, func(scope generic.Store) error {
		return scope.Append(ctx, tx)
	})
}

type txScope struct {
	ops
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func isConflictError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// mapError turns driver conflicts into ErrConcurrentModification and
// leaves everything else alone.
func mapError(err error) error {
	if err == nil || errors.Is(err, generic.ErrConcurrentModification) {
		return err
	}
	if isConflictError(err) {
		return fmt.Errorf("%w: %v", generic.ErrConcurrentModification, err)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (o ops) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return o.q.ExecContext(ctx, o.q.Rebind(query), args...)
}

func (o ops) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, o.q, dest, o.q.Rebind(query), args...)
}

func (o ops) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, o.q, dest, o.q.Rebind(query), args...)
}
