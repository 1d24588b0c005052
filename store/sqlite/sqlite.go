/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Opens the database, supplies the SQLite dialect and schema, and returns a
  sqlstore.Store. Money is stored as decimal text and timestamps as
  fixed-width UTC text, so ORDER BY created_at is chronological.

CONCURRENCY:
  SQLite allows one writer at a time per database file, so the write pool
  has a single connection and transactions begin IMMEDIATE: allocations for
  different clients queue on the file lock instead of failing with
  SQLITE_BUSY. Reads outside a transaction (credit views, listings, health
  checks) use a separate read-only pool and never wait for a writer. For
  writers that run fully in parallel across clients use the PostgreSQL
  backend.

  ":memory:" databases exist per connection and get the single write pool
  only.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New(ctx, "./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/credit-ledger/store/sqlstore"
)

// Dialect is the SQLite flavour of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	Schema:            schema,
	IsUniqueViolation: isUniqueConstraintError,
	Timestamp:         sqlstore.TextTimestamp,
}

// New opens (and migrates) the database at path.
// Use ":memory:" for an in-memory database.
func New(ctx context.Context, path string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if path == ":memory:" {
		return store, nil
	}

	read, err := sql.Open("sqlite3", readDSN(path))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	read.SetMaxOpenConns(readPoolSize)
	return store.WithReadPool(read), nil
}

// readPoolSize bounds concurrent readers; WAL lets them all run beside the
// writer.
const readPoolSize = 8

func dsn(path string) string {
	params := "_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if path != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	return withParams(path, params)
}

func readDSN(path string) string {
	return withParams(path, "_foreign_keys=on&_busy_timeout=5000&_query_only=true")
}

func withParams(path, params string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mobile TEXT,
		email TEXT,
		role TEXT NOT NULL,
		credit_balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		bill_number TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL REFERENCES clients(id),
		old_balance TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		payment_status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	// Outstanding orders per client (allocation hot path)
	`CREATE INDEX IF NOT EXISTS idx_orders_client_status
		ON orders(client_id, payment_status, created_at)`,

	`CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id),
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		line_total TEXT NOT NULL,
		PRIMARY KEY (order_id, line_no)
	)`,

	// Journal (append-only)
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		amount TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		reference_number TEXT,
		recorded_by TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_client_date
		ON transactions(client_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_method
		ON transactions(payment_method)`,

	`CREATE TABLE IF NOT EXISTS transaction_allocations (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		line_no INTEGER NOT NULL,
		order_id TEXT NOT NULL REFERENCES orders(id),
		amount_applied TEXT NOT NULL,
		PRIMARY KEY (transaction_id, line_no)
	)`,

	// One application of a journal entry per order
	`CREATE TABLE IF NOT EXISTS order_payments (
		order_id TEXT NOT NULL REFERENCES orders(id),
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		amount_applied TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (order_id, transaction_id)
	)`,
}
