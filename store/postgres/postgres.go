/*
Package postgres provides a PostgreSQL-backed implementation of the ledger
storage interfaces through pgx's database/sql driver.

CONCURRENCY:
  Rows read inside WithTx are locked FOR UPDATE. The client row is the first
  one an allocation reads, so allocations for the same client are serialized
  across processes, not just inside one engine.
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/credit-ledger/store/sqlstore"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Dialect is the PostgreSQL flavour of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Schema:            schema,
	Placeholder:       func(n int) string { return "$" + strconv.Itoa(n) },
	LockSuffix:        " FOR UPDATE",
	IsUniqueViolation: isUniqueViolation,
	Timestamp:         func(t time.Time) any { return t },
}

// New connects to dsn, verifies the connection and migrates the schema.
func New(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mobile TEXT,
		email TEXT,
		role TEXT NOT NULL,
		credit_balance NUMERIC(14, 2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		bill_number TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL REFERENCES clients(id),
		old_balance NUMERIC(14, 2) NOT NULL DEFAULT 0,
		total_amount NUMERIC(14, 2) NOT NULL,
		amount_paid NUMERIC(14, 2) NOT NULL DEFAULT 0,
		payment_status TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		CHECK (amount_paid >= 0 AND amount_paid <= total_amount)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_client_status
		ON orders(client_id, payment_status, created_at)`,

	`CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id),
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(14, 2) NOT NULL,
		line_total NUMERIC(14, 2) NOT NULL,
		PRIMARY KEY (order_id, line_no)
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		amount NUMERIC(14, 2) NOT NULL CHECK (amount > 0),
		tx_type TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		reference_number TEXT,
		recorded_by TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_client_date
		ON transactions(client_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_method
		ON transactions(payment_method)`,

	`CREATE TABLE IF NOT EXISTS transaction_allocations (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		line_no INTEGER NOT NULL,
		order_id TEXT NOT NULL REFERENCES orders(id),
		amount_applied NUMERIC(14, 2) NOT NULL,
		PRIMARY KEY (transaction_id, line_no)
	)`,

	`CREATE TABLE IF NOT EXISTS order_payments (
		order_id TEXT NOT NULL REFERENCES orders(id),
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		amount_applied NUMERIC(14, 2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (order_id, transaction_id)
	)`,
}
