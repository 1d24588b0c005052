/*
Package sqlstore provides a database/sql implementation of the ledger storage
interfaces, shared by the SQLite and PostgreSQL backends.

PURPOSE:
  Implements ledger.TxStore and ledger.Registry on top of *sql.DB. The two
  backends differ only in their Dialect: placeholder syntax, column types,
  row locking and how a unique-constraint violation is reported.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on transactions or transaction_allocations
  - order_payments rows are only ever inserted

KEY TABLES:
  clients:                 Accounts and their cached credit balance
  orders / order_items:    Billed sales, versioned for conditional updates
  transactions:            Immutable payment journal
  transaction_allocations: The per-order split of each journal entry
  order_payments:          One row per (order, journal entry) application

CONCURRENCY:
  Every multi-statement write runs in a database transaction. Inside WithTx
  the client and order rows are read with the dialect's row lock (FOR UPDATE
  on PostgreSQL), and order updates are conditional on the version column.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/sqlite, store/postgres: Dialects and schemas
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string

	// Schema statements, executed in order by Migrate.
	Schema []string

	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// LockSuffix is appended to row reads made inside WithTx.
	LockSuffix string

	// IsUniqueViolation reports whether err is a unique or primary key
	// constraint failure.
	IsUniqueViolation func(err error) bool

	// Timestamp converts a time into the value bound for timestamp columns.
	Timestamp func(t time.Time) any
}

// rebind rewrites ? placeholders into the dialect's syntax.
func (d Dialect) rebind(query string) string {
	if d.Placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store implements ledger.TxStore and ledger.Registry.
type Store struct {
	db      *sql.DB // writes and transactions
	read    *sql.DB // reads outside WithTx; db unless WithReadPool is used
	dialect Dialect
}

var (
	_ ledger.TxStore  = (*Store)(nil)
	_ ledger.Registry = (*Store)(nil)
)

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, read: db, dialect: dialect}
}

// WithReadPool serves reads made outside WithTx from read. Used by backends
// whose write pool is deliberately small.
func (s *Store) WithReadPool(read *sql.DB) *Store {
	s.read = read
	return s
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// DB exposes the underlying handle (health checks, tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connections.
func (s *Store) Close() error {
	if s.read != s.db {
		return errors.Join(s.read.Close(), s.db.Close())
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.read != s.db {
		if err := s.read.PingContext(ctx); err != nil {
			return err
		}
	}
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.inTx(ctx, func(c *conn) error { return fn(c) })
}

func (s *Store) inTx(ctx context.Context, fn func(*conn) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, d: &s.dialect, locking: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) reader() *conn {
	return &conn{q: s.read, d: &s.dialect}
}

func (s *Store) writer() *conn {
	return &conn{q: s.db, d: &s.dialect}
}

// =============================================================================
// READS - Straight to the read pool
// =============================================================================

func (s *Store) GetClient(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	return s.reader().GetClient(ctx, id)
}

func (s *Store) OutstandingOrders(ctx context.Context, clientID ledger.ClientID) ([]ledger.Order, error) {
	return s.reader().OutstandingOrders(ctx, clientID)
}

func (s *Store) ClientOrders(ctx context.Context, clientID ledger.ClientID) ([]ledger.Order, error) {
	return s.reader().ClientOrders(ctx, clientID)
}

func (s *Store) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	return s.reader().GetOrder(ctx, id)
}

func (s *Store) OrderPayments(ctx context.Context, orderID ledger.OrderID) ([]ledger.OrderPayment, error) {
	return s.reader().OrderPayments(ctx, orderID)
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return s.reader().GetTransaction(ctx, id)
}

func (s *Store) FindTransactionByKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return s.reader().FindTransactionByKey(ctx, key)
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	return s.reader().ListTransactions(ctx, filter)
}

func (s *Store) ListClients(ctx context.Context) ([]ledger.Client, error) {
	return s.reader().listClients(ctx)
}

// =============================================================================
// WRITES - Each in its own transaction
// =============================================================================

func (s *Store) UpdateOrderPayment(ctx context.Context, upd ledger.OrderPaymentUpdate) error {
	return s.inTx(ctx, func(c *conn) error { return c.UpdateOrderPayment(ctx, upd) })
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return s.inTx(ctx, func(c *conn) error { return c.AppendTransaction(ctx, tx) })
}

func (s *Store) AdjustCreditBalance(ctx context.Context, clientID ledger.ClientID, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.inTx(ctx, func(c *conn) error {
		var err error
		balance, err = c.AdjustCreditBalance(ctx, clientID, delta)
		return err
	})
	return balance, err
}

func (s *Store) SetCreditBalance(ctx context.Context, clientID ledger.ClientID, balance decimal.Decimal) error {
	return s.inTx(ctx, func(c *conn) error { return c.SetCreditBalance(ctx, clientID, balance) })
}

// SaveClient creates or replaces a client record.
func (s *Store) SaveClient(ctx context.Context, client ledger.Client) error {
	return s.writer().saveClient(ctx, client)
}

// CreateClient inserts a new client. ErrClientExists if the id is taken.
func (s *Store) CreateClient(ctx context.Context, client ledger.Client) error {
	return s.writer().createClient(ctx, client)
}

// CreateOrder stores a prepared order with its line items and adds its total
// to the client's cached balance.
func (s *Store) CreateOrder(ctx context.Context, o ledger.Order) error {
	return s.inTx(ctx, func(c *conn) error { return c.createOrder(ctx, o) })
}

// =============================================================================
// CONN - Statements against a pool or a transaction
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn is the ledger.Store handed to WithTx callbacks. Multi-statement
// writes on a conn assume q is a transaction.
type conn struct {
	q       queryer
	d       *Dialect
	locking bool
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) lock() string {
	if c.locking {
		return c.d.LockSuffix
	}
	return ""
}

func (c *conn) ts(t time.Time) any {
	return c.d.Timestamp(t.UTC())
}

// -----------------------------------------------------------------------------
// Clients
// -----------------------------------------------------------------------------

const clientColumns = `id, name, mobile, email, role, credit_balance, created_at`

func (c *conn) GetClient(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	row := c.queryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`+c.lock(), id)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrClientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &client, nil
}

func (c *conn) listClients(ctx context.Context) ([]ledger.Client, error) {
	rows, err := c.query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []ledger.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

func (c *conn) saveClient(ctx context.Context, client ledger.Client) error {
	_, err := c.exec(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			mobile = excluded.mobile,
			email = excluded.email,
			role = excluded.role,
			credit_balance = excluded.credit_balance`,
		client.ID, client.Name, client.Mobile, client.Email, client.Role,
		client.CreditBalance, c.ts(client.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

func (c *conn) createClient(ctx context.Context, client ledger.Client) error {
	_, err := c.exec(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.Mobile, client.Email, client.Role,
		client.CreditBalance, c.ts(client.CreatedAt),
	)
	if err != nil {
		if c.d.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ledger.ErrClientExists, client.ID)
		}
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

func (c *conn) AdjustCreditBalance(ctx context.Context, clientID ledger.ClientID, delta decimal.Decimal) (decimal.Decimal, error) {
	var current decimal.Decimal
	err := c.queryRow(ctx, `SELECT credit_balance FROM clients WHERE id = ?`+c.lock(), clientID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ledger.ErrClientNotFound, clientID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read credit balance: %w", err)
	}
	balance := decimal.Max(decimal.Zero, current.Add(delta))
	if err := c.SetCreditBalance(ctx, clientID, balance); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (c *conn) SetCreditBalance(ctx context.Context, clientID ledger.ClientID, balance decimal.Decimal) error {
	res, err := c.exec(ctx, `UPDATE clients SET credit_balance = ? WHERE id = ?`, balance, clientID)
	if err != nil {
		return fmt.Errorf("failed to update credit balance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrClientNotFound, clientID)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Orders
// -----------------------------------------------------------------------------

const orderColumns = `id, bill_number, client_id, old_balance, total_amount, amount_paid, payment_status, version, created_at`

func (c *conn) OutstandingOrders(ctx context.Context, clientID ledger.ClientID) ([]ledger.Order, error) {
	return c.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE client_id = ? AND payment_status <> ?
		ORDER BY created_at ASC, id ASC`,
		clientID, ledger.StatusPaid)
}

func (c *conn) ClientOrders(ctx context.Context, clientID ledger.ClientID) ([]ledger.Order, error) {
	return c.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE client_id = ?
		ORDER BY created_at ASC, id ASC`,
		clientID)
}

func (c *conn) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	o, err := scanOrder(c.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`+c.lock(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if o.LineItems, err = c.lineItems(ctx, o.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *conn) queryOrders(ctx context.Context, query string, args ...any) ([]ledger.Order, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	var orders []ledger.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Line items are loaded after the order cursor is closed; a transaction
	// holds a single connection.
	for i := range orders {
		if orders[i].LineItems, err = c.lineItems(ctx, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (c *conn) lineItems(ctx context.Context, orderID ledger.OrderID) ([]ledger.LineItem, error) {
	rows, err := c.query(ctx, `
		SELECT product_id, quantity, unit_price, line_total
		FROM order_items WHERE order_id = ? ORDER BY line_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	var items []ledger.LineItem
	for rows.Next() {
		var item ledger.LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (c *conn) createOrder(ctx context.Context, o ledger.Order) error {
	client, err := c.GetClient(ctx, o.ClientID)
	if err != nil {
		return err
	}

	var exists int
	err = c.queryRow(ctx, `SELECT COUNT(*) FROM orders WHERE id = ? OR bill_number = ?`, o.ID, o.BillNumber).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check order: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: order %s or bill %s", ledger.ErrDuplicateBillNumber, o.ID, o.BillNumber)
	}

	_, err = c.exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BillNumber, o.ClientID, o.OldBalance, o.TotalAmount, o.AmountPaid,
		o.PaymentStatus, o.Version, c.ts(o.CreatedAt),
	)
	if err != nil {
		if c.d.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateBillNumber, o.BillNumber)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i, item := range o.LineItems {
		_, err := c.exec(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, quantity, unit_price, line_total)
			VALUES (?, ?, ?, ?, ?, ?)`,
			o.ID, i+1, item.ProductID, item.Quantity, item.UnitPrice, item.LineTotal,
		)
		if err != nil {
			return fmt.Errorf("failed to insert line item: %w", err)
		}
	}

	_, err = c.AdjustCreditBalance(ctx, client.ID, o.Owed())
	return err
}

// UpdateOrderPayment checks the update against the stored row, then writes it
// conditionally on the version that was checked.
func (c *conn) UpdateOrderPayment(ctx context.Context, upd ledger.OrderPaymentUpdate) error {
	o, err := scanOrder(c.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`+c.lock(), upd.OrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, upd.OrderID)
	}
	if err != nil {
		return fmt.Errorf("failed to read order: %w", err)
	}

	applied, err := c.hasPayment(ctx, upd.OrderID, upd.TransactionID)
	if err != nil {
		return err
	}
	if applied {
		return ledger.ErrPaymentAlreadyApplied
	}

	next, err := ledger.ApplyPayment(o, upd)
	if err != nil {
		return err
	}

	res, err := c.exec(ctx, `
		UPDATE orders SET amount_paid = ?, payment_status = ?, version = ?
		WHERE id = ? AND version = ?`,
		next.AmountPaid, next.PaymentStatus, next.Version, o.ID, upd.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: order %s changed since version %d", ledger.ErrConcurrentModification, o.ID, upd.ExpectedVersion)
	}

	_, err = c.exec(ctx, `
		INSERT INTO order_payments (order_id, transaction_id, amount_applied, created_at)
		VALUES (?, ?, ?, ?)`,
		upd.OrderID, upd.TransactionID, upd.AmountApplied, c.ts(upd.At),
	)
	if err != nil {
		if c.d.IsUniqueViolation(err) {
			return ledger.ErrPaymentAlreadyApplied
		}
		return fmt.Errorf("failed to record order payment: %w", err)
	}
	return nil
}

func (c *conn) hasPayment(ctx context.Context, orderID ledger.OrderID, txID ledger.TransactionID) (bool, error) {
	var count int
	err := c.queryRow(ctx, `
		SELECT COUNT(*) FROM order_payments WHERE order_id = ? AND transaction_id = ?`,
		orderID, txID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check order payment: %w", err)
	}
	return count > 0, nil
}

func (c *conn) OrderPayments(ctx context.Context, orderID ledger.OrderID) ([]ledger.OrderPayment, error) {
	rows, err := c.query(ctx, `
		SELECT order_id, transaction_id, amount_applied, created_at
		FROM order_payments WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order payments: %w", err)
	}
	defer rows.Close()

	var payments []ledger.OrderPayment
	for rows.Next() {
		var (
			p  ledger.OrderPayment
			at timestamp
		)
		if err := rows.Scan(&p.OrderID, &p.TransactionID, &p.AmountApplied, &at); err != nil {
			return nil, fmt.Errorf("failed to scan order payment: %w", err)
		}
		p.CreatedAt = at.Time
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

const transactionColumns = `id, client_id, amount, tx_type, payment_method, reference_number, recorded_by, idempotency_key, created_at`

// AppendTransaction inserts the journal entry and its split.
func (c *conn) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := c.exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.ClientID, tx.Amount, tx.Type, tx.PaymentMethod,
		tx.ReferenceNumber, tx.RecordedBy, nullString(tx.IdempotencyKey), c.ts(tx.CreatedAt),
	)
	if err != nil {
		if c.d.IsUniqueViolation(err) && tx.IdempotencyKey != "" {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	for i, a := range tx.AppliedToOrders {
		_, err := c.exec(ctx, `
			INSERT INTO transaction_allocations (transaction_id, line_no, order_id, amount_applied)
			VALUES (?, ?, ?, ?)`,
			tx.ID, i+1, a.OrderID, a.AmountApplied,
		)
		if err != nil {
			return fmt.Errorf("failed to append allocation: %w", err)
		}
	}
	return nil
}

func (c *conn) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, err := c.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	return tx, err
}

func (c *conn) FindTransactionByKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	tx, err := c.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func (c *conn) getTransaction(ctx context.Context, query string, arg any) (*ledger.Transaction, error) {
	tx, err := scanTransaction(c.queryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if tx.AppliedToOrders, err = c.allocations(ctx, tx.ID); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *conn) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.PaymentMethod != "" {
		where = append(where, "payment_method = ?")
		args = append(args, filter.PaymentMethod)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := c.queryRow(ctx, `SELECT COUNT(*) FROM transactions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := c.query(ctx, `
		SELECT `+transactionColumns+` FROM transactions`+clause+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		append(args, limit, max(filter.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for i := range txs {
		if txs[i].AppliedToOrders, err = c.allocations(ctx, txs[i].ID); err != nil {
			return nil, 0, err
		}
	}
	return txs, total, nil
}

func (c *conn) allocations(ctx context.Context, id ledger.TransactionID) ([]ledger.AppliedAmount, error) {
	rows, err := c.query(ctx, `
		SELECT order_id, amount_applied
		FROM transaction_allocations WHERE transaction_id = ? ORDER BY line_no`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var applied []ledger.AppliedAmount
	for rows.Next() {
		var a ledger.AppliedAmount
		if err := rows.Scan(&a.OrderID, &a.AmountApplied); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (ledger.Client, error) {
	var (
		c         ledger.Client
		mobile    sql.NullString
		email     sql.NullString
		createdAt timestamp
	)
	err := row.Scan(&c.ID, &c.Name, &mobile, &email, &c.Role, &c.CreditBalance, &createdAt)
	c.Mobile = mobile.String
	c.Email = email.String
	c.CreatedAt = createdAt.Time
	return c, err
}

func scanOrder(row scanner) (ledger.Order, error) {
	var (
		o         ledger.Order
		createdAt timestamp
	)
	err := row.Scan(&o.ID, &o.BillNumber, &o.ClientID, &o.OldBalance, &o.TotalAmount,
		&o.AmountPaid, &o.PaymentStatus, &o.Version, &createdAt)
	o.CreatedAt = createdAt.Time
	return o, err
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx             ledger.Transaction
		reference      sql.NullString
		idempotencyKey sql.NullString
		createdAt      timestamp
	)
	err := row.Scan(&tx.ID, &tx.ClientID, &tx.Amount, &tx.Type, &tx.PaymentMethod,
		&reference, &tx.RecordedBy, &idempotencyKey, &createdAt)
	tx.ReferenceNumber = reference.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = createdAt.Time
	return tx, err
}

// timestamp scans native time values as well as the text form used by
// SQLite.
type timestamp struct {
	time.Time
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (t *timestamp) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// TextTimestamp formats times as fixed-width UTC text so that they sort
// lexically in the same order as chronologically.
func TextTimestamp(t time.Time) any {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
