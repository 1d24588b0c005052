/*
store.go - Persistence interfaces for orders, the journal and client balances

PURPOSE:
  Defines the narrow surface the engine borrows from storage during one
  allocation. Implementations live in ledger/store (memory), store/sqlite and
  store/postgres.

KEY INTERFACES:
  Store:    Reads, conditional order updates, journal append, balance patch
  TxStore:  Store plus WithTx for all-or-nothing allocations
  Registry: Collaborator-facing writes (clients, new orders)

APPEND-ONLY CONTRACT:
  The journal has AppendTransaction and reads. There is no update or delete.

CONDITIONAL UPDATES:
  UpdateOrderPayment carries the order Version the engine read. A mismatch
  returns ErrConcurrentModification and nothing is written. A second
  application of the same journal entry to the same order returns
  ErrPaymentAlreadyApplied.

SEE ALSO:
  - engine.go: Uses TxStore when available, journal-first otherwise
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// GetClient returns ErrClientNotFound for unknown ids.
	GetClient(ctx context.Context, id ClientID) (*Client, error)

	// OutstandingOrders returns the client's orders whose status is not Paid,
	// in any stable order.
	OutstandingOrders(ctx context.Context, clientID ClientID) ([]Order, error)

	// ClientOrders returns every order of the client, oldest first.
	ClientOrders(ctx context.Context, clientID ClientID) ([]Order, error)

	// GetOrder returns ErrOrderNotFound for unknown ids.
	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	// UpdateOrderPayment conditionally writes an order's paid amount and
	// records the (order, transaction) application.
	UpdateOrderPayment(ctx context.Context, upd OrderPaymentUpdate) error

	// OrderPayments lists the journal entries applied to an order.
	OrderPayments(ctx context.Context, orderID OrderID) ([]OrderPayment, error)

	// AppendTransaction adds a journal entry. Returns
	// ErrDuplicateIdempotencyKey when the key is taken.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns ErrTransactionNotFound for unknown ids.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// FindTransactionByKey returns (nil, nil) when no entry has the key.
	FindTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)

	// ListTransactions returns one page of journal entries, newest first, and
	// the total number of entries matching the filter.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)

	// AdjustCreditBalance adds delta to the cached balance, flooring the
	// result at zero, and returns the new balance.
	AdjustCreditBalance(ctx context.Context, clientID ClientID, delta decimal.Decimal) (decimal.Decimal, error)

	// SetCreditBalance overwrites the cached balance (repair path).
	SetCreditBalance(ctx context.Context, clientID ClientID, balance decimal.Decimal) error
}

// TxStore runs fn in one storage transaction. If fn returns an error nothing
// fn wrote is visible to anyone; otherwise everything is committed together.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// REGISTRY - Collaborator-facing writes
// =============================================================================

// Registry is used by the client and order collaborators. CreateOrder adds
// the new order's TotalAmount to the client's cached balance in the same
// write.
type Registry interface {
	// CreateClient inserts a new client; ErrClientExists if the id is taken.
	CreateClient(ctx context.Context, c Client) error
	// SaveClient creates or replaces a client record.
	SaveClient(ctx context.Context, c Client) error
	ListClients(ctx context.Context) ([]Client, error)
	CreateOrder(ctx context.Context, o Order) error
}
