/*
Package ledger provides the credit ledger and payment allocation engine.

PURPOSE:
  This package owns the money side of the trading backend: it takes a client
  payment, splits it across that client's outstanding orders (oldest first),
  records one immutable journal entry for the payment, and keeps the cached
  client credit balance in line with what the orders still owe.

KEY CONCEPTS IN THIS FILE (types.go):
  - Order: A billed sale with a fixed total and a growing paid amount
  - Transaction: An immutable journal entry describing one payment and its split
  - Client: The account whose cached CreditBalance the engine maintains
  - PaymentStatus / PaymentMethod / TransactionType: closed enumerations

DESIGN PRINCIPLES:
  1. Immutability: Journal entries are never modified or deleted
  2. Precision: Money is decimal.Decimal with at most two fractional digits
  3. Derivation: PaymentStatus is always StatusFor(AmountPaid, TotalAmount)
  4. Reconstructibility: CreditBalance can always be recomputed from orders

SEE ALSO:
  - allocation.go: The oldest-first split algorithm
  - engine.go: ProcessPayment, Replay, Reconcile
  - projection.go: Balance recomputation
  - store.go: Persistence interfaces
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of fractional digits a money amount may carry.
const MoneyPlaces = 2

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type OrderID string
type TransactionID string

// =============================================================================
// PAYMENT STATUS - Derived from AmountPaid vs TotalAmount
// =============================================================================

type PaymentStatus string

const (
	StatusUnpaid        PaymentStatus = "Unpaid"
	StatusPartiallyPaid PaymentStatus = "Partially Paid"
	StatusPaid          PaymentStatus = "Paid"
)

// StatusFor returns the status implied by paid against total.
// An order that owes nothing is Paid, even when its total is zero.
func StatusFor(paid, total decimal.Decimal) PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(total):
		return StatusPaid
	case paid.IsZero():
		return StatusUnpaid
	default:
		return StatusPartiallyPaid
	}
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusUnpaid, StatusPartiallyPaid, StatusPaid:
		return true
	}
	return false
}

// =============================================================================
// PAYMENT METHOD / TRANSACTION TYPE
// =============================================================================

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "Cash"
	MethodOnline       PaymentMethod = "Online"
	MethodCheque       PaymentMethod = "Cheque"
	MethodBankTransfer PaymentMethod = "Bank Transfer"
)

// PaymentMethods lists every supported method in display order.
var PaymentMethods = []PaymentMethod{MethodCash, MethodOnline, MethodCheque, MethodBankTransfer}

func (m PaymentMethod) Valid() bool {
	for _, known := range PaymentMethods {
		if m == known {
			return true
		}
	}
	return false
}

// ParsePaymentMethod accepts the canonical names case-insensitively.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	s = strings.TrimSpace(s)
	for _, known := range PaymentMethods {
		if strings.EqualFold(s, string(known)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
}

type TransactionType string

const (
	TxPayment    TransactionType = "Payment"
	TxRefund     TransactionType = "Refund"
	TxCreditNote TransactionType = "CreditNote"
)

// =============================================================================
// CLIENT
// =============================================================================

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleStaff  Role = "staff"
	RoleClient Role = "client"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleStaff || r == RoleClient
}

// Client is the account record. CreditBalance is a cache of
// Σ(TotalAmount − AmountPaid) over the client's orders.
type Client struct {
	ID            ClientID
	Name          string
	Mobile        string
	Email         string
	Role          Role
	CreditBalance decimal.Decimal
	CreatedAt     time.Time
}

// =============================================================================
// ORDER
// =============================================================================

// LineItem is fixed when the order is created.
type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Order is one billed sale.
//
// INVARIANTS:
//   - 0 <= AmountPaid <= TotalAmount
//   - PaymentStatus == StatusFor(AmountPaid, TotalAmount)
//   - Version increases by one on every payment applied
type Order struct {
	ID            OrderID
	BillNumber    string
	ClientID      ClientID
	LineItems     []LineItem
	OldBalance    decimal.Decimal // carried-forward balance included in TotalAmount
	TotalAmount   decimal.Decimal
	AmountPaid    decimal.Decimal
	PaymentStatus PaymentStatus
	Version       int64
	CreatedAt     time.Time
}

// Owed returns what is still unpaid on the order.
func (o Order) Owed() decimal.Decimal {
	return o.TotalAmount.Sub(o.AmountPaid)
}

func (o Order) Outstanding() bool {
	return o.PaymentStatus != StatusPaid
}

// OrderPayment records that a journal entry applied money to an order.
// There is at most one per (OrderID, TransactionID).
type OrderPayment struct {
	OrderID       OrderID
	TransactionID TransactionID
	AmountApplied decimal.Decimal
	CreatedAt     time.Time
}

// OrderPaymentUpdate is a conditional write of an order's paid amount.
// It succeeds only if the stored order is still at ExpectedVersion and the
// transaction has not been applied to it before.
type OrderPaymentUpdate struct {
	OrderID         OrderID
	TransactionID   TransactionID
	AmountApplied   decimal.Decimal
	AmountPaid      decimal.Decimal
	PaymentStatus   PaymentStatus
	ExpectedVersion int64
	At              time.Time
}

// =============================================================================
// TRANSACTION - Immutable journal entry
// =============================================================================

type AppliedAmount struct {
	OrderID       OrderID
	AmountApplied decimal.Decimal
}

// Transaction is one payment event. Append-only.
//
// Σ AppliedToOrders[].AmountApplied <= Amount; the difference is the
// unallocated overpayment.
type Transaction struct {
	ID              TransactionID
	ClientID        ClientID
	Amount          decimal.Decimal
	Type            TransactionType
	PaymentMethod   PaymentMethod
	ReferenceNumber string // cheque or UTR number
	AppliedToOrders []AppliedAmount
	RecordedBy      string
	IdempotencyKey  string
	CreatedAt       time.Time
}

// AppliedTotal sums the split list.
func (t Transaction) AppliedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, a := range t.AppliedToOrders {
		total = total.Add(a.AmountApplied)
	}
	return total
}

// Unallocated is the part of Amount that no order absorbed.
func (t Transaction) Unallocated() decimal.Decimal {
	return t.Amount.Sub(t.AppliedTotal())
}

// TransactionFilter selects journal entries for listing. Zero values mean
// "any". Results are newest first.
type TransactionFilter struct {
	ClientID      ClientID
	PaymentMethod PaymentMethod
	Limit         int
	Offset        int
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// IsMoney reports whether d has no more than MoneyPlaces fractional digits.
func IsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyPlaces))
}

// MustMoney parses a decimal literal. Used for constants and tests.
func MustMoney(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
