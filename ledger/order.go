package ledger

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewBillNumber returns a human-readable bill number for an order created at t.
func NewBillNumber(t time.Time) string {
	return fmt.Sprintf("BILL-%d-%03d", t.UnixMilli(), rand.IntN(1000))
}

// PrepareOrder validates a new order from the order collaborator and fills
// in the derived fields: line totals, TotalAmount (line items plus
// OldBalance), a zero AmountPaid, its status and version. Missing ids, bill
// numbers and timestamps are generated.
func PrepareOrder(o Order, now time.Time) (Order, error) {
	if strings.TrimSpace(string(o.ClientID)) == "" {
		return Order{}, ErrMissingClient
	}
	if len(o.LineItems) == 0 {
		return Order{}, fmt.Errorf("%w: at least one line item is required", ErrInvalidOrder)
	}
	if o.OldBalance.IsNegative() || !IsMoney(o.OldBalance) {
		return Order{}, fmt.Errorf("%w: old balance %s", ErrInvalidOrder, o.OldBalance)
	}

	items := make([]LineItem, len(o.LineItems))
	total := o.OldBalance
	for i, item := range o.LineItems {
		if strings.TrimSpace(item.ProductID) == "" {
			return Order{}, fmt.Errorf("%w: line %d has no product", ErrInvalidOrder, i+1)
		}
		if item.Quantity < 1 {
			return Order{}, fmt.Errorf("%w: line %d quantity %d", ErrInvalidOrder, i+1, item.Quantity)
		}
		if item.UnitPrice.IsNegative() || !IsMoney(item.UnitPrice) {
			return Order{}, fmt.Errorf("%w: line %d unit price %s", ErrInvalidOrder, i+1, item.UnitPrice)
		}
		lineTotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if !item.LineTotal.IsZero() && !item.LineTotal.Equal(lineTotal) {
			return Order{}, fmt.Errorf("%w: line %d total %s, expected %s", ErrInvalidOrder, i+1, item.LineTotal, lineTotal)
		}
		item.LineTotal = lineTotal
		items[i] = item
		total = total.Add(lineTotal)
	}
	if !o.TotalAmount.IsZero() && !o.TotalAmount.Equal(total) {
		return Order{}, fmt.Errorf("%w: total %s, line items and old balance add up to %s", ErrInvalidOrder, o.TotalAmount, total)
	}

	if o.ID == "" {
		o.ID = OrderID(uuid.NewString())
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.BillNumber == "" {
		o.BillNumber = NewBillNumber(o.CreatedAt)
	}
	o.LineItems = items
	o.TotalAmount = total
	o.AmountPaid = decimal.Zero
	o.PaymentStatus = StatusFor(o.AmountPaid, total)
	o.Version = 0
	return o, nil
}

// ApplyPayment checks a conditional payment write against the stored order
// and returns the order as it looks after the write. Stores call it before
// persisting an OrderPaymentUpdate.
func ApplyPayment(o Order, upd OrderPaymentUpdate) (Order, error) {
	if o.Version != upd.ExpectedVersion {
		return Order{}, fmt.Errorf("%w: order %s at version %d, expected %d",
			ErrConcurrentModification, o.ID, o.Version, upd.ExpectedVersion)
	}
	if !upd.AmountApplied.IsPositive() {
		return Order{}, fmt.Errorf("%w: applied amount %s", ErrInvalidAmount, upd.AmountApplied)
	}
	if !upd.AmountPaid.Equal(o.AmountPaid.Add(upd.AmountApplied)) {
		return Order{}, fmt.Errorf("%w: order %s paid %s + applied %s != %s",
			ErrConcurrentModification, o.ID, o.AmountPaid, upd.AmountApplied, upd.AmountPaid)
	}
	if upd.AmountPaid.GreaterThan(o.TotalAmount) {
		return Order{}, fmt.Errorf("%w: order %s total %s, paid %s", ErrOverpayOrder, o.ID, o.TotalAmount, upd.AmountPaid)
	}
	if upd.PaymentStatus != StatusFor(upd.AmountPaid, o.TotalAmount) {
		return Order{}, fmt.Errorf("%w: status %q does not match paid %s of %s",
			ErrInvalidOrder, upd.PaymentStatus, upd.AmountPaid, o.TotalAmount)
	}
	o.AmountPaid = upd.AmountPaid
	o.PaymentStatus = upd.PaymentStatus
	o.Version++
	return o, nil
}
