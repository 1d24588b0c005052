package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Split is the planned effect of a payment on one order.
type Split struct {
	Order         Order // as read, before the payment
	AmountApplied decimal.Decimal
	AmountPaid    decimal.Decimal // after the payment
	PaymentStatus PaymentStatus   // after the payment
}

// Applied returns the order as it will look once the split is written.
func (s Split) Applied() Order {
	o := s.Order
	o.AmountPaid = s.AmountPaid
	o.PaymentStatus = s.PaymentStatus
	o.Version++
	return o
}

// Allocation is the full plan for one payment.
type Allocation struct {
	Amount      decimal.Decimal
	Splits      []Split
	Unallocated decimal.Decimal
}

// AppliedToOrders converts the plan into the journal split list.
func (a Allocation) AppliedToOrders() []AppliedAmount {
	applied := make([]AppliedAmount, len(a.Splits))
	for i, s := range a.Splits {
		applied[i] = AppliedAmount{OrderID: s.Order.ID, AmountApplied: s.AmountApplied}
	}
	return applied
}

// SortOldestFirst orders by CreatedAt ascending, ties broken by ID.
func SortOldestFirst(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

// Allocate splits amount across outstanding orders, oldest debt first.
//
// Each order is either paid off (remaining >= owed) or receives everything
// that is left. Orders that are Paid or owe nothing are skipped. Whatever no
// order absorbs is returned as Unallocated. The input slice is not modified.
func Allocate(orders []Order, amount decimal.Decimal) Allocation {
	queue := make([]Order, 0, len(orders))
	for _, o := range orders {
		if o.Outstanding() && o.Owed().IsPositive() {
			queue = append(queue, o)
		}
	}
	SortOldestFirst(queue)

	alloc := Allocation{Amount: amount}
	remaining := amount
	for _, o := range queue {
		if !remaining.IsPositive() {
			break
		}
		owed := o.Owed()
		applied := owed
		if remaining.LessThan(owed) {
			applied = remaining
		}
		paid := o.AmountPaid.Add(applied)
		alloc.Splits = append(alloc.Splits, Split{
			Order:         o,
			AmountApplied: applied,
			AmountPaid:    paid,
			PaymentStatus: StatusFor(paid, o.TotalAmount),
		})
		remaining = remaining.Sub(applied)
	}
	alloc.Unallocated = remaining
	return alloc
}
