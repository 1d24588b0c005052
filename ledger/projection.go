/*
projection.go - Client credit balance projection

PURPOSE:
  The cached Client.CreditBalance is a denormalized copy of what the orders
  still owe. The Projector recomputes it from the orders, which makes it the
  authoritative recovery path and the value shown on the client's credit view.

KEY INSIGHT:
  Recompute is read-only and takes no lock. During an in-flight allocation it
  can be momentarily stale, never wrong at rest.

SEE ALSO:
  - engine.go: Reconcile writes the recomputed value back under the client lock
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Projector computes client balances from orders.
type Projector struct {
	Store Store
}

func NewProjector(store Store) *Projector {
	return &Projector{Store: store}
}

// CreditSummary is the client credit view.
type CreditSummary struct {
	ClientID      ClientID
	CreditBalance decimal.Decimal // recomputed from orders
	CachedBalance decimal.Decimal // Client.CreditBalance as stored
	Drift         decimal.Decimal // CachedBalance − CreditBalance
	TotalOrders   int
	PaidOrders    int
	UnpaidOrders  int
}

// InSync reports whether the cached balance matches the orders.
func (s CreditSummary) InSync() bool {
	return s.Drift.IsZero()
}

// Recompute returns Σ(TotalAmount − AmountPaid) over the client's orders.
func (p *Projector) Recompute(ctx context.Context, clientID ClientID) (decimal.Decimal, error) {
	if _, err := p.Store.GetClient(ctx, clientID); err != nil {
		return decimal.Zero, err
	}
	orders, err := p.Store.ClientOrders(ctx, clientID)
	if err != nil {
		return decimal.Zero, err
	}
	return SumOwed(orders), nil
}

// Summary returns the recomputed balance alongside the cached one and order
// counts.
func (p *Projector) Summary(ctx context.Context, clientID ClientID) (CreditSummary, error) {
	client, err := p.Store.GetClient(ctx, clientID)
	if err != nil {
		return CreditSummary{}, err
	}
	orders, err := p.Store.ClientOrders(ctx, clientID)
	if err != nil {
		return CreditSummary{}, err
	}
	return summarize(client, orders), nil
}

func summarize(client *Client, orders []Order) CreditSummary {
	s := CreditSummary{
		ClientID:      client.ID,
		CreditBalance: SumOwed(orders),
		CachedBalance: client.CreditBalance,
		TotalOrders:   len(orders),
	}
	for _, o := range orders {
		if o.PaymentStatus == StatusPaid {
			s.PaidOrders++
		} else {
			s.UnpaidOrders++
		}
	}
	s.Drift = s.CachedBalance.Sub(s.CreditBalance)
	return s
}

// SumOwed adds up what the given orders still owe.
func SumOwed(orders []Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Owed())
	}
	return total
}
