// Package storetest is a conformance suite for ledger store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
)

// Backend is what a full store offers: the engine side and the collaborator
// side.
type Backend interface {
	ledger.TxStore
	ledger.Registry
}

// Run exercises open's store against the ledger.Store contract. open must
// return an empty store.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Backend)
	}{
		{"Clients", testClients},
		{"CreateClientIsInsertOnly", testCreateClient},
		{"CreateOrderAddsToBalance", testCreateOrder},
		{"UpdateOrderPaymentIsConditional", testUpdateOrderPayment},
		{"JournalAppendAndLookup", testJournal},
		{"ListTransactions", testListTransactions},
		{"CreditBalanceFloorsAtZero", testCreditBalance},
		{"WithTxRollsBack", testWithTxRollback},
		{"EngineAllocatesOldestFirst", testEngine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

var base = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func money(s string) decimal.Decimal {
	return ledger.MustMoney(s)
}

// AssertMoney compares amounts by value, ignoring the stored scale.
func AssertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	msg := fmt.Sprintf("want %s, got %s", want, got)
	if len(msgAndArgs) > 0 {
		msg += ": " + fmt.Sprint(msgAndArgs...)
	}
	assert.True(t, money(want).Equal(got), msg)
}

func seedClient(t *testing.T, s Backend, id ledger.ClientID) {
	t.Helper()
	require.NoError(t, s.SaveClient(context.Background(), ledger.Client{
		ID:            id,
		Name:          "Client " + string(id),
		Mobile:        "9000000000",
		Role:          ledger.RoleClient,
		CreditBalance: decimal.Zero,
		CreatedAt:     base,
	}))
}

func seedOrder(t *testing.T, s Backend, client ledger.ClientID, id ledger.OrderID, total string, age time.Duration) ledger.Order {
	t.Helper()
	o, err := ledger.PrepareOrder(ledger.Order{
		ID:         id,
		BillNumber: "BILL-" + string(id),
		ClientID:   client,
		LineItems: []ledger.LineItem{
			{ProductID: "cement", Quantity: 1, UnitPrice: money(total)},
		},
	}, base.Add(age))
	require.NoError(t, err)
	require.NoError(t, s.CreateOrder(context.Background(), o))
	return o
}

func payment(id ledger.TransactionID, client ledger.ClientID, amount string, applied ...ledger.AppliedAmount) ledger.Transaction {
	return ledger.Transaction{
		ID:              id,
		ClientID:        client,
		Amount:          money(amount),
		Type:            ledger.TxPayment,
		PaymentMethod:   ledger.MethodCash,
		AppliedToOrders: applied,
		RecordedBy:      "staff-1",
		CreatedAt:       base,
	}
}

// =============================================================================
// CASES
// =============================================================================

func testClients(t *testing.T, s Backend) {
	ctx := context.Background()
	seedClient(t, s, "c-1")

	c, err := s.GetClient(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Client c-1", c.Name)
	assert.Equal(t, ledger.RoleClient, c.Role)
	assert.True(t, c.CreatedAt.Equal(base))
	AssertMoney(t, "0", c.CreditBalance)

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)

	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 1)
}

func testCreateClient(t *testing.T, s Backend) {
	// GIVEN: A client created and billed
	// WHEN: The same id is created again
	// THEN: ErrClientExists, and the cached balance is untouched

	ctx := context.Background()
	c := ledger.Client{ID: "c-1", Name: "Acme", Role: ledger.RoleClient, CreatedAt: base}
	require.NoError(t, s.CreateClient(ctx, c))
	seedOrder(t, s, "c-1", "o-1", "100", 0)

	c.Name = "Impostor"
	err := s.CreateClient(ctx, c)
	assert.ErrorIs(t, err, ledger.ErrClientExists)

	got, err := s.GetClient(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	AssertMoney(t, "100", got.CreditBalance)
}

func testCreateOrder(t *testing.T, s Backend) {
	// GIVEN: A client with two orders created out of chronological order
	// WHEN: Listing orders
	// THEN: Oldest comes first and the cached balance holds both totals

	ctx := context.Background()
	seedClient(t, s, "c-1")
	seedOrder(t, s, "c-1", "o-new", "50", time.Hour)
	seedOrder(t, s, "c-1", "o-old", "100", 0)

	c, err := s.GetClient(ctx, "c-1")
	require.NoError(t, err)
	AssertMoney(t, "150", c.CreditBalance)

	orders, err := s.ClientOrders(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, ledger.OrderID("o-old"), orders[0].ID)
	assert.Equal(t, ledger.OrderID("o-new"), orders[1].ID)
	assert.Equal(t, ledger.StatusUnpaid, orders[0].PaymentStatus)
	require.Len(t, orders[0].LineItems, 1)
	AssertMoney(t, "100", orders[0].LineItems[0].LineTotal)

	o, err := s.GetOrder(ctx, "o-new")
	require.NoError(t, err)
	AssertMoney(t, "50", o.TotalAmount)
	assert.Equal(t, "BILL-o-new", o.BillNumber)

	dup := ledger.Order{ID: "o-dup", BillNumber: "BILL-o-new", ClientID: "c-1", TotalAmount: money("1"), PaymentStatus: ledger.StatusUnpaid, CreatedAt: base}
	assert.ErrorIs(t, s.CreateOrder(ctx, dup), ledger.ErrDuplicateBillNumber)

	orphan := ledger.Order{ID: "o-x", BillNumber: "BILL-x", ClientID: "nobody", TotalAmount: money("1"), PaymentStatus: ledger.StatusUnpaid, CreatedAt: base}
	assert.ErrorIs(t, s.CreateOrder(ctx, orphan), ledger.ErrClientNotFound)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)
}

func testUpdateOrderPayment(t *testing.T, s Backend) {
	ctx := context.Background()
	seedClient(t, s, "c-1")
	seedOrder(t, s, "c-1", "o-1", "100", 0)
	require.NoError(t, s.AppendTransaction(ctx, payment("tx-1", "c-1", "40")))
	require.NoError(t, s.AppendTransaction(ctx, payment("tx-2", "c-1", "70")))

	upd := ledger.OrderPaymentUpdate{
		OrderID:         "o-1",
		TransactionID:   "tx-1",
		AmountApplied:   money("40"),
		AmountPaid:      money("40"),
		PaymentStatus:   ledger.StatusPartiallyPaid,
		ExpectedVersion: 0,
		At:              base,
	}
	require.NoError(t, s.UpdateOrderPayment(ctx, upd))

	o, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	AssertMoney(t, "40", o.AmountPaid)
	assert.Equal(t, ledger.StatusPartiallyPaid, o.PaymentStatus)
	assert.Equal(t, int64(1), o.Version)

	// Same journal entry again
	assert.ErrorIs(t, s.UpdateOrderPayment(ctx, upd), ledger.ErrPaymentAlreadyApplied)

	// Stale version
	stale := upd
	stale.TransactionID = "tx-2"
	assert.ErrorIs(t, s.UpdateOrderPayment(ctx, stale), ledger.ErrConcurrentModification)

	// Beyond the total
	over := ledger.OrderPaymentUpdate{
		OrderID:         "o-1",
		TransactionID:   "tx-2",
		AmountApplied:   money("70"),
		AmountPaid:      money("110"),
		PaymentStatus:   ledger.StatusPaid,
		ExpectedVersion: 1,
		At:              base,
	}
	assert.ErrorIs(t, s.UpdateOrderPayment(ctx, over), ledger.ErrOverpayOrder)

	o, err = s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	AssertMoney(t, "40", o.AmountPaid, "rejected updates must not write")

	payments, err := s.OrderPayments(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, ledger.TransactionID("tx-1"), payments[0].TransactionID)
	AssertMoney(t, "40", payments[0].AmountApplied)
}

func testJournal(t *testing.T, s Backend) {
	ctx := context.Background()
	seedClient(t, s, "c-1")
	seedOrder(t, s, "c-1", "o-1", "100", 0)
	seedOrder(t, s, "c-1", "o-2", "50", time.Hour)

	tx := payment("tx-1", "c-1", "120",
		ledger.AppliedAmount{OrderID: "o-1", AmountApplied: money("100")},
		ledger.AppliedAmount{OrderID: "o-2", AmountApplied: money("20")},
	)
	tx.ReferenceNumber = "UTR123"
	tx.IdempotencyKey = "key-1"
	require.NoError(t, s.AppendTransaction(ctx, tx))

	got, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	AssertMoney(t, "120", got.Amount)
	assert.Equal(t, "UTR123", got.ReferenceNumber)
	assert.Equal(t, ledger.TxPayment, got.Type)
	require.Len(t, got.AppliedToOrders, 2)
	assert.Equal(t, ledger.OrderID("o-1"), got.AppliedToOrders[0].OrderID)
	AssertMoney(t, "20", got.AppliedToOrders[1].AmountApplied)

	byKey, err := s.FindTransactionByKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, ledger.TransactionID("tx-1"), byKey.ID)

	none, err := s.FindTransactionByKey(ctx, "key-unknown")
	require.NoError(t, err)
	assert.Nil(t, none)

	again := payment("tx-2", "c-1", "120")
	again.IdempotencyKey = "key-1"
	assert.ErrorIs(t, s.AppendTransaction(ctx, again), ledger.ErrDuplicateIdempotencyKey)

	_, err = s.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func testListTransactions(t *testing.T, s Backend) {
	ctx := context.Background()
	seedClient(t, s, "c-1")
	seedClient(t, s, "c-2")

	for i := 0; i < 5; i++ {
		tx := payment(ledger.TransactionID(fmt.Sprintf("tx-%d", i)), "c-1", "10")
		tx.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			tx.PaymentMethod = ledger.MethodOnline
		}
		require.NoError(t, s.AppendTransaction(ctx, tx))
	}
	other := payment("tx-other", "c-2", "10")
	require.NoError(t, s.AppendTransaction(ctx, other))

	page, total, err := s.ListTransactions(ctx, ledger.TransactionFilter{ClientID: "c-1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ledger.TransactionID("tx-4"), page[0].ID, "newest first")
	assert.Equal(t, ledger.TransactionID("tx-3"), page[1].ID)

	page, _, err = s.ListTransactions(ctx, ledger.TransactionFilter{ClientID: "c-1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ledger.TransactionID("tx-0"), page[0].ID)

	page, total, err = s.ListTransactions(ctx, ledger.TransactionFilter{PaymentMethod: ledger.MethodOnline})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, page, 2)

	_, total, err = s.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func testCreditBalance(t *testing.T, s Backend) {
	ctx := context.Background()
	seedClient(t, s, "c-1")
	seedOrder(t, s, "c-1", "o-1", "30", 0)

	balance, err := s.AdjustCreditBalance(ctx, "c-1", money("-10.50"))
	require.NoError(t, err)
	AssertMoney(t, "19.50", balance)

	balance, err = s.AdjustCreditBalance(ctx, "c-1", money("-100"))
	require.NoError(t, err)
	AssertMoney(t, "0", balance, "balance never goes negative")

	require.NoError(t, s.SetCreditBalance(ctx, "c-1", money("30")))
	c, err := s.GetClient(ctx, "c-1")
	require.NoError(t, err)
	AssertMoney(t, "30", c.CreditBalance)

	_, err = s.AdjustCreditBalance(ctx, "missing", money("1"))
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)
}

func testWithTxRollback(t *testing.T, s Backend) {
	// GIVEN: A transaction that appends, updates an order and adjusts the balance
	// WHEN: The callback fails at the end
	// THEN: None of the writes are visible

	ctx := context.Background()
	seedClient(t, s, "c-1")
	seedOrder(t, s, "c-1", "o-1", "100", 0)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.AppendTransaction(ctx, payment("tx-1", "c-1", "100",
			ledger.AppliedAmount{OrderID: "o-1", AmountApplied: money("100")})); err != nil {
			return err
		}
		if err := tx.UpdateOrderPayment(ctx, ledger.OrderPaymentUpdate{
			OrderID: "o-1", TransactionID: "tx-1",
			AmountApplied: money("100"), AmountPaid: money("100"),
			PaymentStatus: ledger.StatusPaid, ExpectedVersion: 0, At: base,
		}); err != nil {
			return err
		}
		if _, err := tx.AdjustCreditBalance(ctx, "c-1", money("-100")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetTransaction(ctx, "tx-1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	o, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	AssertMoney(t, "0", o.AmountPaid)
	assert.Equal(t, int64(0), o.Version)

	payments, err := s.OrderPayments(ctx, "o-1")
	require.NoError(t, err)
	assert.Empty(t, payments)

	c, err := s.GetClient(ctx, "c-1")
	require.NoError(t, err)
	AssertMoney(t, "100", c.CreditBalance)
}

func testEngine(t *testing.T, s Backend) {
	// GIVEN: Orders of 100 (older) and 50, balance 150
	// WHEN: A payment of 120 is processed
	// THEN: The older order is paid, the newer one gets 20, balance is 30

	ctx := context.Background()
	seedClient(t, s, "c-1")
	seedOrder(t, s, "c-1", "o-2", "50", time.Hour)
	seedOrder(t, s, "c-1", "o-1", "100", 0)

	engine := ledger.NewEngine(s)
	res, err := engine.ProcessPayment(ctx, ledger.PaymentRequest{
		ClientID:   "c-1",
		Amount:     money("120"),
		Method:     ledger.MethodCheque,
		Reference:  "CHQ-1",
		RecordedBy: "staff-1",
	})
	require.NoError(t, err)
	AssertMoney(t, "30", res.NewBalance)
	require.Len(t, res.UpdatedOrders, 2)

	o1, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, o1.PaymentStatus)
	o2, err := s.GetOrder(ctx, "o-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartiallyPaid, o2.PaymentStatus)
	AssertMoney(t, "20", o2.AmountPaid)

	summary, err := ledger.NewProjector(s).Summary(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, summary.InSync())
	assert.Equal(t, 1, summary.PaidOrders)
	assert.Equal(t, 1, summary.UnpaidOrders)

	entry, err := s.GetTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	AssertMoney(t, "120", entry.Amount)
	assert.Len(t, entry.AppliedToOrders, 2)
}
