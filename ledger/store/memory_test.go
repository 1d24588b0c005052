package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
	"github.com/warp/credit-ledger/store/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return store.NewMemory()
	})
}

func seed(t *testing.T, m *store.Memory, client ledger.ClientID, order ledger.OrderID, total string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.SaveClient(ctx, ledger.Client{ID: client, Name: string(client), Role: ledger.RoleClient}))
	o, err := ledger.PrepareOrder(ledger.Order{
		ID:        order,
		ClientID:  client,
		LineItems: []ledger.LineItem{{ProductID: "cement", Quantity: 1, UnitPrice: ledger.MustMoney(total)}},
	}, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, m.CreateOrder(ctx, o))
}

func payOrder(txID ledger.TransactionID, order ledger.OrderID, applied, paid string, version int64) ledger.OrderPaymentUpdate {
	return ledger.OrderPaymentUpdate{
		OrderID:         order,
		TransactionID:   txID,
		AmountApplied:   ledger.MustMoney(applied),
		AmountPaid:      ledger.MustMoney(paid),
		PaymentStatus:   ledger.StatusFor(ledger.MustMoney(paid), ledger.MustMoney("100")),
		ExpectedVersion: version,
	}
}

func TestMemory_OpenTransactionDoesNotBlockOtherClients(t *testing.T) {
	// GIVEN: Two clients
	m := store.NewMemory()
	seed(t, m, "c-1", "o-1", "100")
	seed(t, m, "c-2", "o-2", "100")
	ctx := context.Background()

	// WHEN: c-1's transaction is open while c-2 is read and written
	err := m.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.UpdateOrderPayment(ctx, payOrder("tx-1", "o-1", "10", "10", 0)); err != nil {
			return err
		}

		done := make(chan error, 1)
		go func() {
			if _, err := m.GetClient(ctx, "c-2"); err != nil {
				done <- err
				return
			}
			done <- m.WithTx(ctx, func(other ledger.Store) error {
				_, err := other.AdjustCreditBalance(ctx, "c-2", ledger.MustMoney("-10"))
				return err
			})
		}()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			return errors.New("c-2 blocked by c-1's transaction")
		}
	})

	// THEN: Both commit, and c-1's write was invisible until its commit
	require.NoError(t, err)
	o1, err := m.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, ledger.MustMoney("10").Equal(o1.AmountPaid))
	c2, err := m.GetClient(ctx, "c-2")
	require.NoError(t, err)
	assert.True(t, ledger.MustMoney("90").Equal(c2.CreditBalance))
}

func TestMemory_CommitRejectsStaleWrites(t *testing.T) {
	// GIVEN: A transaction that journals a payment and updates o-1
	m := store.NewMemory()
	seed(t, m, "c-1", "o-1", "100")
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.AppendTransaction(ctx, ledger.Transaction{ID: "tx-1", ClientID: "c-1", Amount: ledger.MustMoney("30")}); err != nil {
			return err
		}
		if err := tx.UpdateOrderPayment(ctx, payOrder("tx-1", "o-1", "30", "30", 0)); err != nil {
			return err
		}

		// WHEN: Another writer updates o-1 before the commit
		return m.UpdateOrderPayment(ctx, payOrder("tx-2", "o-1", "20", "20", 0))
	})

	// THEN: The commit fails as a conflict and publishes nothing
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	_, err = m.GetTransaction(ctx, "tx-1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	o, err := m.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, ledger.MustMoney("20").Equal(o.AmountPaid))
	assert.Equal(t, int64(1), o.Version)
}

func TestMemory_CommitRejectsTakenIdempotencyKey(t *testing.T) {
	m := store.NewMemory()
	seed(t, m, "c-1", "o-1", "100")
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.AppendTransaction(ctx, ledger.Transaction{ID: "tx-1", ClientID: "c-1", IdempotencyKey: "k"}); err != nil {
			return err
		}
		return m.AppendTransaction(ctx, ledger.Transaction{ID: "tx-2", ClientID: "c-1", IdempotencyKey: "k"})
	})

	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	got, err := m.FindTransactionByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionID("tx-2"), got.ID)
}
