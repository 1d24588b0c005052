package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *store.Memory {
	t.Helper()
	s := store.NewMemory()
	require.NoError(t, s.SaveClient(context.Background(), ledger.Client{
		ID:            "c-1",
		Name:          "Acme Builders",
		Role:          ledger.RoleClient,
		CreditBalance: decimal.Zero,
		CreatedAt:     t0,
	}))
	return s
}

func addOrder(t *testing.T, s ledger.Registry, id, total string, age time.Duration) {
	t.Helper()
	o, err := ledger.PrepareOrder(ledger.Order{
		ID:        ledger.OrderID(id),
		ClientID:  "c-1",
		LineItems: []ledger.LineItem{{ProductID: "cement", Quantity: 1, UnitPrice: ledger.MustMoney(total)}},
	}, t0.Add(age))
	require.NoError(t, err)
	require.NoError(t, s.CreateOrder(context.Background(), o))
}

func pay(amount string) ledger.PaymentRequest {
	return ledger.PaymentRequest{
		ClientID:   "c-1",
		Amount:     ledger.MustMoney(amount),
		Method:     ledger.MethodCash,
		RecordedBy: "staff-1",
	}
}

func getOrder(t *testing.T, s ledger.Store, id ledger.OrderID) *ledger.Order {
	t.Helper()
	o, err := s.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func balanceOf(t *testing.T, s ledger.Store) decimal.Decimal {
	t.Helper()
	c, err := s.GetClient(context.Background(), "c-1")
	require.NoError(t, err)
	return c.CreditBalance
}

func journal(t *testing.T, s ledger.Store) []ledger.Transaction {
	t.Helper()
	txs, _, err := s.ListTransactions(context.Background(), ledger.TransactionFilter{ClientID: "c-1"})
	require.NoError(t, err)
	return txs
}

// nonTx hides WithTx so the engine takes the journal-first path.
type nonTx struct {
	ledger.Store
}

// failingUpdates fails UpdateOrderPayment for one order while fail is set.
type failingUpdates struct {
	ledger.Store
	order ledger.OrderID
	fail  atomic.Bool
}

func (f *failingUpdates) UpdateOrderPayment(ctx context.Context, upd ledger.OrderPaymentUpdate) error {
	if upd.OrderID == f.order && f.fail.Load() {
		return errors.New("connection reset")
	}
	return f.Store.UpdateOrderPayment(ctx, upd)
}

// conflicting reports a concurrent modification on the first n order
// updates made inside a transaction.
type conflicting struct {
	ledger.TxStore
	n        atomic.Int32
	attempts atomic.Int32
}

func (c *conflicting) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	c.attempts.Add(1)
	return c.TxStore.WithTx(ctx, func(s ledger.Store) error {
		return fn(&conflictingTx{Store: s, parent: c})
	})
}

type conflictingTx struct {
	ledger.Store
	parent *conflicting
}

func (c *conflictingTx) UpdateOrderPayment(ctx context.Context, upd ledger.OrderPaymentUpdate) error {
	if c.parent.n.Add(-1) >= 0 {
		return fmt.Errorf("%w: injected", ledger.ErrConcurrentModification)
	}
	return c.Store.UpdateOrderPayment(ctx, upd)
}

// =============================================================================
// ALLOCATION
// =============================================================================

func TestProcessPayment_OrderRespecting(t *testing.T) {
	tests := []struct {
		name         string
		amount       string
		wantA, wantB string
		statA, statB ledger.PaymentStatus
		wantSplits   int
		wantBalance  string
	}{
		{"120 pays A and part of B", "120", "100", "20", ledger.StatusPaid, ledger.StatusPartiallyPaid, 2, "30"},
		{"80 applies to A only", "80", "80", "0", ledger.StatusPartiallyPaid, ledger.StatusUnpaid, 1, "70"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A (older) owes 100, B (newer) owes 50
			s := newStore(t)
			addOrder(t, s, "B", "50", time.Hour)
			addOrder(t, s, "A", "100", 0)
			engine := ledger.NewEngine(s)

			// WHEN
			res, err := engine.ProcessPayment(context.Background(), pay(tt.amount))
			require.NoError(t, err)

			// THEN
			a, b := getOrder(t, s, "A"), getOrder(t, s, "B")
			assertMoney(t, tt.wantA, a.AmountPaid)
			assertMoney(t, tt.wantB, b.AmountPaid)
			assert.Equal(t, tt.statA, a.PaymentStatus)
			assert.Equal(t, tt.statB, b.PaymentStatus)
			assert.Len(t, res.Transaction.AppliedToOrders, tt.wantSplits)
			assert.Equal(t, ledger.OrderID("A"), res.Transaction.AppliedToOrders[0].OrderID)
			assertMoney(t, tt.wantBalance, res.NewBalance)
			assertMoney(t, tt.wantBalance, balanceOf(t, s))
			assertMoney(t, tt.amount, res.Transaction.Amount)
			assert.Equal(t, ledger.TxPayment, res.Transaction.Type)
		})
	}
}

func TestProcessPayment_Conservation(t *testing.T) {
	// GIVEN: Three orders and a series of payments
	s := newStore(t)
	addOrder(t, s, "o-1", "35.25", 0)
	addOrder(t, s, "o-2", "100", time.Hour)
	addOrder(t, s, "o-3", "12.10", 2*time.Hour)
	engine := ledger.NewEngine(s)

	paidBefore := map[ledger.OrderID]decimal.Decimal{"o-1": decimal.Zero, "o-2": decimal.Zero, "o-3": decimal.Zero}
	for _, amount := range []string{"10", "40.33", "0.01", "60", "90"} {
		res, err := engine.ProcessPayment(context.Background(), pay(amount))
		require.NoError(t, err)

		// THEN: Applied never exceeds the amount and matches what orders gained
		applied := res.Transaction.AppliedTotal()
		assert.True(t, applied.LessThanOrEqual(res.Transaction.Amount))
		assertMoney(t, res.Transaction.Amount.Sub(applied).String(), res.Unallocated)

		gained := decimal.Zero
		for id, before := range paidBefore {
			o := getOrder(t, s, id)
			assert.True(t, o.AmountPaid.LessThanOrEqual(o.TotalAmount), "order %s overpaid", id)
			gained = gained.Add(o.AmountPaid.Sub(before))
			paidBefore[id] = o.AmountPaid
		}
		assertMoney(t, applied.String(), gained)
	}

	// AND: Everything is paid and the last payment left money unallocated
	for id := range paidBefore {
		assert.Equal(t, ledger.StatusPaid, getOrder(t, s, id).PaymentStatus)
	}
	assertMoney(t, "0", balanceOf(t, s))
}

func TestProcessPayment_ExactPayoff(t *testing.T) {
	// GIVEN: One order owing exactly 250
	s := newStore(t)
	addOrder(t, s, "o-1", "250", 0)
	engine := ledger.NewEngine(s)

	// WHEN
	res, err := engine.ProcessPayment(context.Background(), pay("250"))
	require.NoError(t, err)

	// THEN
	assert.Equal(t, ledger.StatusPaid, res.UpdatedOrders[0].PaymentStatus)
	outstanding, err := s.OutstandingOrders(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Empty(t, outstanding)
	owed, err := ledger.NewProjector(s).Recompute(context.Background(), "c-1")
	require.NoError(t, err)
	assertMoney(t, "0", owed)
}

func TestProcessPayment_OverpaymentClampsBalance(t *testing.T) {
	// GIVEN: One order owing 100
	s := newStore(t)
	addOrder(t, s, "o-1", "100", 0)
	engine := ledger.NewEngine(s)

	// WHEN: 150 is paid
	res, err := engine.ProcessPayment(context.Background(), pay("150"))
	require.NoError(t, err)

	// THEN: The order is paid in full, the balance stops at zero
	o := getOrder(t, s, "o-1")
	assert.Equal(t, ledger.StatusPaid, o.PaymentStatus)
	assertMoney(t, "100", o.AmountPaid)
	assertMoney(t, "0", res.NewBalance)
	assertMoney(t, "50", res.Unallocated)
	assertMoney(t, "150", res.Transaction.Amount)
}

func TestProcessPayment_NoOutstandingOrders(t *testing.T) {
	s := newStore(t)
	engine := ledger.NewEngine(s)

	res, err := engine.ProcessPayment(context.Background(), pay("20"))

	require.NoError(t, err)
	assert.Empty(t, res.Transaction.AppliedToOrders)
	assert.Empty(t, res.UpdatedOrders)
	assertMoney(t, "20", res.Unallocated)
	assert.Len(t, journal(t, s), 1)
}

func TestProcessPayment_Rejections(t *testing.T) {
	s := newStore(t)
	addOrder(t, s, "o-1", "100", 0)
	require.NoError(t, s.SaveClient(context.Background(), ledger.Client{ID: "staff-1", Name: "Staff", Role: ledger.RoleStaff}))
	engine := ledger.NewEngine(s)

	tests := []struct {
		name   string
		modify func(*ledger.PaymentRequest)
		kind   ledger.Kind
		target error
	}{
		{"zero amount", func(r *ledger.PaymentRequest) { r.Amount = decimal.Zero }, ledger.KindInvalidArgument, ledger.ErrInvalidAmount},
		{"negative amount", func(r *ledger.PaymentRequest) { r.Amount = ledger.MustMoney("-1") }, ledger.KindInvalidArgument, ledger.ErrInvalidAmount},
		{"sub-cent amount", func(r *ledger.PaymentRequest) { r.Amount = ledger.MustMoney("0.001") }, ledger.KindInvalidArgument, ledger.ErrInvalidAmount},
		{"unknown method", func(r *ledger.PaymentRequest) { r.Method = "crypto" }, ledger.KindInvalidArgument, ledger.ErrUnsupportedMethod},
		{"missing client", func(r *ledger.PaymentRequest) { r.ClientID = " " }, ledger.KindInvalidArgument, ledger.ErrMissingClient},
		{"missing recorder", func(r *ledger.PaymentRequest) { r.RecordedBy = "" }, ledger.KindInvalidArgument, ledger.ErrMissingRecorder},
		{"unknown client", func(r *ledger.PaymentRequest) { r.ClientID = "ghost" }, ledger.KindNotFound, ledger.ErrClientNotFound},
		{"staff account", func(r *ledger.PaymentRequest) { r.ClientID = "staff-1" }, ledger.KindNotFound, ledger.ErrNotAClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := pay("10")
			tt.modify(&req)

			res, err := engine.ProcessPayment(context.Background(), req)

			assert.Nil(t, res)
			assert.Equal(t, tt.kind, ledger.KindOf(err))
			assert.ErrorIs(t, err, tt.target)
		})
	}

	// THEN: Nothing changed
	assert.Empty(t, journal(t, s))
	assertMoney(t, "0", getOrder(t, s, "o-1").AmountPaid)
	assertMoney(t, "100", balanceOf(t, s))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestProcessPayment_ConcurrentPaymentsNeverOverpay(t *testing.T) {
	for _, mode := range []struct {
		name string
		wrap func(*store.Memory) ledger.Store
	}{
		{"transactional", func(m *store.Memory) ledger.Store { return m }},
		{"journal-first", func(m *store.Memory) ledger.Store { return nonTx{m} }},
	} {
		t.Run(mode.name, func(t *testing.T) {
			// GIVEN: One order owing 80
			mem := newStore(t)
			addOrder(t, mem, "o-1", "80", 0)
			engine := ledger.NewEngine(mode.wrap(mem))

			// WHEN: Two payments of 50 arrive at once
			var wg sync.WaitGroup
			results := make([]*ledger.PaymentResult, 2)
			errs := make([]error, 2)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = engine.ProcessPayment(context.Background(), pay("50"))
				}(i)
			}
			wg.Wait()

			// THEN: Both are journaled once, and together they apply exactly 80
			applied := decimal.Zero
			for i := range results {
				require.NoError(t, errs[i])
				applied = applied.Add(results[i].Transaction.AppliedTotal())
			}
			assertMoney(t, "80", applied)

			o := getOrder(t, mem, "o-1")
			assertMoney(t, "80", o.AmountPaid)
			assert.Equal(t, ledger.StatusPaid, o.PaymentStatus)
			assert.Equal(t, int64(2), o.Version)

			txs := journal(t, mem)
			require.Len(t, txs, 2)
			for _, tx := range txs {
				payments, err := mem.OrderPayments(context.Background(), "o-1")
				require.NoError(t, err)
				found := false
				for _, p := range payments {
					if p.TransactionID == tx.ID {
						found = true
						assertMoney(t, tx.AppliedTotal().String(), p.AmountApplied)
					}
				}
				assert.True(t, found, "transaction %s not applied", tx.ID)
			}
			assertMoney(t, "0", balanceOf(t, mem))
		})
	}
}

func TestProcessPayment_DifferentClientsRunInParallel(t *testing.T) {
	// GIVEN: Many clients with one order each
	s := store.NewMemory()
	const clients = 20
	for i := 0; i < clients; i++ {
		id := ledger.ClientID(fmt.Sprintf("c-%d", i))
		require.NoError(t, s.SaveClient(context.Background(), ledger.Client{ID: id, Name: string(id), Role: ledger.RoleClient}))
		o, err := ledger.PrepareOrder(ledger.Order{
			ID:        ledger.OrderID("o-" + id),
			ClientID:  id,
			LineItems: []ledger.LineItem{{ProductID: "sand", Quantity: 10, UnitPrice: ledger.MustMoney("10")}},
		}, t0)
		require.NoError(t, err)
		require.NoError(t, s.CreateOrder(context.Background(), o))
	}
	engine := ledger.NewEngine(s)

	// WHEN: Each client pays 10 five times concurrently
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		for j := 0; j < 5; j++ {
			wg.Add(1)
			go func(id ledger.ClientID) {
				defer wg.Done()
				req := pay("10")
				req.ClientID = id
				_, err := engine.ProcessPayment(context.Background(), req)
				assert.NoError(t, err)
			}(ledger.ClientID(fmt.Sprintf("c-%d", i)))
		}
	}
	wg.Wait()

	// THEN: Every order received exactly 50
	for i := 0; i < clients; i++ {
		o := getOrder(t, s, ledger.OrderID(fmt.Sprintf("o-c-%d", i)))
		assertMoney(t, "50", o.AmountPaid)
		assert.Equal(t, int64(5), o.Version)
	}
}

func TestProcessPayment_ClientInFlightDoesNotBlockOthers(t *testing.T) {
	// GIVEN: Two clients, and c-1's allocation parked inside its transaction
	mem := newStore(t)
	addOrder(t, mem, "o-1", "100", 0)
	require.NoError(t, mem.SaveClient(context.Background(), ledger.Client{ID: "c-2", Name: "Beta", Role: ledger.RoleClient}))
	o, err := ledger.PrepareOrder(ledger.Order{
		ID:        "o-2",
		ClientID:  "c-2",
		LineItems: []ledger.LineItem{{ProductID: "sand", Quantity: 1, UnitPrice: ledger.MustMoney("40")}},
	}, t0)
	require.NoError(t, err)
	require.NoError(t, mem.CreateOrder(context.Background(), o))

	s := &parkedTx{TxStore: mem, client: "c-1", entered: make(chan struct{}), unblock: make(chan struct{})}
	engine := ledger.NewEngine(s)

	first := make(chan error, 1)
	go func() {
		_, err := engine.ProcessPayment(context.Background(), pay("30"))
		first <- err
	}()
	<-s.entered
	defer func() {
		close(s.unblock)
		require.NoError(t, <-first)
		assertMoney(t, "30", getOrder(t, mem, "o-1").AmountPaid)
	}()

	// WHEN: c-2 pays and c-2's balance is recomputed meanwhile
	done := make(chan error, 1)
	go func() {
		req := pay("40")
		req.ClientID = "c-2"
		if _, err := engine.ProcessPayment(context.Background(), req); err != nil {
			done <- err
			return
		}
		_, err := ledger.NewProjector(mem).Recompute(context.Background(), "c-2")
		done <- err
	}()

	// THEN: Both finish while c-1 is still in flight
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("c-2 was blocked by c-1's allocation")
	}
	assertMoney(t, "40", getOrder(t, mem, "o-2").AmountPaid)
	assertMoney(t, "0", getOrder(t, mem, "o-1").AmountPaid)
}

// parkedTx parks the first in-transaction OutstandingOrders call for client
// until unblock closes.
type parkedTx struct {
	ledger.TxStore
	client  ledger.ClientID
	once    sync.Once
	entered chan struct{}
	unblock chan struct{}
}

func (p *parkedTx) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return p.TxStore.WithTx(ctx, func(s ledger.Store) error {
		return fn(&parkedView{Store: s, parent: p})
	})
}

type parkedView struct {
	ledger.Store
	parent *parkedTx
}

func (v *parkedView) OutstandingOrders(ctx context.Context, id ledger.ClientID) ([]ledger.Order, error) {
	if id == v.parent.client {
		v.parent.once.Do(func() {
			close(v.parent.entered)
			<-v.parent.unblock
		})
	}
	return v.Store.OutstandingOrders(ctx, id)
}

func TestProcessPayment_RetriesConflicts(t *testing.T) {
	// GIVEN: A store that reports two conflicts before succeeding
	mem := newStore(t)
	addOrder(t, mem, "o-1", "100", 0)
	s := &conflicting{TxStore: mem}
	s.n.Store(2)

	core, logs := observer.New(zap.WarnLevel)
	engine := ledger.NewEngine(s, ledger.WithLogger(zap.New(core)))

	// WHEN
	res, err := engine.ProcessPayment(context.Background(), pay("30"))

	// THEN: The third attempt wins and only one entry is journaled
	require.NoError(t, err)
	assert.Equal(t, int32(3), s.attempts.Load())
	assertMoney(t, "30", getOrder(t, mem, "o-1").AmountPaid)
	assert.Len(t, journal(t, mem), 1)
	assertMoney(t, "70", res.NewBalance)
	assert.Equal(t, 2, logs.FilterMessage("allocation conflict, retrying").Len())
}

func TestProcessPayment_AbortsAfterRetryBudget(t *testing.T) {
	// GIVEN: A store that always conflicts
	mem := newStore(t)
	addOrder(t, mem, "o-1", "100", 0)
	s := &conflicting{TxStore: mem}
	s.n.Store(100)
	engine := ledger.NewEngine(s, ledger.WithMaxRetries(1))

	// WHEN
	_, err := engine.ProcessPayment(context.Background(), pay("30"))

	// THEN: Aborted after two attempts, with every attempt rolled back
	assert.Equal(t, ledger.KindAborted, ledger.KindOf(err))
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.Equal(t, int32(2), s.attempts.Load())
	assert.Empty(t, journal(t, mem))
	assertMoney(t, "0", getOrder(t, mem, "o-1").AmountPaid)
	assertMoney(t, "100", balanceOf(t, mem))
}

func TestProcessPayment_TransactionRollsBackOnFailure(t *testing.T) {
	// GIVEN: A transactional store whose second order update fails
	mem := newStore(t)
	addOrder(t, mem, "o-1", "100", 0)
	addOrder(t, mem, "o-2", "50", time.Hour)
	s := &failingTx{TxStore: mem, order: "o-2"}
	engine := ledger.NewEngine(s)

	// WHEN
	_, err := engine.ProcessPayment(context.Background(), pay("120"))

	// THEN: Nothing is visible
	assert.Equal(t, ledger.KindInternal, ledger.KindOf(err))
	assert.Empty(t, journal(t, mem))
	assertMoney(t, "0", getOrder(t, mem, "o-1").AmountPaid)
	assertMoney(t, "150", balanceOf(t, mem))
}

type failingTx struct {
	ledger.TxStore
	order ledger.OrderID
}

func (f *failingTx) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.TxStore.WithTx(ctx, func(s ledger.Store) error {
		fu := &failingUpdates{Store: s, order: f.order}
		fu.fail.Store(true)
		return fn(fu)
	})
}

func TestProcessPayment_WaitingHonoursContext(t *testing.T) {
	// GIVEN: A payment in flight holding the client's lock
	mem := newStore(t)
	addOrder(t, mem, "o-1", "100", 0)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	engine := ledger.NewEngine(&blockingStore{Store: nonTx{mem}, entered: entered, unblock: unblock})

	done := make(chan error, 1)
	go func() {
		_, err := engine.ProcessPayment(context.Background(), pay("10"))
		done <- err
	}()
	<-entered

	// WHEN: A second payment gives up waiting
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := engine.ProcessPayment(ctx, pay("10"))

	// THEN: It is aborted without touching anything, and the first completes
	assert.Equal(t, ledger.KindAborted, ledger.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(unblock)
	require.NoError(t, <-done)
	assert.Len(t, journal(t, mem), 1)
}

// blockingStore parks the first OutstandingOrders call until unblock closes.
type blockingStore struct {
	ledger.Store
	once    sync.Once
	entered chan struct{}
	unblock chan struct{}
}

func (b *blockingStore) OutstandingOrders(ctx context.Context, id ledger.ClientID) ([]ledger.Order, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.unblock
	})
	return b.Store.OutstandingOrders(ctx, id)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestProcessPayment_IdempotencyKey(t *testing.T) {
	// GIVEN: A payment recorded with a key
	s := newStore(t)
	addOrder(t, s, "o-1", "100", 0)
	engine := ledger.NewEngine(s)
	req := pay("40")
	req.IdempotencyKey = "pos-17"

	first, err := engine.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// WHEN: The same request comes again
	second, err := engine.ProcessPayment(context.Background(), req)

	// THEN: The recorded result is returned and nothing moves
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assertMoney(t, "40", getOrder(t, s, "o-1").AmountPaid)
	assertMoney(t, "60", second.NewBalance)
	assert.Len(t, journal(t, s), 1)

	// AND: A different amount under the same key is refused
	req.Amount = ledger.MustMoney("41")
	_, err = engine.ProcessPayment(context.Background(), req)
	assert.Equal(t, ledger.KindInvalidArgument, ledger.KindOf(err))
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyReused)
}

func TestProcessPayment_ConcurrentSameKeyJournalsOnce(t *testing.T) {
	s := newStore(t)
	addOrder(t, s, "o-1", "100", 0)
	engine := ledger.NewEngine(s)
	req := pay("25")
	req.IdempotencyKey = "retry-storm"

	var wg sync.WaitGroup
	var replayed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.ProcessPayment(context.Background(), req)
			if assert.NoError(t, err) && res.Replayed {
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(7), replayed.Load())
	assert.Len(t, journal(t, s), 1)
	assertMoney(t, "25", getOrder(t, s, "o-1").AmountPaid)
}

// =============================================================================
// JOURNAL-FIRST AND REPLAY
// =============================================================================

func TestProcessPayment_JournalFirstRecoversByReplay(t *testing.T) {
	// GIVEN: A store without transactions whose o-2 update fails once
	mem := newStore(t)
	addOrder(t, mem, "o-1", "100", 0)
	addOrder(t, mem, "o-2", "50", time.Hour)
	s := &failingUpdates{Store: nonTx{mem}, order: "o-2"}
	s.fail.Store(true)

	core, logs := observer.New(zap.WarnLevel)
	engine := ledger.NewEngine(s, ledger.WithLogger(zap.New(core)))
	require.False(t, engine.Transactional())

	// WHEN: The payment is processed and the failure persists
	_, err := engine.ProcessPayment(context.Background(), pay("120"))

	// THEN: The journal entry exists but o-2 is not applied
	assert.Equal(t, ledger.KindInternal, ledger.KindOf(err))
	assert.Contains(t, err.Error(), "replay required")
	assert.Equal(t, 1, logs.FilterMessage("allocation interrupted after journal append, replaying").Len())
	txs := journal(t, mem)
	require.Len(t, txs, 1)
	assertMoney(t, "100", getOrder(t, mem, "o-1").AmountPaid)
	assertMoney(t, "0", getOrder(t, mem, "o-2").AmountPaid)

	// WHEN: The store recovers and an operator replays the entry
	s.fail.Store(false)
	res, err := engine.Replay(context.Background(), txs[0].ID)

	// THEN: o-2 gets its 20 and the balance is recomputed
	require.NoError(t, err)
	assertMoney(t, "20", getOrder(t, mem, "o-2").AmountPaid)
	assertMoney(t, "100", getOrder(t, mem, "o-1").AmountPaid)
	assertMoney(t, "30", res.NewBalance)
	assertMoney(t, "30", balanceOf(t, mem))

	// AND: Replaying again changes nothing
	_, err = engine.Replay(context.Background(), txs[0].ID)
	require.NoError(t, err)
	assertMoney(t, "20", getOrder(t, mem, "o-2").AmountPaid)
	assert.Equal(t, int64(1), getOrder(t, mem, "o-2").Version)
	assert.Len(t, journal(t, mem), 1)
}

func TestReplay_UnknownTransaction(t *testing.T) {
	engine := ledger.NewEngine(newStore(t))

	_, err := engine.Replay(context.Background(), "nope")

	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcile(t *testing.T) {
	// GIVEN: A cached balance that drifted from the orders
	s := newStore(t)
	addOrder(t, s, "o-1", "100", 0)
	addOrder(t, s, "o-2", "40", time.Hour)
	engine := ledger.NewEngine(s)
	_, err := engine.ProcessPayment(context.Background(), pay("100"))
	require.NoError(t, err)
	require.NoError(t, s.SetCreditBalance(context.Background(), "c-1", ledger.MustMoney("7")))

	// WHEN
	summary, err := engine.Reconcile(context.Background(), "c-1")

	// THEN: The summary reports what was found, and the cache is fixed
	require.NoError(t, err)
	assert.False(t, summary.InSync())
	assertMoney(t, "40", summary.CreditBalance)
	assertMoney(t, "7", summary.CachedBalance)
	assertMoney(t, "-33", summary.Drift)
	assert.Equal(t, 2, summary.TotalOrders)
	assert.Equal(t, 1, summary.PaidOrders)
	assertMoney(t, "40", balanceOf(t, s))

	again, err := engine.Reconcile(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, again.InSync())

	_, err = engine.Reconcile(context.Background(), "ghost")
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}
