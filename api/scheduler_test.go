package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
)

func seedDrift(t *testing.T, mem *store.Memory, id ledger.ClientID, cached string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SaveClient(ctx, ledger.Client{ID: id, Name: string(id), Role: ledger.RoleClient, CreditBalance: decimal.Zero}))
	o, err := ledger.PrepareOrder(ledger.Order{
		ID:        ledger.OrderID("o-" + id),
		ClientID:  id,
		LineItems: []ledger.LineItem{{ProductID: "steel", Quantity: 2, UnitPrice: ledger.MustMoney("25")}},
	}, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, mem.CreateOrder(ctx, o))
	require.NoError(t, mem.SetCreditBalance(ctx, id, ledger.MustMoney(cached)))
}

func TestScheduler_RunNowRepairsDrift(t *testing.T) {
	// GIVEN: One drifted client, one in sync, and a staff account
	mem := store.NewMemory()
	seedDrift(t, mem, "c-1", "80")
	seedDrift(t, mem, "c-2", "50")
	require.NoError(t, mem.SaveClient(context.Background(), ledger.Client{ID: "staff-1", Name: "Staff", Role: ledger.RoleStaff}))

	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)
	rs := api.NewReconciliationScheduler(ledger.NewEngine(mem, ledger.WithLogger(log)), mem, log)

	// WHEN: A sweep runs
	res := rs.RunNow(context.Background())

	// THEN: Only clients are checked and the drifted one is repaired
	assert.Equal(t, api.SweepResult{Checked: 2, Repaired: 1}, res)
	c, err := mem.GetClient(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, ledger.MustMoney("50").Equal(c.CreditBalance))
	assert.Equal(t, 1, logs.FilterMessage("credit balance drift repaired").Len())
	assert.Equal(t, 1, logs.FilterMessage("reconciliation sweep completed").Len())

	// AND: A second sweep finds nothing to do
	assert.Equal(t, api.SweepResult{Checked: 2}, rs.RunNow(context.Background()))
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	// GIVEN: A drifted client and a long interval
	mem := store.NewMemory()
	seedDrift(t, mem, "c-1", "0")

	core, logs := observer.New(zap.InfoLevel)
	rs := api.NewReconciliationScheduler(ledger.NewEngine(mem), mem, zap.New(core))
	rs.CheckInterval = time.Hour

	// WHEN: The scheduler starts
	rs.Start()
	defer rs.Stop()

	// THEN: The first sweep runs without waiting for a tick
	require.Eventually(t, func() bool {
		c, err := mem.GetClient(context.Background(), "c-1")
		return err == nil && c.CreditBalance.Equal(ledger.MustMoney("50"))
	}, 2*time.Second, 10*time.Millisecond)

	rs.Stop()
	assert.Equal(t, 1, logs.FilterMessage("reconciliation scheduler stopped").Len())
}

func TestScheduler_ZeroIntervalDisables(t *testing.T) {
	mem := store.NewMemory()
	core, logs := observer.New(zap.InfoLevel)
	rs := api.NewReconciliationScheduler(ledger.NewEngine(mem), mem, zap.New(core))
	rs.CheckInterval = 0

	rs.Start()
	rs.Stop()

	assert.Equal(t, 1, logs.FilterMessage("reconciliation scheduler disabled").Len())
	assert.Zero(t, logs.FilterMessage("reconciliation scheduler stopped").Len())
}
