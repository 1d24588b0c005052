/*
scheduler.go - Automated balance reconciliation scheduler

PURPOSE:
  Periodically recomputes every client's balance from their orders and
  repairs cached balances that drifted (a crash between journal append and
  balance update, or a manual database edit).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - One client's failure is logged and the sweep moves on
  - Reconcile takes the client lock, so sweeps never race payments

USAGE:
  scheduler := NewReconciliationScheduler(engine, store, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual, one client)
  - ledger/engine.go: Engine.Reconcile
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/credit-ledger/ledger"
)

// DefaultReconcileInterval is how often the sweep runs unless configured.
const DefaultReconcileInterval = time.Hour

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked  int
	Repaired int
	Failed   int
}

// ReconciliationScheduler repairs cached client balances on a timer.
type ReconciliationScheduler struct {
	Engine        *ledger.Engine
	Clients       ledger.Registry
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *ledger.Engine, clients ledger.Registry, log *zap.Logger) *ReconciliationScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		Clients:       clients,
		Logger:        log,
		CheckInterval: DefaultReconcileInterval,
		Enabled:       true,
	}
}

// Start begins the scheduler. A non-positive interval disables it.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("reconciliation scheduler stopped")
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	rs.RunNow(ctx)
	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow sweeps every client once.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) SweepResult {
	var res SweepResult

	clients, err := rs.Clients.ListClients(ctx)
	if err != nil {
		rs.Logger.Error("listing clients for reconciliation", zap.Error(err))
		return res
	}

	for _, c := range clients {
		if c.Role != ledger.RoleClient {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res.Checked++

		summary, err := rs.Engine.Reconcile(ctx, c.ID)
		if err != nil {
			res.Failed++
			rs.Logger.Error("reconciling client", zap.String("client_id", string(c.ID)), zap.Error(err))
			continue
		}
		if !summary.InSync() {
			res.Repaired++
		}
	}

	if res.Repaired > 0 || res.Failed > 0 {
		rs.Logger.Info("reconciliation sweep completed",
			zap.Int("checked", res.Checked),
			zap.Int("repaired", res.Repaired),
			zap.Int("failed", res.Failed))
	}
	return res
}
