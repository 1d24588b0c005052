/*
engine.go - Payment allocation engine

PURPOSE:
  ProcessPayment is the one write path for client payments. It reads the
  client's outstanding orders, plans an oldest-first split (allocation.go),
  appends one journal entry, applies the split to each order with a
  conditional update, and lowers the cached credit balance (floored at zero).

ATOMICITY:
  With a TxStore the whole allocation runs inside WithTx: readers see either
  all of it or none of it. Without one, the journal entry is written first as
  the source of truth and order updates are keyed by its id, so Replay can
  finish an allocation that stopped halfway without double counting.

CONCURRENCY:
  1. Per-client lock held for the whole allocation (different clients run in
     parallel).
  2. Every order write is conditional on the Version that was read. A
     conflict restarts the allocation from a fresh read, up to MaxRetries,
     then surfaces KindAborted.

IDEMPOTENCY:
  A request carrying an IdempotencyKey that is already in the journal returns
  the recorded result with Replayed set; nothing is written.

SEE ALSO:
  - allocation.go: Allocate
  - store.go: Store / TxStore
  - projection.go: Recompute used by Replay and Reconcile
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultMaxRetries is how many times a conflicting allocation is restarted.
const DefaultMaxRetries = 3

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type PaymentRequest struct {
	ClientID       ClientID
	Amount         decimal.Decimal
	Method         PaymentMethod
	Reference      string
	RecordedBy     string
	IdempotencyKey string
}

// Validate checks the request shape. It never touches storage.
func (r PaymentRequest) Validate() error {
	if strings.TrimSpace(string(r.ClientID)) == "" {
		return ErrMissingClient
	}
	if !r.Amount.IsPositive() || !IsMoney(r.Amount) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, r.Amount)
	}
	if !r.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, r.Method)
	}
	if strings.TrimSpace(r.RecordedBy) == "" {
		return ErrMissingRecorder
	}
	return nil
}

type PaymentResult struct {
	Transaction   Transaction
	UpdatedOrders []Order
	NewBalance    decimal.Decimal
	Unallocated   decimal.Decimal
	Replayed      bool // served from the journal by idempotency key
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store      Store
	locks      *clientLocks
	logger     *zap.Logger
	maxRetries int
	now        func() time.Time
	newID      func() string
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		locks:      newClientLocks(),
		logger:     zap.NewNop(),
		maxRetries: DefaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transactional reports whether allocations run in one storage transaction.
func (e *Engine) Transactional() bool {
	_, ok := e.store.(TxStore)
	return ok
}

// ProcessPayment allocates a payment across the client's outstanding orders.
//
// Once the client lock is held the allocation is not cancelled by ctx: a
// caller that timed out must look the payment up by idempotency key before
// retrying.
func (e *Engine) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	const op = "process payment"

	if err := req.Validate(); err != nil {
		return nil, newError(KindInvalidArgument, op, err)
	}

	release, err := e.locks.acquire(ctx, req.ClientID)
	if err != nil {
		return nil, newError(KindAborted, op, err)
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	log := e.logger.With(
		zap.String("client_id", string(req.ClientID)),
		zap.String("amount", req.Amount.String()),
	)

	for attempt := 0; ; attempt++ {
		res, err := e.attempt(ctx, req)
		if err == nil {
			if res.Replayed {
				log.Info("payment replayed from journal",
					zap.String("transaction_id", string(res.Transaction.ID)))
			} else {
				log.Info("payment allocated",
					zap.String("transaction_id", string(res.Transaction.ID)),
					zap.Int("orders", len(res.UpdatedOrders)),
					zap.String("unallocated", res.Unallocated.String()),
					zap.String("new_balance", res.NewBalance.String()))
			}
			return res, nil
		}
		var kerr *Error
		if errors.As(err, &kerr) || !IsRetryable(err) {
			log.Warn("payment rejected", zap.Error(err))
			return nil, classify(op, err)
		}
		if attempt >= e.maxRetries {
			log.Error("payment aborted", zap.Int("attempts", attempt+1), zap.Error(err))
			return nil, &Error{
				Kind:    KindAborted,
				Op:      op,
				Message: fmt.Sprintf("orders kept changing, gave up after %d attempts", attempt+1),
				Err:     err,
			}
		}
		log.Warn("allocation conflict, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
}

func (e *Engine) attempt(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if ts, ok := e.store.(TxStore); ok {
		var res *PaymentResult
		err := ts.WithTx(ctx, func(s Store) error {
			var err error
			res, _, err = e.allocate(ctx, s, req)
			return err
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return e.allocateJournalFirst(ctx, req)
}

// allocateJournalFirst is used when the store has no multi-record
// transactions. Once the journal entry exists the allocation is never
// restarted; it is completed by replaying the entry instead.
func (e *Engine) allocateJournalFirst(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	res, txID, err := e.allocate(ctx, e.store, req)
	if err == nil || txID == "" {
		return res, err
	}

	e.logger.Warn("allocation interrupted after journal append, replaying",
		zap.String("transaction_id", string(txID)), zap.Error(err))

	tx, rerr := e.store.GetTransaction(ctx, txID)
	if rerr == nil {
		var replayed *PaymentResult
		if replayed, rerr = e.replay(ctx, e.store, tx); rerr == nil {
			return replayed, nil
		}
	}
	// Never retried: a fresh attempt would journal the payment twice.
	return nil, &Error{
		Kind:    KindInternal,
		Op:      "process payment",
		Message: fmt.Sprintf("journal entry %s recorded but not fully applied, replay required", txID),
		Err:     errors.Join(err, rerr),
	}
}

// allocate runs steps 1-6 against s. The returned id is set as soon as the
// journal entry has been appended.
func (e *Engine) allocate(ctx context.Context, s Store, req PaymentRequest) (*PaymentResult, TransactionID, error) {
	if req.IdempotencyKey != "" {
		prior, err := s.FindTransactionByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, "", err
		}
		if prior != nil {
			res, err := e.recorded(ctx, s, req, prior)
			return res, "", err
		}
	}

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, "", err
	}
	if client.Role != RoleClient {
		return nil, "", fmt.Errorf("%w: %s has role %s", ErrNotAClient, client.ID, client.Role)
	}

	orders, err := s.OutstandingOrders(ctx, client.ID)
	if err != nil {
		return nil, "", err
	}
	alloc := Allocate(orders, req.Amount)

	now := e.now()
	tx := Transaction{
		ID:              TransactionID(e.newID()),
		ClientID:        client.ID,
		Amount:          req.Amount,
		Type:            TxPayment,
		PaymentMethod:   req.Method,
		ReferenceNumber: strings.TrimSpace(req.Reference),
		AppliedToOrders: alloc.AppliedToOrders(),
		RecordedBy:      req.RecordedBy,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       now,
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Another writer recorded the same key first; the next attempt
			// finds it.
			return nil, "", fmt.Errorf("%w: %w", ErrConcurrentModification, err)
		}
		return nil, "", err
	}

	updated := make([]Order, 0, len(alloc.Splits))
	for _, sp := range alloc.Splits {
		err := s.UpdateOrderPayment(ctx, OrderPaymentUpdate{
			OrderID:         sp.Order.ID,
			TransactionID:   tx.ID,
			AmountApplied:   sp.AmountApplied,
			AmountPaid:      sp.AmountPaid,
			PaymentStatus:   sp.PaymentStatus,
			ExpectedVersion: sp.Order.Version,
			At:              now,
		})
		if err != nil {
			return nil, tx.ID, fmt.Errorf("order %s: %w", sp.Order.ID, err)
		}
		updated = append(updated, sp.Applied())
	}

	balance, err := s.AdjustCreditBalance(ctx, client.ID, req.Amount.Neg())
	if err != nil {
		return nil, tx.ID, err
	}

	return &PaymentResult{
		Transaction:   tx,
		UpdatedOrders: updated,
		NewBalance:    balance,
		Unallocated:   alloc.Unallocated,
	}, tx.ID, nil
}

// recorded rebuilds the result of an earlier payment with the same key.
func (e *Engine) recorded(ctx context.Context, s Store, req PaymentRequest, prior *Transaction) (*PaymentResult, error) {
	if prior.ClientID != req.ClientID || !prior.Amount.Equal(req.Amount) {
		return nil, fmt.Errorf("%w: key %q belongs to transaction %s", ErrIdempotencyKeyReused, req.IdempotencyKey, prior.ID)
	}
	orders := make([]Order, 0, len(prior.AppliedToOrders))
	for _, a := range prior.AppliedToOrders {
		o, err := s.GetOrder(ctx, a.OrderID)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	client, err := s.GetClient(ctx, prior.ClientID)
	if err != nil {
		return nil, err
	}
	return &PaymentResult{
		Transaction:   *prior,
		UpdatedOrders: orders,
		NewBalance:    client.CreditBalance,
		Unallocated:   prior.Unallocated(),
		Replayed:      true,
	}, nil
}

// =============================================================================
// REPLAY - Finish a journal entry whose order updates did not all land
// =============================================================================

// Replay re-applies a journal entry's split. Orders that already carry the
// entry are left alone, so replaying a complete entry changes nothing but
// the cached balance, which is set to the recomputed value.
func (e *Engine) Replay(ctx context.Context, id TransactionID) (*PaymentResult, error) {
	const op = "replay"

	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, classify(op, err)
	}

	release, err := e.locks.acquire(ctx, tx.ClientID)
	if err != nil {
		return nil, newError(KindAborted, op, err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	var res *PaymentResult
	err = e.run(ctx, func(s Store) error {
		var err error
		res, err = e.replay(ctx, s, tx)
		return err
	})
	if err != nil {
		e.logger.Error("replay failed", zap.String("transaction_id", string(id)), zap.Error(err))
		return nil, classify(op, err)
	}
	e.logger.Info("journal entry replayed",
		zap.String("transaction_id", string(id)),
		zap.String("client_id", string(tx.ClientID)),
		zap.String("new_balance", res.NewBalance.String()))
	return res, nil
}

func (e *Engine) replay(ctx context.Context, s Store, tx *Transaction) (*PaymentResult, error) {
	updated := make([]Order, 0, len(tx.AppliedToOrders))
	for _, a := range tx.AppliedToOrders {
		o, err := e.replaySplit(ctx, s, tx, a)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", a.OrderID, err)
		}
		updated = append(updated, *o)
	}

	orders, err := s.ClientOrders(ctx, tx.ClientID)
	if err != nil {
		return nil, err
	}
	balance := SumOwed(orders)
	if err := s.SetCreditBalance(ctx, tx.ClientID, balance); err != nil {
		return nil, err
	}

	return &PaymentResult{
		Transaction:   *tx,
		UpdatedOrders: updated,
		NewBalance:    balance,
		Unallocated:   tx.Unallocated(),
	}, nil
}

func (e *Engine) replaySplit(ctx context.Context, s Store, tx *Transaction, a AppliedAmount) (*Order, error) {
	for attempt := 0; ; attempt++ {
		o, err := s.GetOrder(ctx, a.OrderID)
		if err != nil {
			return nil, err
		}
		applied, err := e.hasPayment(ctx, s, o.ID, tx.ID)
		if err != nil {
			return nil, err
		}
		if applied {
			return o, nil
		}

		paid := o.AmountPaid.Add(a.AmountApplied)
		if paid.GreaterThan(o.TotalAmount) {
			return nil, fmt.Errorf("%w: paid %s + %s > total %s", ErrOverpayOrder, o.AmountPaid, a.AmountApplied, o.TotalAmount)
		}
		status := StatusFor(paid, o.TotalAmount)
		err = s.UpdateOrderPayment(ctx, OrderPaymentUpdate{
			OrderID:         o.ID,
			TransactionID:   tx.ID,
			AmountApplied:   a.AmountApplied,
			AmountPaid:      paid,
			PaymentStatus:   status,
			ExpectedVersion: o.Version,
			At:              e.now(),
		})
		switch {
		case err == nil:
			o.AmountPaid, o.PaymentStatus = paid, status
			o.Version++
			return o, nil
		case errors.Is(err, ErrPaymentAlreadyApplied):
			continue
		case IsRetryable(err) && attempt < e.maxRetries:
			continue
		default:
			return nil, err
		}
	}
}

func (e *Engine) hasPayment(ctx context.Context, s Store, orderID OrderID, txID TransactionID) (bool, error) {
	payments, err := s.OrderPayments(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, p := range payments {
		if p.TransactionID == txID {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// RECONCILE - Repair the cached balance
// =============================================================================

// Reconcile overwrites the client's cached balance with the recomputed one.
// The returned summary describes the state found before the repair; after it
// the cached balance equals summary.CreditBalance.
func (e *Engine) Reconcile(ctx context.Context, clientID ClientID) (CreditSummary, error) {
	const op = "reconcile"

	release, err := e.locks.acquire(ctx, clientID)
	if err != nil {
		return CreditSummary{}, newError(KindAborted, op, err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	var summary CreditSummary
	err = e.run(ctx, func(s Store) error {
		client, err := s.GetClient(ctx, clientID)
		if err != nil {
			return err
		}
		orders, err := s.ClientOrders(ctx, clientID)
		if err != nil {
			return err
		}
		summary = summarize(client, orders)
		if summary.InSync() {
			return nil
		}
		return s.SetCreditBalance(ctx, clientID, summary.CreditBalance)
	})
	if err != nil {
		return CreditSummary{}, classify(op, err)
	}
	if !summary.InSync() {
		e.logger.Warn("credit balance drift repaired",
			zap.String("client_id", string(clientID)),
			zap.String("cached", summary.CachedBalance.String()),
			zap.String("recomputed", summary.CreditBalance.String()))
	}
	return summary, nil
}

func (e *Engine) run(ctx context.Context, fn func(Store) error) error {
	if ts, ok := e.store.(TxStore); ok {
		return ts.WithTx(ctx, fn)
	}
	return fn(e.store)
}

// classify wraps err in *Error unless it already is one.
func classify(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(KindOf(err), op, err)
}
