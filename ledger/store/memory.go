// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore and ledger.Registry.
//
// WithTx buffers writes and publishes them at commit under a short critical
// section, so a transaction for one client never holds up reads or
// transactions for another. Commit is optimistic: if an order or balance the
// transaction wrote was changed by someone else first, it fails with
// ErrConcurrentModification and nothing is published.
type Memory struct {
	mu sync.RWMutex
	st state
}

type state struct {
	clients  map[ledger.ClientID]ledger.Client
	orders   map[ledger.OrderID]ledger.Order
	bills    map[string]ledger.OrderID
	payments map[ledger.OrderID][]ledger.OrderPayment
	txs      map[ledger.TransactionID]ledger.Transaction
	keys     map[string]ledger.TransactionID
}

func NewMemory() *Memory {
	return &Memory{st: state{
		clients:  make(map[ledger.ClientID]ledger.Client),
		orders:   make(map[ledger.OrderID]ledger.Order),
		bills:    make(map[string]ledger.OrderID),
		payments: make(map[ledger.OrderID][]ledger.OrderPayment),
		txs:      make(map[ledger.TransactionID]ledger.Transaction),
		keys:     make(map[string]ledger.TransactionID),
	}}
}

var (
	_ ledger.TxStore  = (*Memory)(nil)
	_ ledger.Registry = (*Memory)(nil)
)

// WithTx runs fn against a private view of the store. Writes made through
// that view become visible together when fn returns nil and are discarded
// otherwise.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return tx.commit()
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetClient(_ context.Context, id ledger.ClientID) (*ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getClient(id)
}

func (m *Memory) ListClients(_ context.Context) ([]ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]ledger.Client, 0, len(m.st.clients))
	for _, c := range m.st.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}

func (m *Memory) OutstandingOrders(_ context.Context, clientID ledger.ClientID) ([]ledger.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.clientOrders(clientID, true), nil
}

func (m *Memory) ClientOrders(_ context.Context, clientID ledger.ClientID) ([]ledger.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.clientOrders(clientID, false), nil
}

func (m *Memory) GetOrder(_ context.Context, id ledger.OrderID) (*ledger.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getOrder(id)
}

func (m *Memory) OrderPayments(_ context.Context, orderID ledger.OrderID) ([]ledger.OrderPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.orderPayments(orderID), nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getTransaction(id)
}

func (m *Memory) FindTransactionByKey(_ context.Context, key string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findByKey(key), nil
}

func (m *Memory) ListTransactions(_ context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	page, total := pageTransactions(m.st.allTransactions(), filter)
	return page, total, nil
}

// =============================================================================
// WRITES
// =============================================================================

func (m *Memory) UpdateOrderPayment(_ context.Context, upd ledger.OrderPaymentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.st.getOrder(upd.OrderID)
	if err != nil {
		return err
	}
	if hasTransaction(m.st.payments[o.ID], upd.TransactionID) {
		return ledger.ErrPaymentAlreadyApplied
	}
	next, err := ledger.ApplyPayment(*o, upd)
	if err != nil {
		return err
	}
	m.st.putOrderPayment(next, paymentOf(upd))
	return nil
}

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.st.checkTransaction(tx); err != nil {
		return err
	}
	m.st.putTransaction(tx)
	return nil
}

func (m *Memory) AdjustCreditBalance(_ context.Context, clientID ledger.ClientID, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.st.getClient(clientID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Max(decimal.Zero, c.CreditBalance.Add(delta))
	m.st.setBalance(clientID, balance)
	return balance, nil
}

func (m *Memory) SetCreditBalance(_ context.Context, clientID ledger.ClientID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.st.getClient(clientID); err != nil {
		return err
	}
	m.st.setBalance(clientID, balance)
	return nil
}

// SaveClient creates or replaces a client record.
func (m *Memory) SaveClient(_ context.Context, c ledger.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.clients[c.ID] = c
	return nil
}

// CreateClient inserts a new client. ErrClientExists if the id is taken.
func (m *Memory) CreateClient(_ context.Context, c ledger.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.st.clients[c.ID]; exists {
		return fmt.Errorf("%w: %s", ledger.ErrClientExists, c.ID)
	}
	m.st.clients[c.ID] = c
	return nil
}

// CreateOrder stores a prepared order and adds its total to the client's
// cached balance.
func (m *Memory) CreateOrder(_ context.Context, o ledger.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.st.clients[o.ClientID]
	if !ok {
		return ledger.ErrClientNotFound
	}
	if _, exists := m.st.orders[o.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", ledger.ErrInvalidOrder, o.ID)
	}
	if _, exists := m.st.bills[o.BillNumber]; exists {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateBillNumber, o.BillNumber)
	}
	m.st.orders[o.ID] = cloneOrder(o)
	m.st.bills[o.BillNumber] = o.ID
	client.CreditBalance = client.CreditBalance.Add(o.Owed())
	m.st.clients[client.ID] = client
	return nil
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

// memTx is the Store handed to WithTx callbacks. Reads see committed state
// with the transaction's own writes laid over it. Each written record
// remembers the committed version it was based on; commit checks those
// before publishing.
type memTx struct {
	m *Memory

	orders    map[ledger.OrderID]ledger.Order
	orderBase map[ledger.OrderID]int64
	payments  map[ledger.OrderID][]ledger.OrderPayment

	balances    map[ledger.ClientID]decimal.Decimal
	balanceBase map[ledger.ClientID]decimal.Decimal

	txs []ledger.Transaction
}

func newMemTx(m *Memory) *memTx {
	return &memTx{
		m:           m,
		orders:      make(map[ledger.OrderID]ledger.Order),
		orderBase:   make(map[ledger.OrderID]int64),
		payments:    make(map[ledger.OrderID][]ledger.OrderPayment),
		balances:    make(map[ledger.ClientID]decimal.Decimal),
		balanceBase: make(map[ledger.ClientID]decimal.Decimal),
	}
}

func (t *memTx) GetClient(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	c, err := t.m.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	if b, ok := t.balances[id]; ok {
		c.CreditBalance = b
	}
	return c, nil
}

func (t *memTx) OutstandingOrders(_ context.Context, clientID ledger.ClientID) ([]ledger.Order, error) {
	return t.clientOrders(clientID, true), nil
}

func (t *memTx) ClientOrders(_ context.Context, clientID ledger.ClientID) ([]ledger.Order, error) {
	return t.clientOrders(clientID, false), nil
}

func (t *memTx) clientOrders(clientID ledger.ClientID, outstandingOnly bool) []ledger.Order {
	t.m.mu.RLock()
	committed := t.m.st.clientOrders(clientID, false)
	t.m.mu.RUnlock()

	orders := committed[:0]
	for _, o := range committed {
		if pending, ok := t.orders[o.ID]; ok {
			o = cloneOrder(pending)
		}
		if outstandingOnly && !o.Outstanding() {
			continue
		}
		orders = append(orders, o)
	}
	return orders
}

func (t *memTx) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	if o, ok := t.orders[id]; ok {
		o = cloneOrder(o)
		return &o, nil
	}
	return t.m.GetOrder(ctx, id)
}

func (t *memTx) OrderPayments(ctx context.Context, orderID ledger.OrderID) ([]ledger.OrderPayment, error) {
	payments, err := t.m.OrderPayments(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return append(payments, t.payments[orderID]...), nil
}

func (t *memTx) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	for _, tx := range t.txs {
		if tx.ID == id {
			tx = cloneTransaction(tx)
			return &tx, nil
		}
	}
	return t.m.GetTransaction(ctx, id)
}

func (t *memTx) FindTransactionByKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	for _, tx := range t.txs {
		if key != "" && tx.IdempotencyKey == key {
			tx = cloneTransaction(tx)
			return &tx, nil
		}
	}
	return t.m.FindTransactionByKey(ctx, key)
}

func (t *memTx) ListTransactions(_ context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	t.m.mu.RLock()
	all := append(t.m.st.allTransactions(), t.txs...)
	t.m.mu.RUnlock()

	page, total := pageTransactions(all, filter)
	return page, total, nil
}

func (t *memTx) UpdateOrderPayment(ctx context.Context, upd ledger.OrderPaymentUpdate) error {
	o, err := t.GetOrder(ctx, upd.OrderID)
	if err != nil {
		return err
	}
	payments, err := t.OrderPayments(ctx, o.ID)
	if err != nil {
		return err
	}
	if hasTransaction(payments, upd.TransactionID) {
		return ledger.ErrPaymentAlreadyApplied
	}
	next, err := ledger.ApplyPayment(*o, upd)
	if err != nil {
		return err
	}

	if _, written := t.orderBase[o.ID]; !written {
		t.orderBase[o.ID] = o.Version
	}
	t.orders[o.ID] = next
	t.payments[o.ID] = append(t.payments[o.ID], paymentOf(upd))
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	for _, pending := range t.txs {
		if pending.ID == tx.ID {
			return fmt.Errorf("transaction %s already exists", tx.ID)
		}
		if tx.IdempotencyKey != "" && pending.IdempotencyKey == tx.IdempotencyKey {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}

	t.m.mu.RLock()
	err := t.m.st.checkTransaction(tx)
	t.m.mu.RUnlock()
	if err != nil {
		return err
	}

	t.txs = append(t.txs, cloneTransaction(tx))
	return nil
}

func (t *memTx) AdjustCreditBalance(ctx context.Context, clientID ledger.ClientID, delta decimal.Decimal) (decimal.Decimal, error) {
	c, err := t.GetClient(ctx, clientID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Max(decimal.Zero, c.CreditBalance.Add(delta))
	t.writeBalance(clientID, c.CreditBalance, balance)
	return balance, nil
}

func (t *memTx) SetCreditBalance(ctx context.Context, clientID ledger.ClientID, balance decimal.Decimal) error {
	c, err := t.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	t.writeBalance(clientID, c.CreditBalance, balance)
	return nil
}

// writeBalance records balance as pending. current is what the transaction
// saw, which on the first write is the committed value.
func (t *memTx) writeBalance(clientID ledger.ClientID, current, balance decimal.Decimal) {
	if _, written := t.balanceBase[clientID]; !written {
		t.balanceBase[clientID] = current
	}
	t.balances[clientID] = balance
}

// commit validates the transaction against committed state and publishes
// it. The caller holds the write lock.
func (t *memTx) commit() error {
	st := &t.m.st

	for id, version := range t.orderBase {
		o, ok := st.orders[id]
		if !ok || o.Version != version {
			return fmt.Errorf("%w: order %s changed before commit", ledger.ErrConcurrentModification, id)
		}
	}
	for id, balance := range t.balanceBase {
		c, ok := st.clients[id]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrClientNotFound, id)
		}
		if !c.CreditBalance.Equal(balance) {
			return fmt.Errorf("%w: balance of %s changed before commit", ledger.ErrConcurrentModification, id)
		}
	}
	for _, tx := range t.txs {
		if err := st.checkTransaction(tx); err != nil {
			return fmt.Errorf("%w: %w", ledger.ErrConcurrentModification, err)
		}
	}

	for _, tx := range t.txs {
		st.putTransaction(tx)
	}
	for id, o := range t.orders {
		st.orders[id] = o
		st.payments[id] = append(append([]ledger.OrderPayment(nil), st.payments[id]...), t.payments[id]...)
	}
	for id, balance := range t.balances {
		st.setBalance(id, balance)
	}
	return nil
}

// =============================================================================
// STATE - Callers hold the appropriate lock
// =============================================================================

func (s *state) getClient(id ledger.ClientID) (*ledger.Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrClientNotFound, id)
	}
	return &c, nil
}

func (s *state) setBalance(clientID ledger.ClientID, balance decimal.Decimal) {
	c := s.clients[clientID]
	c.CreditBalance = balance
	s.clients[clientID] = c
}

func (s *state) clientOrders(clientID ledger.ClientID, outstandingOnly bool) []ledger.Order {
	var orders []ledger.Order
	for _, o := range s.orders {
		if o.ClientID != clientID {
			continue
		}
		if outstandingOnly && !o.Outstanding() {
			continue
		}
		orders = append(orders, cloneOrder(o))
	}
	ledger.SortOldestFirst(orders)
	return orders
}

func (s *state) getOrder(id ledger.OrderID) (*ledger.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, id)
	}
	o = cloneOrder(o)
	return &o, nil
}

func (s *state) orderPayments(orderID ledger.OrderID) []ledger.OrderPayment {
	return append([]ledger.OrderPayment(nil), s.payments[orderID]...)
}

func (s *state) putOrderPayment(o ledger.Order, p ledger.OrderPayment) {
	s.orders[o.ID] = o
	s.payments[o.ID] = append(append([]ledger.OrderPayment(nil), s.payments[o.ID]...), p)
}

// checkTransaction reports whether tx can be appended.
func (s *state) checkTransaction(tx ledger.Transaction) error {
	if _, exists := s.txs[tx.ID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if tx.IdempotencyKey != "" {
		if _, exists := s.keys[tx.IdempotencyKey]; exists {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	return nil
}

func (s *state) putTransaction(tx ledger.Transaction) {
	s.txs[tx.ID] = cloneTransaction(tx)
	if tx.IdempotencyKey != "" {
		s.keys[tx.IdempotencyKey] = tx.ID
	}
}

func (s *state) getTransaction(id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	tx = cloneTransaction(tx)
	return &tx, nil
}

func (s *state) findByKey(key string) *ledger.Transaction {
	id, ok := s.keys[key]
	if !ok {
		return nil
	}
	tx := cloneTransaction(s.txs[id])
	return &tx
}

func (s *state) allTransactions() []ledger.Transaction {
	txs := make([]ledger.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		txs = append(txs, tx)
	}
	return txs
}

// =============================================================================
// HELPERS
// =============================================================================

// pageTransactions filters txs, sorts them newest first and cuts one page.
func pageTransactions(txs []ledger.Transaction, filter ledger.TransactionFilter) ([]ledger.Transaction, int) {
	var matched []ledger.Transaction
	for _, tx := range txs {
		if filter.ClientID != "" && tx.ClientID != filter.ClientID {
			continue
		}
		if filter.PaymentMethod != "" && tx.PaymentMethod != filter.PaymentMethod {
			continue
		}
		matched = append(matched, tx)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	page := make([]ledger.Transaction, 0, end-start)
	for _, tx := range matched[start:end] {
		page = append(page, cloneTransaction(tx))
	}
	return page, total
}

func hasTransaction(payments []ledger.OrderPayment, id ledger.TransactionID) bool {
	for _, p := range payments {
		if p.TransactionID == id {
			return true
		}
	}
	return false
}

func paymentOf(upd ledger.OrderPaymentUpdate) ledger.OrderPayment {
	return ledger.OrderPayment{
		OrderID:       upd.OrderID,
		TransactionID: upd.TransactionID,
		AmountApplied: upd.AmountApplied,
		CreatedAt:     upd.At,
	}
}

func cloneOrder(o ledger.Order) ledger.Order {
	o.LineItems = append([]ledger.LineItem(nil), o.LineItems...)
	return o
}

func cloneTransaction(tx ledger.Transaction) ledger.Transaction {
	tx.AppliedToOrders = append([]ledger.AppliedAmount(nil), tx.AppliedToOrders...)
	return tx
}
