/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the allocation engine, the balance projector and the collaborator
  hooks via REST. Handles HTTP request/response and JSON, and delegates every
  money decision to package ledger.

ENDPOINTS:
  Payments:
    POST   /api/clients/{id}/payments   Record a payment (admin, staff)
    GET    /api/payments                Journal listing (clients see their own)
    GET    /api/payments/my             Caller's own journal (client)
    GET    /api/payments/{id}           One journal entry
    POST   /api/payments/{id}/replay    Finish a half-applied entry (admin)

  Credit:
    GET    /api/clients/{id}/credit     Recomputed balance and order counts
    POST   /api/clients/{id}/reconcile  Repair the cached balance (admin)
    GET    /api/clients/{id}/orders     Orders, optional ?status=

  Collaborator hooks:
    GET    /api/clients                 List clients, ?search= (admin, staff)
    POST   /api/clients                 Register a client (admin, staff)
    GET    /api/clients/{id}            Client record
    POST   /api/clients/{id}/orders     Register an order (admin, staff)

REQUEST FLOW:
  1. Parse HTTP request
  2. Check the caller may see the client
  3. Call ledger (engine, projector or store)
  4. Serialize response
  5. Map ledger error kinds to HTTP status (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Caller identity and role gates
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/credit-ledger/ledger"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
	maxPageOffset    = math.MaxInt32

	idempotencyHeader = "Idempotency-Key"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the storage the facade needs: engine reads plus the collaborator
// writes.
type Store interface {
	ledger.Store
	ledger.Registry
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Projector *ledger.Projector
	Store     Store
	Logger    *zap.Logger

	now func() time.Time
}

// NewHandler creates a new handler. A nil logger discards output.
func NewHandler(engine *ledger.Engine, store Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine:    engine,
		Projector: ledger.NewProjector(store),
		Store:     store,
		Logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// authorizeClient lets back-office callers through and clients only to
// their own records.
func authorizeClient(w http.ResponseWriter, r *http.Request, clientID ledger.ClientID) (Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, KindUnauthenticated, "Not authenticated", nil)
		return Identity{}, false
	}
	if id.Staff() || id.Owns(clientID) {
		return id, true
	}
	writeError(w, http.StatusForbidden, KindPermissionDenied, "You can only access your own records", nil)
	return Identity{}, false
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ProcessPayment allocates a payment across the client's outstanding orders.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))
	caller, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, KindUnauthenticated, "Not authenticated", nil)
		return
	}

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidArgument, "Invalid request body", err)
		return
	}
	method, err := ledger.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidArgument,
			fmt.Sprintf("Payment method must be one of %s", methodNames()), err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(idempotencyHeader)
	}

	res, err := h.Engine.ProcessPayment(r.Context(), ledger.PaymentRequest{
		ClientID:       clientID,
		Amount:         req.Amount,
		Method:         method,
		Reference:      req.ReferenceNumber,
		RecordedBy:     caller.UserID,
		IdempotencyKey: strings.TrimSpace(key),
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to process payment", err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toPaymentResultDTO(res))
}

// ListPayments returns one page of the journal, newest first. Clients only
// ever see their own entries.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	caller, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, KindUnauthenticated, "Not authenticated", nil)
		return
	}

	q := r.URL.Query()
	filter := ledger.TransactionFilter{ClientID: ledger.ClientID(q.Get("client_id"))}
	if caller.Role == ledger.RoleClient {
		filter.ClientID = ledger.ClientID(caller.UserID)
	}
	if m := q.Get("payment_method"); m != "" {
		method, err := ledger.ParsePaymentMethod(m)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindInvalidArgument, "Unknown payment method filter", err)
			return
		}
		filter.PaymentMethod = method
	}
	h.listPayments(w, r, filter)
}

// MyPayments is ListPayments scoped to the calling client.
func (h *Handler) MyPayments(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	h.listPayments(w, r, ledger.TransactionFilter{ClientID: ledger.ClientID(caller.UserID)})
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request, filter ledger.TransactionFilter) {
	page, limit, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidArgument, "Invalid pagination", err)
		return
	}
	filter.Limit = limit
	filter.Offset = (page - 1) * limit

	txs, total, err := h.Store.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentListDTO{
		Payments:   toTransactionDTOs(txs),
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	})
}

// GetPayment returns one journal entry.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Store.GetTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get payment", err)
		return
	}
	if _, ok := authorizeClient(w, r, tx.ClientID); !ok {
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// ReplayPayment completes a journal entry whose order updates did not all
// land and resets the cached balance.
func (h *Handler) ReplayPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Replay(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to replay payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResultDTO(res))
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

// GetCredit returns the recomputed balance next to the cached one.
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))
	if _, ok := authorizeClient(w, r, clientID); !ok {
		return
	}
	summary, err := h.Projector.Summary(r.Context(), clientID)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get credit", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditSummaryDTO(summary))
}

// Reconcile overwrites the cached balance with the recomputed one.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))
	summary, err := h.Engine.Reconcile(r.Context(), clientID)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{
		CreditSummaryDTO: toCreditSummaryDTO(summary),
		Repaired:         !summary.InSync(),
	})
}

// ListClientOrders returns the client's orders, oldest first.
func (h *Handler) ListClientOrders(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))
	if _, ok := authorizeClient(w, r, clientID); !ok {
		return
	}

	var status ledger.PaymentStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = ledger.PaymentStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, KindInvalidArgument,
				fmt.Sprintf("Status must be %q, %q or %q", ledger.StatusUnpaid, ledger.StatusPartiallyPaid, ledger.StatusPaid), nil)
			return
		}
	}

	ctx := r.Context()
	if _, err := h.Store.GetClient(ctx, clientID); err != nil {
		h.writeLedgerError(w, r, "Failed to list orders", err)
		return
	}
	orders, err := h.Store.ClientOrders(ctx, clientID)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list orders", err)
		return
	}
	if status != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if o.PaymentStatus == status {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	writeJSON(w, http.StatusOK, toOrderDTOs(orders))
}

// =============================================================================
// COLLABORATOR HOOKS - Clients and orders
// =============================================================================

// ListClients returns one page of accounts ordered by id. ?search= matches
// name, mobile or email case-insensitively.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	page, limit, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidArgument, "Invalid pagination", err)
		return
	}
	clients, err := h.Store.ListClients(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list clients", err)
		return
	}

	if search := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("search"))); search != "" {
		matched := clients[:0]
		for _, c := range clients {
			if strings.Contains(strings.ToLower(c.Name), search) ||
				strings.Contains(strings.ToLower(c.Mobile), search) ||
				strings.Contains(strings.ToLower(c.Email), search) {
				matched = append(matched, c)
			}
		}
		clients = matched
	}

	total := len(clients)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	dtos := make([]ClientDTO, 0, end-start)
	for _, c := range clients[start:end] {
		dtos = append(dtos, toClientDTO(c))
	}
	writeJSON(w, http.StatusOK, ClientListDTO{
		Clients:    dtos,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	})
}

// GetClient returns one account.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))
	if _, ok := authorizeClient(w, r, clientID); !ok {
		return
	}
	c, err := h.Store.GetClient(r.Context(), clientID)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get client", err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(*c))
}

// CreateClient registers an account with a zero balance.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidArgument, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, KindInvalidArgument, "Name is required", nil)
		return
	}
	role := ledger.RoleClient
	if req.Role != "" {
		role = ledger.Role(req.Role)
		if !role.Valid() {
			writeError(w, http.StatusBadRequest, KindInvalidArgument, "Role must be admin, staff or client", nil)
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	client := ledger.Client{
		ID:            ledger.ClientID(req.ID),
		Name:          strings.TrimSpace(req.Name),
		Mobile:        req.Mobile,
		Email:         req.Email,
		Role:          role,
		CreditBalance: decimal.Zero,
		CreatedAt:     h.now(),
	}
	if err := h.Store.CreateClient(r.Context(), client); err != nil {
		if errors.Is(err, ledger.ErrClientExists) {
			writeError(w, http.StatusConflict, KindAlreadyExists, fmt.Sprintf("Client %s already exists", req.ID), nil)
			return
		}
		h.writeLedgerError(w, r, "Failed to create client", err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(client))
}

// CreateOrder registers a billed order and adds its total to the client's
// cached balance.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidArgument, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	client, err := h.Store.GetClient(ctx, clientID)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to create order", err)
		return
	}
	if client.Role != ledger.RoleClient {
		writeError(w, http.StatusBadRequest, KindInvalidArgument, "Orders can only be billed to clients", nil)
		return
	}

	items := make([]ledger.LineItem, len(req.LineItems))
	for i, item := range req.LineItems {
		items[i] = ledger.LineItem{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice}
	}
	order, err := ledger.PrepareOrder(ledger.Order{
		ID:         ledger.OrderID(req.ID),
		BillNumber: req.BillNumber,
		ClientID:   clientID,
		LineItems:  items,
		OldBalance: req.OldBalance,
	}, h.now())
	if err != nil {
		h.writeLedgerError(w, r, "Invalid order", err)
		return
	}
	if err := h.Store.CreateOrder(ctx, order); err != nil {
		h.writeLedgerError(w, r, "Failed to create order", err)
		return
	}
	h.Logger.Info("order registered",
		zap.String("client_id", string(clientID)),
		zap.String("order_id", string(order.ID)),
		zap.String("total", order.TotalAmount.String()))
	writeJSON(w, http.StatusCreated, toOrderDTO(order))
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports liveness, and database reachability when the store can
// tell.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, KindInternal, "Database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"transactional": h.Engine.Transactional(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func pagination(r *http.Request) (page, limit int, err error) {
	page, limit = 1, defaultPageLimit
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("page must be a positive integer, got %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer, got %q", v)
		}
		limit = min(limit, maxPageLimit)
	}
	if page-1 > maxPageOffset/limit {
		return 0, 0, fmt.Errorf("page %d is out of range", page)
	}
	return page, limit, nil
}

func methodNames() string {
	names := make([]string, len(ledger.PaymentMethods))
	for i, m := range ledger.PaymentMethods {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}
