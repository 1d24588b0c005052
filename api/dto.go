/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal strings ("120.50") in responses. Requests accept either
  a JSON number or a string; strings avoid float rounding on the way in.

VALIDATION:
  Validation is done in handlers and the ledger package, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - client/client.go: Decodes the same types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// PaymentRequest is the body of POST /api/clients/{id}/payments.
type PaymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	PaymentMethod   string          `json:"payment_method"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// CreateClientRequest is the body of POST /api/clients.
type CreateClientRequest struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Mobile string `json:"mobile,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// CreateOrderRequest is the body of POST /api/clients/{id}/orders.
type CreateOrderRequest struct {
	ID         string            `json:"id,omitempty"`
	BillNumber string            `json:"bill_number,omitempty"`
	LineItems  []LineItemRequest `json:"line_items"`
	OldBalance decimal.Decimal   `json:"old_balance"`
}

type LineItemRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ClientDTO struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Mobile        string          `json:"mobile,omitempty"`
	Email         string          `json:"email,omitempty"`
	Role          string          `json:"role"`
	CreditBalance decimal.Decimal `json:"credit_balance"`
	CreatedAt     string          `json:"created_at,omitempty"`
}

type LineItemDTO struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type OrderDTO struct {
	ID            string          `json:"id"`
	BillNumber    string          `json:"bill_number"`
	ClientID      string          `json:"client_id"`
	LineItems     []LineItemDTO   `json:"line_items,omitempty"`
	OldBalance    decimal.Decimal `json:"old_balance"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	AmountOwed    decimal.Decimal `json:"amount_owed"`
	PaymentStatus string          `json:"payment_status"`
	Version       int64           `json:"version"`
	CreatedAt     string          `json:"created_at"`
}

type AppliedAmountDTO struct {
	OrderID       string          `json:"order_id"`
	AmountApplied decimal.Decimal `json:"amount_applied"`
}

// TransactionDTO is one journal entry.
type TransactionDTO struct {
	ID              string             `json:"id"`
	ClientID        string             `json:"client_id"`
	Amount          decimal.Decimal    `json:"amount"`
	Type            string             `json:"type"`
	PaymentMethod   string             `json:"payment_method"`
	ReferenceNumber string             `json:"reference_number,omitempty"`
	AppliedToOrders []AppliedAmountDTO `json:"applied_to_orders"`
	Unallocated     decimal.Decimal    `json:"unallocated"`
	RecordedBy      string             `json:"recorded_by"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty"`
	CreatedAt       string             `json:"created_at"`
}

// PaymentResultDTO is returned by payment processing and replay.
type PaymentResultDTO struct {
	Transaction     TransactionDTO  `json:"transaction"`
	UpdatedOrders   []OrderDTO      `json:"updated_orders"`
	RemainingCredit decimal.Decimal `json:"remaining_credit"`
	Unallocated     decimal.Decimal `json:"unallocated"`
	Replayed        bool            `json:"replayed"`
}

// PaymentListDTO is one page of the journal.
type PaymentListDTO struct {
	Payments   []TransactionDTO `json:"payments"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	TotalPages int              `json:"total_pages"`
}

// ClientListDTO is one page of the client listing.
type ClientListDTO struct {
	Clients    []ClientDTO `json:"clients"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// CreditSummaryDTO is the client credit view.
type CreditSummaryDTO struct {
	ClientID      string          `json:"client_id"`
	CreditBalance decimal.Decimal `json:"credit_balance"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
	Drift         decimal.Decimal `json:"drift"`
	InSync        bool            `json:"in_sync"`
	TotalOrders   int             `json:"total_orders"`
	PaidOrders    int             `json:"paid_orders"`
	UnpaidOrders  int             `json:"unpaid_orders"`
}

// ReconcileDTO reports what Reconcile found and whether it wrote.
type ReconcileDTO struct {
	CreditSummaryDTO
	Repaired bool `json:"repaired"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toClientDTO(c ledger.Client) ClientDTO {
	return ClientDTO{
		ID:            string(c.ID),
		Name:          c.Name,
		Mobile:        c.Mobile,
		Email:         c.Email,
		Role:          string(c.Role),
		CreditBalance: c.CreditBalance,
		CreatedAt:     formatTime(c.CreatedAt),
	}
}

func toOrderDTO(o ledger.Order) OrderDTO {
	dto := OrderDTO{
		ID:            string(o.ID),
		BillNumber:    o.BillNumber,
		ClientID:      string(o.ClientID),
		OldBalance:    o.OldBalance,
		TotalAmount:   o.TotalAmount,
		AmountPaid:    o.AmountPaid,
		AmountOwed:    o.Owed(),
		PaymentStatus: string(o.PaymentStatus),
		Version:       o.Version,
		CreatedAt:     formatTime(o.CreatedAt),
	}
	for _, item := range o.LineItems {
		dto.LineItems = append(dto.LineItems, LineItemDTO{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
		})
	}
	return dto
}

func toOrderDTOs(orders []ledger.Order) []OrderDTO {
	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	return dtos
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	applied := make([]AppliedAmountDTO, len(tx.AppliedToOrders))
	for i, a := range tx.AppliedToOrders {
		applied[i] = AppliedAmountDTO{OrderID: string(a.OrderID), AmountApplied: a.AmountApplied}
	}
	return TransactionDTO{
		ID:              string(tx.ID),
		ClientID:        string(tx.ClientID),
		Amount:          tx.Amount,
		Type:            string(tx.Type),
		PaymentMethod:   string(tx.PaymentMethod),
		ReferenceNumber: tx.ReferenceNumber,
		AppliedToOrders: applied,
		Unallocated:     tx.Unallocated(),
		RecordedBy:      tx.RecordedBy,
		IdempotencyKey:  tx.IdempotencyKey,
		CreatedAt:       formatTime(tx.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toPaymentResultDTO(res *ledger.PaymentResult) PaymentResultDTO {
	return PaymentResultDTO{
		Transaction:     toTransactionDTO(res.Transaction),
		UpdatedOrders:   toOrderDTOs(res.UpdatedOrders),
		RemainingCredit: res.NewBalance,
		Unallocated:     res.Unallocated,
		Replayed:        res.Replayed,
	}
}

func toCreditSummaryDTO(s ledger.CreditSummary) CreditSummaryDTO {
	return CreditSummaryDTO{
		ClientID:      string(s.ClientID),
		CreditBalance: s.CreditBalance,
		CachedBalance: s.CachedBalance,
		Drift:         s.Drift,
		InSync:        s.InSync(),
		TotalOrders:   s.TotalOrders,
		PaidOrders:    s.PaidOrders,
		UnpaidOrders:  s.UnpaidOrders,
	}
}
