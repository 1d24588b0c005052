/*
Package client is a Go client for the ledger HTTP API.

It is used by the ledgerctl CLI and by back-office integrations that record
payments programmatically. Every call carries the bearer token given to New;
non-2xx responses come back as *APIError with the server's error kind.

USAGE:
  c := client.New("http://localhost:8080", token)
  res, err := c.RecordPayment(ctx, "c-1", api.PaymentRequest{...})
*/
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/warp/credit-ledger/api"
)

const idempotencyHeader = "Idempotency-Key"

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%d %s: %s (%v)", e.Status, e.ErrorResponse.Error, e.Message, e.Details)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.ErrorResponse.Error, e.Message)
}

// Kind returns the server's error kind, e.g. "aborted".
func (e *APIError) Kind() string { return e.ErrorResponse.Error }

type Client struct {
	http *resty.Client
}

// Option configures a Client.
type Option func(*resty.Client)

// WithTimeout sets the per-request timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetries retries transport failures and 409 aborted responses. A POST
// is only retried when it carries an Idempotency-Key; a timed out request may
// still have been applied by the server.
func WithRetries(n int) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(n).
			SetRetryWaitTime(100 * time.Millisecond).
			AddRetryCondition(retryable)
	}
}

func retryable(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil {
		return false
	}
	if r.Request.Method == http.MethodPost && r.Request.Header.Get(idempotencyHeader) == "" {
		return false
	}
	return err != nil || r.StatusCode() == http.StatusConflict
}

func New(baseURL, token string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second)
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any, configure ...func(*resty.Request)) error {
	req := c.http.R().
		SetContext(ctx).
		SetError(&api.ErrorResponse{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	for _, fn := range configure {
		fn(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if e, ok := resp.Error().(*api.ErrorResponse); ok && e != nil {
			apiErr.ErrorResponse = *e
		}
		if apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = http.StatusText(resp.StatusCode())
		}
		return apiErr
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPayment allocates a payment to the client's orders. The idempotency
// key is sent both in the body and as the Idempotency-Key header; when the
// caller gives none a random one is used, so retries of this call can never
// record the payment twice.
func (c *Client) RecordPayment(ctx context.Context, clientID string, req api.PaymentRequest) (*api.PaymentResultDTO, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	var res api.PaymentResultDTO
	err := c.do(ctx, http.MethodPost, "/api/clients/"+url.PathEscape(clientID)+"/payments", req, &res,
		func(r *resty.Request) { r.SetHeader(idempotencyHeader, req.IdempotencyKey) })
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListOptions filters a journal listing. Zero values are omitted.
type ListOptions struct {
	ClientID      string
	PaymentMethod string
	Page          int
	Limit         int
}

func (o ListOptions) query() map[string]string {
	q := map[string]string{}
	if o.ClientID != "" {
		q["client_id"] = o.ClientID
	}
	if o.PaymentMethod != "" {
		q["payment_method"] = o.PaymentMethod
	}
	if o.Page > 0 {
		q["page"] = strconv.Itoa(o.Page)
	}
	if o.Limit > 0 {
		q["limit"] = strconv.Itoa(o.Limit)
	}
	return q
}

func (c *Client) ListPayments(ctx context.Context, opts ListOptions) (*api.PaymentListDTO, error) {
	var res api.PaymentListDTO
	if err := c.do(ctx, http.MethodGet, "/api/payments", nil, &res,
		func(r *resty.Request) { r.SetQueryParams(opts.query()) }); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetPayment(ctx context.Context, id string) (*api.TransactionDTO, error) {
	var res api.TransactionDTO
	if err := c.do(ctx, http.MethodGet, "/api/payments/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReplayPayment finishes a half-applied journal entry (admin only).
func (c *Client) ReplayPayment(ctx context.Context, id string) (*api.PaymentResultDTO, error) {
	var res api.PaymentResultDTO
	if err := c.do(ctx, http.MethodPost, "/api/payments/"+url.PathEscape(id)+"/replay", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// =============================================================================
// CREDIT
// =============================================================================

func (c *Client) Credit(ctx context.Context, clientID string) (*api.CreditSummaryDTO, error) {
	var res api.CreditSummaryDTO
	if err := c.do(ctx, http.MethodGet, "/api/clients/"+url.PathEscape(clientID)+"/credit", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Reconcile repairs the client's cached balance (admin only).
func (c *Client) Reconcile(ctx context.Context, clientID string) (*api.ReconcileDTO, error) {
	var res api.ReconcileDTO
	if err := c.do(ctx, http.MethodPost, "/api/clients/"+url.PathEscape(clientID)+"/reconcile", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Orders lists the client's orders; status may be empty.
func (c *Client) Orders(ctx context.Context, clientID, status string) ([]api.OrderDTO, error) {
	var res []api.OrderDTO
	err := c.do(ctx, http.MethodGet, "/api/clients/"+url.PathEscape(clientID)+"/orders", nil, &res,
		func(r *resty.Request) {
			if status != "" {
				r.SetQueryParam("status", status)
			}
		})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// =============================================================================
// COLLABORATOR HOOKS
// =============================================================================

func (c *Client) CreateClient(ctx context.Context, req api.CreateClientRequest) (*api.ClientDTO, error) {
	var res api.ClientDTO
	if err := c.do(ctx, http.MethodPost, "/api/clients", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CreateOrder(ctx context.Context, clientID string, req api.CreateOrderRequest) (*api.OrderDTO, error) {
	var res api.OrderDTO
	if err := c.do(ctx, http.MethodPost, "/api/clients/"+url.PathEscape(clientID)+"/orders", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ClientListOptions filters a client listing. Zero values are omitted.
type ClientListOptions struct {
	Search string
	Page   int
	Limit  int
}

func (c *Client) Clients(ctx context.Context, opts ClientListOptions) (*api.ClientListDTO, error) {
	q := map[string]string{}
	if opts.Search != "" {
		q["search"] = opts.Search
	}
	if opts.Page > 0 {
		q["page"] = strconv.Itoa(opts.Page)
	}
	if opts.Limit > 0 {
		q["limit"] = strconv.Itoa(opts.Limit)
	}
	var res api.ClientListDTO
	if err := c.do(ctx, http.MethodGet, "/api/clients", nil, &res,
		func(r *resty.Request) { r.SetQueryParams(q) }); err != nil {
		return nil, err
	}
	return &res, nil
}
