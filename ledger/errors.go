/*
errors.go - Error taxonomy for the allocation engine

PURPOSE:
  Sentinel errors for errors.Is checks inside the engine and stores, and a
  structured *Error whose Kind is the stable classification the API facade
  reports to callers.

KINDS:
  InvalidArgument  bad amount, unsupported method, missing ids (no mutation)
  NotFound         unknown client / order / journal entry (no mutation)
  Aborted          optimistic conflicts outlasted the retry budget
  Internal         the store failed mid-allocation

SEE ALSO:
  - engine.go: Produces *Error values
  - api/errors.go: Maps Kind to HTTP status
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrClientNotFound      = errors.New("client not found")
	ErrClientExists        = errors.New("client already exists")
	ErrNotAClient          = errors.New("account is not a client")
	ErrOrderNotFound       = errors.New("order not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	ErrInvalidAmount     = errors.New("amount must be a positive value with at most two decimals")
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	ErrMissingClient     = errors.New("client id is required")
	ErrMissingRecorder   = errors.New("recorded-by is required")
	ErrInvalidOrder      = errors.New("invalid order")

	// ErrConcurrentModification is returned by a conditional order update
	// when the stored version no longer matches.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a journal entry with the
	// same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyReused is returned when a key is presented again with
	// a different client or amount.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different payment")

	// ErrPaymentAlreadyApplied is returned when a journal entry has already
	// been applied to an order. Replay treats it as success.
	ErrPaymentAlreadyApplied = errors.New("payment already applied to order")

	// ErrOverpayOrder guards the AmountPaid <= TotalAmount invariant.
	ErrOverpayOrder = errors.New("payment would exceed order total")

	ErrDuplicateBillNumber = errors.New("duplicate bill number")
)

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindAborted:
		return "aborted"
	default:
		return "internal"
	}
}

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error. Sentinels that are not wrapped in *Error are
// classified by what they mean; everything else is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case IsNotFound(err):
		return KindNotFound
	case IsClientError(err):
		return KindInvalidArgument
	case IsRetryable(err):
		return KindAborted
	}
	return KindInternal
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a fresh attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnsupportedMethod) ||
		errors.Is(err, ErrMissingClient) ||
		errors.Is(err, ErrMissingRecorder) ||
		errors.Is(err, ErrIdempotencyKeyReused) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrDuplicateBillNumber)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrNotAClient) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
