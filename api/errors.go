package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/credit-ledger/ledger"
)

// Error kinds reported in ErrorResponse.Error. The first four are
// ledger.Kind values.
const (
	KindInvalidArgument  = "invalid_argument"
	KindNotFound         = "not_found"
	KindAborted          = "aborted"
	KindInternal         = "internal"
	KindAlreadyExists    = "already_exists"
	KindUnauthenticated  = "unauthenticated"
	KindPermissionDenied = "permission_denied"
)

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, message string, err error) {
	resp := ErrorResponse{Error: kind, Message: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a ledger error kind to its HTTP status.
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindInvalidArgument:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindAborted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeLedgerError reports err by its ledger kind. Internal errors are logged
// and their details withheld from the caller.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	kind := ledger.KindOf(err)
	if kind == ledger.KindInternal {
		h.Logger.Error(message, zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, KindInternal, message, nil)
		return
	}
	writeError(w, statusFor(kind), kind.String(), message, err)
}
