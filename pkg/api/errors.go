package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/model"

	"go.uber.org/zap"
)

// DepositBlockedMessage is the user-facing answer to a self-service deposit.
const DepositBlockedMessage = "Deposit failed. Please contact admin to complete this transaction."

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInvalidInput:
		return http.StatusBadRequest
	case model.KindInvalidState:
		return http.StatusConflict
	case model.KindPolicyViolation:
		return http.StatusForbidden
	case model.KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{
		Error:     err.Error(),
		Kind:      model.KindOf(err).String(),
		Retryable: model.IsRetryable(err),
	}

	switch {
	case errors.Is(err, model.ErrDepositBlocked):
		body.Error = DepositBlockedMessage
	case status == http.StatusInternalServerError:
		s.logger.Error("unclassified error",
			logging.TraceID(RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		body.Error = "internal error"
	}

	if body.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

func writeUnavailable(w http.ResponseWriter, msg string) {
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusServiceUnavailable, errorBody{
		Error:     msg,
		Kind:      model.KindDependency.String(),
		Retryable: true,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
