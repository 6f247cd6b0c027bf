package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"yieldsource/adapter"
	"yieldsource/savings"
	"yieldsource/token"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// translate maps engine and collaborator errors onto the wire taxonomy. The
// message carries the underlying reason string verbatim so integrations that
// match on the canonical strings keep working.
func translate(err error) (int, string) {
	switch {
	case errors.Is(err, adapter.ErrInvalidAmount), errors.Is(err, savings.ErrInvalidAmount), errors.Is(err, token.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, adapter.ErrZeroAddress), errors.Is(err, token.ErrZeroAddress):
		return http.StatusBadRequest, "invalid_address"
	case errors.Is(err, adapter.ErrInsufficientBalance), errors.Is(err, savings.ErrInsufficientCredits):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, token.ErrInsufficientBalance), errors.Is(err, token.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity, "transfer_failed"
	case errors.Is(err, savings.ErrReserveShortfall):
		return http.StatusUnprocessableEntity, "facility_shortfall"
	case errors.Is(err, adapter.ErrProtectedAsset):
		return http.StatusForbidden, "protected_asset"
	case errors.Is(err, adapter.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, adapter.ErrReentrancy):
		return http.StatusConflict, "busy"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := translate(err)
	message := ""
	if err != nil {
		message = err.Error()
	}
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
