package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"raac/native/reserve"
	"raac/services/reserved/registry"
)

// requestError marks malformed client input detected before the engine runs.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnknownReserve):
		return http.StatusNotFound
	}
	switch reserve.KindOf(err) {
	case reserve.KindInput:
		return http.StatusBadRequest
	case reserve.KindLiquidity, reserve.KindConcurrency:
		return http.StatusConflict
	case reserve.KindRatePolicy:
		return http.StatusUnprocessableEntity
	case reserve.KindPaused:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func unknownReserve(id string) error {
	return fmt.Errorf("%w: %s", registry.ErrUnknownReserve, id)
}
