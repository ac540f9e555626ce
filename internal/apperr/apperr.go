// Package apperr defines the error taxonomy surfaced by the exchange core.
//
// Every failure path returns an error that matches exactly one of these
// sentinels via errors.Is; context is attached with fmt.Errorf("...: %w").
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidInput is malformed or out-of-range caller data. Never retried.
	ErrInvalidInput = errors.New("apperr: invalid input")

	// ErrInvalidConfiguration means the seller has not set pricing coefficients.
	ErrInvalidConfiguration = errors.New("apperr: seller pricing coefficients are not configured")

	// ErrInsufficientFunds rejects a debit that would leave a negative balance.
	ErrInsufficientFunds = errors.New("apperr: insufficient funds")

	// ErrInsufficientPosition rejects a sell larger than the shares held.
	ErrInsufficientPosition = errors.New("apperr: insufficient position")

	// ErrSessionAlreadyFilled rejects a second price for the same seller/date/session.
	ErrSessionAlreadyFilled = errors.New("apperr: price session already filled")

	// ErrBusy signals lock contention. Safe to retry with backoff.
	ErrBusy = errors.New("apperr: resource busy, retry later")

	// ErrNotFound is an unknown user or seller reference.
	ErrNotFound = errors.New("apperr: not found")

	// ErrNoPriceAvailable means the seller has never published a price.
	ErrNoPriceAvailable = errors.New("apperr: no price available")

	// ErrInvalidAmount rejects a non-positive or malformed recharge amount.
	ErrInvalidAmount = errors.New("apperr: invalid amount")

	// ErrForbidden is a role mismatch at the transport edge.
	ErrForbidden = errors.New("apperr: forbidden")
)

// Status maps an error to the HTTP status code the API responds with.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidConfiguration):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientPosition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrSessionAlreadyFilled):
		return http.StatusConflict
	case errors.Is(err, ErrNoPriceAvailable):
		return http.StatusConflict
	case errors.Is(err, ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable name for err, or "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, ErrSessionAlreadyFilled):
		return "session_already_filled"
	case errors.Is(err, ErrNoPriceAvailable):
		return "no_price_available"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}
