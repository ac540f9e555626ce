package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestStatus_WrappedErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("weight: %w", ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{fmt.Errorf("recharge: %w", ErrInvalidAmount), http.StatusBadRequest, "invalid_amount"},
		{ErrInvalidConfiguration, http.StatusPreconditionFailed, "invalid_configuration"},
		{fmt.Errorf("buy: %w", ErrInsufficientFunds), http.StatusUnprocessableEntity, "insufficient_funds"},
		{ErrInsufficientPosition, http.StatusUnprocessableEntity, "insufficient_position"},
		{ErrSessionAlreadyFilled, http.StatusConflict, "session_already_filled"},
		{ErrNoPriceAvailable, http.StatusConflict, "no_price_available"},
		{fmt.Errorf("lock pos:a:b: %w", ErrBusy), http.StatusServiceUnavailable, "busy"},
		{fmt.Errorf("user u1: %w", ErrNotFound), http.StatusNotFound, "not_found"},
		{ErrForbidden, http.StatusForbidden, "forbidden"},
		{errors.New("connection refused"), http.StatusInternalServerError, "internal"},
	}

	for _, c := range cases {
		if got := Status(c.err); got != c.status {
			t.Errorf("Status(%v) = %d, want %d", c.err, got, c.status)
		}
		if got := Code(c.err); got != c.code {
			t.Errorf("Code(%v) = %s, want %s", c.err, got, c.code)
		}
	}
}

func TestStatus_Nil(t *testing.T) {
	if Status(nil) != http.StatusOK {
		t.Error("nil error should map to 200")
	}
}

func TestSentinels_PackagePrefix(t *testing.T) {
	sentinels := []error{
		ErrInvalidInput, ErrInvalidConfiguration, ErrInsufficientFunds,
		ErrInsufficientPosition, ErrSessionAlreadyFilled, ErrBusy,
		ErrNotFound, ErrNoPriceAvailable, ErrInvalidAmount, ErrForbidden,
	}
	for _, err := range sentinels {
		if !strings.HasPrefix(err.Error(), "apperr: ") {
			t.Errorf("%q lacks the apperr prefix", err)
		}
	}
}
