// Package pricing implements the seller price formula: a piecewise-linear
// map from a private weight sample to a published price.
//
//	diff  = weight - W0
//	price = P0 + diff * kUp     if diff >= 0
//	price = P0 + diff * kDown   otherwise
//
// The result is rounded half-up to cents. The package is pure and stateless;
// the weight never leaves Derive.
package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/model"
)

// PriceScale is the number of decimal places of a published price.
var PriceScale int32 = 2

// Derive computes the price for weight under the seller's coefficients.
// It fails with apperr.ErrInvalidConfiguration when c is nil and with
// apperr.ErrInvalidInput when weight is not a finite positive number.
func Derive(weight float64, c *model.Coefficients) (decimal.Decimal, error) {
	if c == nil {
		return decimal.Zero, apperr.ErrInvalidConfiguration
	}
	if math.IsNaN(weight) || math.IsInf(weight, 0) || weight <= 0 {
		return decimal.Zero, fmt.Errorf("%w: weight must be a finite positive number", apperr.ErrInvalidInput)
	}
	return DeriveDecimal(decimal.NewFromFloat(weight), *c), nil
}

// DeriveDecimal is the formula itself with no validation.
func DeriveDecimal(weight decimal.Decimal, c model.Coefficients) decimal.Decimal {
	diff := weight.Sub(c.BaselineWeight)
	slope := c.KUp
	if diff.IsNegative() {
		slope = c.KDown
	}
	// Round is half away from zero, i.e. half-up for positive prices.
	return c.BasePrice.Add(diff.Mul(slope)).Round(PriceScale)
}

// ValidateCoefficients checks that a seller's parameters can produce prices:
// positive baseline weight and base price, non-negative slopes.
func ValidateCoefficients(c model.Coefficients) error {
	if !c.BaselineWeight.IsPositive() {
		return fmt.Errorf("%w: baseline weight must be positive", apperr.ErrInvalidInput)
	}
	if !c.BasePrice.IsPositive() {
		return fmt.Errorf("%w: base price must be positive", apperr.ErrInvalidInput)
	}
	if c.KUp.IsNegative() {
		return fmt.Errorf("%w: k_up must not be negative", apperr.ErrInvalidInput)
	}
	if c.KDown.IsNegative() {
		return fmt.Errorf("%w: k_down must not be negative", apperr.ErrInvalidInput)
	}
	if !c.BasePrice.Equal(c.BasePrice.Round(PriceScale)) {
		return fmt.Errorf("%w: base price must have at most %d decimals", apperr.ErrInvalidInput, PriceScale)
	}
	return nil
}
