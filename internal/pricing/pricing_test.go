package pricing

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func exampleCoefficients() *model.Coefficients {
	return &model.Coefficients{
		BaselineWeight: d(70),
		BasePrice:      d(10),
		KUp:            d(0.5),
		KDown:          d(0.3),
	}
}

// --- Formula tests ---

func TestDerive_AboveBaseline(t *testing.T) {
	price, err := Derive(72, exampleCoefficients())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(11)) {
		t.Errorf("expected 11.00, got %s", price)
	}
}

func TestDerive_BelowBaseline(t *testing.T) {
	price, err := Derive(68, exampleCoefficients())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(9.4)) {
		t.Errorf("expected 9.40, got %s", price)
	}
}

func TestDerive_AtBaselineIgnoresSlopes(t *testing.T) {
	for _, c := range []*model.Coefficients{
		exampleCoefficients(),
		{BaselineWeight: d(70), BasePrice: d(10), KUp: d(123.45), KDown: d(0)},
		{BaselineWeight: d(70), BasePrice: d(10), KUp: d(0), KDown: d(99)},
	} {
		price, err := Derive(70, c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !price.Equal(c.BasePrice) {
			t.Errorf("weight == W0 should give P0=%s, got %s", c.BasePrice, price)
		}
	}
}

func TestDerive_SlopeSelectionAcrossRange(t *testing.T) {
	c := exampleCoefficients()
	for w := 50.0; w <= 90.0; w += 0.25 {
		price, err := Derive(w, c)
		if err != nil {
			t.Fatalf("weight %v: unexpected error: %v", w, err)
		}
		diff := d(w).Sub(c.BaselineWeight)
		k := c.KUp
		if diff.IsNegative() {
			k = c.KDown
		}
		want := c.BasePrice.Add(diff.Mul(k)).Round(2)
		if !price.Equal(want) {
			t.Errorf("weight %v: expected %s, got %s", w, want, price)
		}
	}
}

func TestDerive_RoundsHalfUp(t *testing.T) {
	c := &model.Coefficients{BaselineWeight: d(70), BasePrice: d(10), KUp: d(0.25), KDown: d(0.25)}
	// diff 0.02 * 0.25 = 0.005 -> 10.005 -> 10.01
	price, err := Derive(70.02, c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(10.01)) {
		t.Errorf("expected 10.01 (half-up), got %s", price)
	}
}

func TestDerive_ResultHasTwoDecimals(t *testing.T) {
	price, err := Derive(71.333, exampleCoefficients())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(price.Round(2)) {
		t.Errorf("price %s has more than 2 decimals", price)
	}
}

// --- Validation tests ---

func TestDerive_MissingCoefficients(t *testing.T) {
	_, err := Derive(72, nil)
	if !errors.Is(err, apperr.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestDerive_InvalidWeight(t *testing.T) {
	for _, w := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Derive(w, exampleCoefficients())
		if !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("weight %v: expected ErrInvalidInput, got %v", w, err)
		}
	}
}

func TestValidateCoefficients(t *testing.T) {
	if err := ValidateCoefficients(*exampleCoefficients()); err != nil {
		t.Errorf("valid coefficients rejected: %v", err)
	}

	bad := []model.Coefficients{
		{BaselineWeight: d(0), BasePrice: d(10), KUp: d(1), KDown: d(1)},
		{BaselineWeight: d(70), BasePrice: d(0), KUp: d(1), KDown: d(1)},
		{BaselineWeight: d(70), BasePrice: d(10), KUp: d(-1), KDown: d(1)},
		{BaselineWeight: d(70), BasePrice: d(10), KUp: d(1), KDown: d(-0.1)},
		{BaselineWeight: d(70), BasePrice: d(10.001), KUp: d(1), KDown: d(1)},
	}
	for i, c := range bad {
		if err := ValidateCoefficients(c); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}
