// Package position implements the average-cost position reducer.
//
// The same Apply function drives both the live Position cache (updated inside
// the trade transaction) and Replay over the trade log, so the two can never
// disagree about shares, cost basis or realized P&L.
package position

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/model"
)

// CostBasisScale is the number of decimal places kept on the average cost.
const CostBasisScale int32 = 8

// State is the holding of one buyer against one seller.
type State struct {
	Shares    int64
	CostBasis decimal.Decimal
}

// FromPosition extracts the reducer state from a stored position.
func FromPosition(p model.Position) State {
	return State{Shares: p.Shares, CostBasis: p.CostBasis}
}

// Invested is the cost of the shares currently held.
func (s State) Invested() decimal.Decimal {
	return s.CostBasis.Mul(decimal.NewFromInt(s.Shares))
}

// Apply folds one fill into the state and returns the new state plus the
// realized P&L of the fill (always zero for buys).
//
// Buys blend the fill price into the average cost. Sells leave the average
// unchanged and realize (price - costBasis) * quantity. A position that falls
// to zero shares has its cost basis reset to zero.
func Apply(s State, side model.Side, quantity int64, price decimal.Decimal) (State, decimal.Decimal, error) {
	if quantity <= 0 {
		return s, decimal.Zero, fmt.Errorf("%w: quantity must be positive", apperr.ErrInvalidInput)
	}
	qty := decimal.NewFromInt(quantity)

	switch side {
	case model.SideBuy:
		shares := s.Shares + quantity
		total := s.Invested().Add(price.Mul(qty))
		basis := total.Div(decimal.NewFromInt(shares)).Round(CostBasisScale)
		return State{Shares: shares, CostBasis: basis}, decimal.Zero, nil

	case model.SideSell:
		if quantity > s.Shares {
			return s, decimal.Zero, fmt.Errorf("%w: selling %d, holding %d", apperr.ErrInsufficientPosition, quantity, s.Shares)
		}
		realized := price.Sub(s.CostBasis).Mul(qty)
		next := State{Shares: s.Shares - quantity, CostBasis: s.CostBasis}
		if next.Shares == 0 {
			next.CostBasis = decimal.Zero
		}
		return next, realized, nil

	default:
		return s, decimal.Zero, fmt.Errorf("%w: unknown side %q", apperr.ErrInvalidInput, side)
	}
}

// Replay folds trades in order starting from an empty position.
// Trades are expected to belong to a single (buyer, seller) pair and be
// sorted chronologically.
func Replay(trades []model.Trade) (State, decimal.Decimal, error) {
	var s State
	realized := decimal.Zero
	for _, t := range trades {
		next, r, err := Apply(s, t.Side, t.Quantity, t.Price)
		if err != nil {
			return s, realized, fmt.Errorf("replay trade %s: %w", t.ID, err)
		}
		s = next
		realized = realized.Add(r)
	}
	return s, realized, nil
}

// Equal reports whether two states hold the same shares at the same basis.
func (s State) Equal(o State) bool {
	return s.Shares == o.Shares && s.CostBasis.Equal(o.CostBasis)
}

func (s State) String() string {
	return fmt.Sprintf("%d @ %s", s.Shares, s.CostBasis.StringFixed(CostBasisScale))
}
