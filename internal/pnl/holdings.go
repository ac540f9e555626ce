package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/position"
)

// Holding is an open position valued at the seller's latest price.
type Holding struct {
	SellerID     string           `json:"seller_id"`
	SellerName   string           `json:"seller_name,omitempty"`
	Shares       int64            `json:"shares"`
	CostBasis    decimal.Decimal  `json:"cost_basis"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	TotalCost    decimal.Decimal  `json:"total_cost"`
	CurrentValue decimal.Decimal  `json:"current_value"`
	PnL          decimal.Decimal  `json:"pnl"`
	PnLPercent   decimal.Decimal  `json:"pnl_percent"`
}

// Holdings values every position with shares > 0. Without a price the
// position is carried at cost.
func Holdings(positions []model.Position, latest map[string]decimal.Decimal) []Holding {
	out := make([]Holding, 0, len(positions))
	for _, p := range positions {
		if p.Shares <= 0 {
			continue
		}
		state := position.FromPosition(p)
		cost := state.Invested()
		h := Holding{
			SellerID:     p.SellerID,
			Shares:       p.Shares,
			CostBasis:    p.CostBasis,
			TotalCost:    cost.Round(OutputScale),
			CurrentValue: cost.Round(OutputScale),
			PnL:          decimal.Zero,
			PnLPercent:   decimal.Zero,
		}
		if price, ok := latest[p.SellerID]; ok {
			value := price.Mul(decimal.NewFromInt(p.Shares))
			pnl := value.Sub(cost)
			h.CurrentPrice = &price
			h.CurrentValue = value.Round(OutputScale)
			h.PnL = pnl.Round(OutputScale)
			h.PnLPercent = ReturnPercent(pnl, cost)
		}
		out = append(out, h)
	}
	return out
}

// AccountValue is cash plus the market value of open positions.
type AccountValue struct {
	UserID       string          `json:"user_id"`
	CashBalance  decimal.Decimal `json:"cash_balance"`
	EquityValue  decimal.Decimal `json:"equity_value"`
	AccountValue decimal.Decimal `json:"account_value"`
}

// Value sums cash and priced holdings. A position whose seller never
// published contributes nothing to equity.
func Value(userID string, cash decimal.Decimal, holdings []Holding) AccountValue {
	equity := decimal.Zero
	for _, h := range holdings {
		if h.CurrentPrice != nil {
			equity = equity.Add(h.CurrentPrice.Mul(decimal.NewFromInt(h.Shares)))
		}
	}
	return AccountValue{
		UserID:       userID,
		CashBalance:  cash.Round(OutputScale),
		EquityValue:  equity.Round(OutputScale),
		AccountValue: cash.Add(equity).Round(OutputScale),
	}
}
