package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/model"
)

// Earnings is the seller-side view of the trade log. A buyer's buy pays the
// seller; a buyer's sell is paid out by the seller.
type Earnings struct {
	SellerID         string          `json:"seller_id"`
	TotalReceived    decimal.Decimal `json:"total_received"`
	TotalPaidOut     decimal.Decimal `json:"total_paid_out"`
	NetEarnings      decimal.Decimal `json:"net_earnings"`
	BuyTransactions  int             `json:"buy_transactions"`
	SellTransactions int             `json:"sell_transactions"`
}

// SellerEarnings sums the seller's trades that fall inside period.
func SellerEarnings(sellerID string, trades []model.Trade, period Period) Earnings {
	e := Earnings{SellerID: sellerID}
	for _, t := range trades {
		if t.SellerID != sellerID || !period.Contains(t.Timestamp) {
			continue
		}
		value := t.Price.Mul(decimal.NewFromInt(t.Quantity))
		switch t.Side {
		case model.SideBuy:
			e.TotalReceived = e.TotalReceived.Add(value)
			e.BuyTransactions++
		case model.SideSell:
			e.TotalPaidOut = e.TotalPaidOut.Add(value)
			e.SellTransactions++
		}
	}
	e.NetEarnings = e.TotalReceived.Sub(e.TotalPaidOut).Round(OutputScale)
	e.TotalReceived = e.TotalReceived.Round(OutputScale)
	e.TotalPaidOut = e.TotalPaidOut.Round(OutputScale)
	return e
}
