// Package pnl computes profit and loss snapshots from the trade log.
//
// Everything here is pure: callers load trades, positions and latest prices
// and pass them in. Positions are always rebuilt with position.Apply, the
// same reducer the trade executor uses, so a replayed snapshot matches the
// live Position cache exactly.
package pnl

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/position"
)

// OutputScale is the rounding applied to reported money and percentages.
const OutputScale int32 = 2

var hundred = decimal.NewFromInt(100)

// Period bounds the trades whose realized P&L and investment are counted.
// Zero Start or End means unbounded on that side. Both ends are inclusive.
type Period struct {
	Start time.Time
	End   time.Time
}

// AllTime is the unbounded period.
var AllTime = Period{}

// Day returns the UTC calendar day containing t.
func Day(t time.Time) Period {
	start := model.NewDate(t).Time
	return Period{Start: start, End: start.Add(24*time.Hour - time.Nanosecond)}
}

// Contains reports whether ts falls inside the period.
func (p Period) Contains(ts time.Time) bool {
	if !p.Start.IsZero() && ts.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && ts.After(p.End) {
		return false
	}
	return true
}

// Report is a P&L snapshot for one (buyer, seller) pair or an aggregate.
type Report struct {
	BuyerID       string           `json:"buyer_id"`
	SellerID      string           `json:"seller_id,omitempty"`
	Shares        int64            `json:"shares"`
	CostBasis     decimal.Decimal  `json:"cost_basis"`
	LatestPrice   *decimal.Decimal `json:"latest_price,omitempty"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal  `json:"total_pnl"`
	TotalInvested decimal.Decimal  `json:"total_invested"`
	ReturnPercent decimal.Decimal  `json:"return_percent"`
	Breakdown     []Report         `json:"breakdown,omitempty"`
}

// ForPair replays one pair's chronological trades. Trades after period.End
// are ignored; the replay before period.Start still runs so the cost basis
// is correct. latest may be nil when the seller never published.
//
// A period with a Start is a realized-only view: unrealized P&L is 0, since
// open shares carry gains from before the window.
func ForPair(buyerID, sellerID string, trades []model.Trade, latest *decimal.Decimal, period Period) (Report, error) {
	var state position.State
	realized := decimal.Zero
	invested := decimal.Zero

	for _, t := range trades {
		if !period.End.IsZero() && t.Timestamp.After(period.End) {
			break
		}
		next, r, err := position.Apply(state, t.Side, t.Quantity, t.Price)
		if err != nil {
			return Report{}, fmt.Errorf("replay %s/%s trade %s: %w", buyerID, sellerID, t.ID, err)
		}
		state = next
		if period.Contains(t.Timestamp) {
			realized = realized.Add(r)
			if t.Side == model.SideBuy {
				invested = invested.Add(t.Price.Mul(decimal.NewFromInt(t.Quantity)))
			}
		}
	}

	unrealized := decimal.Zero
	if period.Start.IsZero() {
		unrealized = Unrealized(state, latest)
	}
	rep := Report{
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Shares:        state.Shares,
		CostBasis:     state.CostBasis,
		LatestPrice:   latest,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		TotalInvested: invested,
	}
	return rep.finish(), nil
}

// Aggregate computes a report per seller plus their sum. trades may span
// several sellers and must be chronological; latest maps seller to price.
func Aggregate(buyerID string, trades []model.Trade, latest map[string]decimal.Decimal, period Period) (Report, []Report, error) {
	bySeller := make(map[string][]model.Trade)
	var sellers []string
	for _, t := range trades {
		if _, ok := bySeller[t.SellerID]; !ok {
			sellers = append(sellers, t.SellerID)
		}
		bySeller[t.SellerID] = append(bySeller[t.SellerID], t)
	}
	sort.Strings(sellers)

	total := Report{BuyerID: buyerID}
	per := make([]Report, 0, len(sellers))
	for _, sid := range sellers {
		var lp *decimal.Decimal
		if p, ok := latest[sid]; ok {
			lp = &p
		}
		r, err := ForPair(buyerID, sid, bySeller[sid], lp, period)
		if err != nil {
			return Report{}, nil, err
		}
		per = append(per, r)

		total.Shares += r.Shares
		total.RealizedPnL = total.RealizedPnL.Add(r.RealizedPnL)
		total.UnrealizedPnL = total.UnrealizedPnL.Add(r.UnrealizedPnL)
		total.TotalInvested = total.TotalInvested.Add(r.TotalInvested)
	}
	total = total.finish()
	total.Breakdown = per
	return total, per, nil
}

// Unrealized is (latest - costBasis) * shares, or 0 without a price or shares.
func Unrealized(s position.State, latest *decimal.Decimal) decimal.Decimal {
	if latest == nil || s.Shares == 0 {
		return decimal.Zero
	}
	return latest.Sub(s.CostBasis).Mul(decimal.NewFromInt(s.Shares))
}

// ReturnPercent is total / invested * 100, or 0 when nothing was invested.
func ReturnPercent(total, invested decimal.Decimal) decimal.Decimal {
	if !invested.IsPositive() {
		return decimal.Zero
	}
	return total.Div(invested).Mul(hundred).Round(OutputScale)
}

// finish fills the derived totals and rounds money for output.
func (r Report) finish() Report {
	total := r.RealizedPnL.Add(r.UnrealizedPnL)
	r.ReturnPercent = ReturnPercent(total, r.TotalInvested)
	r.RealizedPnL = r.RealizedPnL.Round(OutputScale)
	r.UnrealizedPnL = r.UnrealizedPnL.Round(OutputScale)
	r.TotalPnL = total.Round(OutputScale)
	r.TotalInvested = r.TotalInvested.Round(OutputScale)
	return r
}
