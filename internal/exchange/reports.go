package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/keylock"
	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/pnl"
	"github.com/weightx/exchange-engine/internal/position"
	"github.com/weightx/exchange-engine/internal/store"
	"github.com/weightx/exchange-engine/internal/tracing"
)

// DefaultTradeLimit is the page size of Trades when none is given.
const DefaultTradeLimit = 100

// ErrPositionMismatch means the stored position disagrees with a replay of
// the trade log.
var ErrPositionMismatch = errors.New("position does not match trade log")

// PnL reports profit and loss for a buyer. With sellerID it covers that pair
// only; otherwise it aggregates every seller the buyer traded with and
// carries the per-seller reports in Breakdown.
func (s *Service) PnL(ctx context.Context, buyerID, sellerID string, period pnl.Period) (rep *pnl.Report, err error) {
	ctx, span := tracing.StartSpan(ctx, "exchange.PnL",
		attribute.String("buyer", buyerID),
		attribute.String("seller", sellerID),
	)
	defer func() { tracing.End(span, err) }()

	if !period.Start.IsZero() && !period.End.IsZero() && period.End.Before(period.Start) {
		return nil, fmt.Errorf("%w: period end before start", apperr.ErrInvalidInput)
	}
	if _, err := s.requireRole(ctx, buyerID, model.RoleBuyer); err != nil {
		return nil, err
	}

	if sellerID != "" {
		if _, err := s.requireRole(ctx, sellerID, model.RoleSeller); err != nil {
			return nil, err
		}
		trades, err := s.store.ListTrades(ctx, model.TradeFilter{BuyerID: buyerID, SellerID: sellerID, To: period.End})
		if err != nil {
			return nil, err
		}
		latest, err := s.latestPrices(ctx, []string{sellerID})
		if err != nil {
			return nil, err
		}
		var lp *decimal.Decimal
		if p, ok := latest[sellerID]; ok {
			lp = &p
		}
		r, err := pnl.ForPair(buyerID, sellerID, trades, lp, period)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}

	trades, err := s.store.ListTrades(ctx, model.TradeFilter{BuyerID: buyerID, To: period.End})
	if err != nil {
		return nil, err
	}
	sellers := make([]string, 0, len(trades))
	for _, t := range trades {
		sellers = append(sellers, t.SellerID)
	}
	latest, err := s.latestPrices(ctx, sellers)
	if err != nil {
		return nil, err
	}
	total, _, err := pnl.Aggregate(buyerID, trades, latest, period)
	if err != nil {
		return nil, err
	}
	return &total, nil
}

// DailyPnL is PnL over the UTC calendar day containing day.
func (s *Service) DailyPnL(ctx context.Context, buyerID string, day time.Time) (*pnl.Report, error) {
	return s.PnL(ctx, buyerID, "", pnl.Day(day))
}

// SellerEarnings sums the cash a seller received and paid out in period.
func (s *Service) SellerEarnings(ctx context.Context, sellerID string, period pnl.Period) (*pnl.Earnings, error) {
	if _, err := s.requireRole(ctx, sellerID, model.RoleSeller); err != nil {
		return nil, err
	}
	trades, err := s.store.ListTrades(ctx, model.TradeFilter{SellerID: sellerID, From: period.Start, To: period.End})
	if err != nil {
		return nil, err
	}
	e := pnl.SellerEarnings(sellerID, trades, period)
	return &e, nil
}

// DailyEarnings is SellerEarnings for the UTC day containing day.
func (s *Service) DailyEarnings(ctx context.Context, sellerID string, day time.Time) (*pnl.Earnings, error) {
	return s.SellerEarnings(ctx, sellerID, pnl.Day(day))
}

// Holdings lists the buyer's open positions valued at the latest prices.
func (s *Service) Holdings(ctx context.Context, buyerID string) ([]pnl.Holding, error) {
	if _, err := s.requireRole(ctx, buyerID, model.RoleBuyer); err != nil {
		return nil, err
	}
	return s.holdings(ctx, buyerID)
}

func (s *Service) holdings(ctx context.Context, buyerID string) ([]pnl.Holding, error) {
	positions, err := s.store.ListPositions(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	sellers := make([]string, 0, len(positions))
	for _, p := range positions {
		if p.Shares > 0 {
			sellers = append(sellers, p.SellerID)
		}
	}
	latest, err := s.latestPrices(ctx, sellers)
	if err != nil {
		return nil, err
	}

	hs := pnl.Holdings(positions, latest)
	for i := range hs {
		u, err := s.store.GetUser(ctx, hs[i].SellerID)
		switch {
		case err == nil:
			hs[i].SellerName = u.Username
		case errors.Is(err, apperr.ErrNotFound):
			slog.Warn("holding references unknown seller", "buyer", buyerID, "seller", hs[i].SellerID)
		default:
			return nil, err
		}
	}
	return hs, nil
}

// AccountValue is cash plus open positions marked at the latest prices.
func (s *Service) AccountValue(ctx context.Context, buyerID string) (*pnl.AccountValue, error) {
	if _, err := s.requireRole(ctx, buyerID, model.RoleBuyer); err != nil {
		return nil, err
	}
	cash, err := s.store.GetBalance(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	hs, err := s.holdings(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	v := pnl.Value(buyerID, cash, hs)
	return &v, nil
}

// historyPeriods maps balance-history period codes to their look-back.
var historyPeriods = map[string]time.Duration{
	"1W": 7 * 24 * time.Hour,
	"2W": 14 * 24 * time.Hour,
	"1M": 30 * 24 * time.Hour,
	"3M": 90 * 24 * time.Hour,
	"6M": 180 * 24 * time.Hour,
	"1Y": 365 * 24 * time.Hour,
}

// historySince resolves a period code to the earliest timestamp it covers.
// The zero time means ALL.
func (s *Service) historySince(period string) (time.Time, error) {
	code := strings.ToUpper(strings.TrimSpace(period))
	switch d, ok := historyPeriods[code]; {
	case ok:
		return s.clock().Add(-d), nil
	case code == "" || code == "ALL":
		return time.Time{}, nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown period %q", apperr.ErrInvalidInput, period)
}

// BalanceHistory returns the user's balance snapshots over a period code
// (1W, 2W, 1M, 3M, 6M, 1Y or ALL), oldest first. An empty code means ALL.
func (s *Service) BalanceHistory(ctx context.Context, userID, period string) ([]model.BalanceEntry, error) {
	since, err := s.historySince(period)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.BalanceHistory(ctx, userID, since)
}

// AccountValueHistory returns the buyer's account snapshots over a period
// code, oldest first. Codes are those of BalanceHistory.
func (s *Service) AccountValueHistory(ctx context.Context, buyerID, period string) ([]model.AccountSnapshot, error) {
	since, err := s.historySince(period)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireRole(ctx, buyerID, model.RoleBuyer); err != nil {
		return nil, err
	}
	return s.store.AccountValueHistory(ctx, buyerID, since)
}

// TradeQuery selects a page of the trade log. Exactly one of BuyerID or
// SellerID names the caller; the other narrows to a counterparty.
type TradeQuery struct {
	BuyerID  string
	SellerID string
	Limit    int
}

// Trades returns matching trades, newest first. Limit defaults to
// DefaultTradeLimit and is capped at store.MaxListLimit.
func (s *Service) Trades(ctx context.Context, q TradeQuery) ([]model.Trade, error) {
	if q.BuyerID == "" && q.SellerID == "" {
		return nil, fmt.Errorf("%w: buyer or seller is required", apperr.ErrInvalidInput)
	}
	switch {
	case q.Limit < 0:
		return nil, fmt.Errorf("%w: limit must not be negative", apperr.ErrInvalidInput)
	case q.Limit == 0:
		q.Limit = DefaultTradeLimit
	case q.Limit > store.MaxListLimit:
		q.Limit = store.MaxListLimit
	}
	return s.store.ListTrades(ctx, model.TradeFilter{
		BuyerID:  q.BuyerID,
		SellerID: q.SellerID,
		Limit:    q.Limit,
		Newest:   true,
	})
}

// VerifyPosition replays the pair's trade log and compares the result with
// the stored position. A disagreement is reported as ErrPositionMismatch.
func (s *Service) VerifyPosition(ctx context.Context, buyerID, sellerID string) (position.State, error) {
	release, err := s.locks.Acquire(ctx, keylock.PositionKey(buyerID, sellerID))
	if err != nil {
		return position.State{}, err
	}
	defer release()

	stored, err := s.store.GetPosition(ctx, buyerID, sellerID)
	if err != nil {
		return position.State{}, err
	}
	trades, err := s.store.ListTrades(ctx, model.TradeFilter{BuyerID: buyerID, SellerID: sellerID})
	if err != nil {
		return position.State{}, err
	}
	replayed, _, err := position.Replay(trades)
	if err != nil {
		return position.State{}, err
	}

	cached := position.FromPosition(stored)
	if !cached.Equal(replayed) {
		return replayed, fmt.Errorf("%w: %s/%s stored %s, replayed %s",
			ErrPositionMismatch, buyerID, sellerID, cached, replayed)
	}
	return replayed, nil
}
