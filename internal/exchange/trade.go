package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/events"
	"github.com/weightx/exchange-engine/internal/keylock"
	"github.com/weightx/exchange-engine/internal/ledger"
	"github.com/weightx/exchange-engine/internal/metrics"
	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/position"
	"github.com/weightx/exchange-engine/internal/pricing"
	"github.com/weightx/exchange-engine/internal/store"
	"github.com/weightx/exchange-engine/internal/tracing"
)

// TradeRequest is a buyer's order against a seller's latest price.
type TradeRequest struct {
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
	Side     string `json:"side"`
	Quantity int64  `json:"quantity"`

	// ExpectedPrice, when set, must equal the latest price at execution
	// time. Guards against trading on a quote that changed underneath.
	ExpectedPrice *decimal.Decimal `json:"expected_price,omitempty"`
}

// TradeResult is an executed trade and the buyer's balance after it.
type TradeResult struct {
	Trade        *model.Trade    `json:"trade"`
	BuyerBalance decimal.Decimal `json:"buyer_balance"`
}

// Trade validates req, reads the seller's latest price and executes at it.
func (s *Service) Trade(ctx context.Context, req TradeRequest) (res *TradeResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "exchange.Trade",
		attribute.String("buyer", req.BuyerID),
		attribute.String("seller", req.SellerID),
		attribute.String("side", req.Side),
		attribute.Int64("quantity", req.Quantity),
	)
	defer func() { tracing.End(span, err) }()

	side, ok := model.ParseSide(req.Side)
	if !ok {
		err = fmt.Errorf("%w: side must be buy or sell", apperr.ErrInvalidInput)
		s.reject("trade", err)
		return nil, err
	}
	if req.Quantity <= 0 {
		err = fmt.Errorf("%w: quantity must be a positive integer", apperr.ErrInvalidInput)
		s.reject("trade", err)
		return nil, err
	}
	if _, err = s.requireRole(ctx, req.BuyerID, model.RoleBuyer); err != nil {
		s.reject("trade", err)
		return nil, err
	}
	if _, err = s.requireRole(ctx, req.SellerID, model.RoleSeller); err != nil {
		s.reject("trade", err)
		return nil, err
	}

	quote := func(ctx context.Context) (decimal.Decimal, error) {
		latest, err := s.store.GetLatestPrice(ctx, req.SellerID)
		if err != nil {
			return decimal.Zero, err
		}
		if req.ExpectedPrice != nil && !req.ExpectedPrice.Equal(latest.Price) {
			return decimal.Zero, fmt.Errorf("%w: price moved from %s to %s", apperr.ErrInvalidInput,
				req.ExpectedPrice.String(), latest.Price.String())
		}
		return latest.Price, nil
	}

	t, bal, err := s.execute(ctx, req.BuyerID, req.SellerID, side, req.Quantity, quote)
	if err != nil {
		return nil, err
	}
	return &TradeResult{Trade: t, BuyerBalance: bal}, nil
}

// ExecuteTrade moves cash and shares for one fill at the given price.
//
// A buy debits the buyer (never below zero) and credits the seller. A sell
// requires enough shares, credits the buyer and debits the seller, who may
// go negative. The position, both balances, the trade record, both
// balance-history entries and the buyer's account snapshot commit together
// or not at all.
func (s *Service) ExecuteTrade(ctx context.Context, buyerID, sellerID string, side model.Side, price decimal.Decimal, quantity int64) (*model.Trade, decimal.Decimal, error) {
	return s.execute(ctx, buyerID, sellerID, side, quantity, func(context.Context) (decimal.Decimal, error) {
		return price, nil
	})
}

// execute runs a fill at the price returned by quote, which is called once
// the trade's locks are held. Uploads for the seller wait on the same price
// key, so the quoted price stays current until the fill commits.
func (s *Service) execute(ctx context.Context, buyerID, sellerID string, side model.Side, quantity int64, quote func(context.Context) (decimal.Decimal, error)) (t *model.Trade, buyerBal decimal.Decimal, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "exchange.ExecuteTrade",
		attribute.String("buyer", buyerID),
		attribute.String("seller", sellerID),
		attribute.String("side", string(side)),
	)
	defer func() { tracing.End(span, err); s.reject("trade", err) }()

	switch {
	case !side.Valid():
		return nil, decimal.Zero, fmt.Errorf("%w: side must be buy or sell", apperr.ErrInvalidInput)
	case quantity <= 0:
		return nil, decimal.Zero, fmt.Errorf("%w: quantity must be a positive integer", apperr.ErrInvalidInput)
	case buyerID == sellerID:
		return nil, decimal.Zero, fmt.Errorf("%w: buyer and seller must differ", apperr.ErrInvalidInput)
	}

	release, err := s.locks.Acquire(ctx, keylock.TradeKeys(buyerID, sellerID)...)
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer release()

	price, err := quote(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}
	switch {
	case !price.IsPositive():
		return nil, decimal.Zero, fmt.Errorf("%w: price must be positive", apperr.ErrInvalidInput)
	case !price.Equal(price.Round(pricing.PriceScale)):
		return nil, decimal.Zero, fmt.Errorf("%w: price must have at most %d decimals", apperr.ErrInvalidInput, pricing.PriceScale)
	}

	amount := price.Mul(decimal.NewFromInt(quantity))
	t = &model.Trade{
		ID:        uuid.New().String(),
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Amount:    amount,
		Timestamp: s.clock(),
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		pos, err := tx.LockPosition(ctx, buyerID, sellerID)
		if err != nil {
			return err
		}
		if err := lockBalances(ctx, tx, buyerID, sellerID); err != nil {
			return err
		}

		next, realized, err := position.Apply(position.FromPosition(pos), side, quantity, price)
		if err != nil {
			return err
		}
		t.RealizedPnL = realized

		buyerDelta, sellerDelta := amount.Neg(), amount
		buyerFloor, sellerFloor := ledger.FloorZero, ledger.NoFloor
		if side == model.SideSell {
			buyerDelta, sellerDelta = amount, amount.Neg()
		}
		if buyerBal, err = ledger.Adjust(ctx, tx, buyerID, buyerDelta, buyerFloor); err != nil {
			return err
		}
		sellerBal, err := ledger.Adjust(ctx, tx, sellerID, sellerDelta, sellerFloor)
		if err != nil {
			return err
		}

		pos.Shares, pos.CostBasis, pos.UpdatedAt = next.Shares, next.CostBasis, t.Timestamp
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return err
		}
		if err := ledger.Snapshot(ctx, tx, buyerID, buyerBal, model.ReasonTrade, t.ID, t.Timestamp); err != nil {
			return err
		}
		if err := ledger.Snapshot(ctx, tx, sellerID, sellerBal, model.ReasonTrade, t.ID, t.Timestamp); err != nil {
			return err
		}
		return ledger.SnapshotAccount(ctx, tx, buyerID, buyerBal, model.ReasonTrade, t.ID, t.Timestamp)
	})
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("%s %d of %s: %w", side, quantity, sellerID, err)
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeVolume.WithLabelValues(string(side)).Add(float64(quantity))
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", t.ID,
		"buyer", buyerID,
		"seller", sellerID,
		"side", side,
		"quantity", quantity,
		"price", price.String(),
		"amount", amount.String(),
		"realized_pnl", t.RealizedPnL.String(),
	)

	s.publish(ctx, events.Event{
		Type:      events.TypeTradeExecuted,
		SellerID:  sellerID,
		BuyerID:   buyerID,
		TradeID:   t.ID,
		Side:      string(side),
		Quantity:  quantity,
		Price:     price,
		Timestamp: t.Timestamp,
	})
	return t, buyerBal, nil
}

// lockBalances takes the row locks of both parties in ID order.
func lockBalances(ctx context.Context, tx store.Tx, ids ...string) error {
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := tx.LockBalance(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Recharge deposits amount into the user's balance.
func (s *Service) Recharge(ctx context.Context, userID string, amount decimal.Decimal) (rc *model.Recharge, bal decimal.Decimal, err error) {
	ctx, span := tracing.StartSpan(ctx, "exchange.Recharge", attribute.String("user", userID))
	defer func() { tracing.End(span, err); s.reject("recharge", err) }()

	if err := ledger.ValidateRecharge(amount); err != nil {
		return nil, decimal.Zero, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, decimal.Zero, err
	}
	rc, bal, err = s.ledger.Recharge(ctx, userID, amount)
	if err != nil {
		return nil, decimal.Zero, err
	}

	metrics.RechargesTotal.Inc()
	slog.Info("balance recharged", "user", userID, "amount", amount.String(), "balance", bal.String())
	return rc, bal, nil
}

// Balance returns the user's cash balance.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return decimal.Zero, err
	}
	return s.ledger.Balance(ctx, userID)
}
