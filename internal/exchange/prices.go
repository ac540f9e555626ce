package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/events"
	"github.com/weightx/exchange-engine/internal/keylock"
	"github.com/weightx/exchange-engine/internal/metrics"
	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/pricing"
	"github.com/weightx/exchange-engine/internal/tracing"
)

// UploadPrice derives and publishes the seller's price for one
// (date, session) slot. The weight is used for the computation only and is
// neither stored, logged nor broadcast. A filled slot is rejected with
// apperr.ErrSessionAlreadyFilled and keeps its original price.
func (s *Service) UploadPrice(ctx context.Context, sellerID, date, session string, weight float64) (p *model.PriceRecord, err error) {
	ctx, span := tracing.StartSpan(ctx, "exchange.UploadPrice", attribute.String("seller", sellerID))
	defer func() { tracing.End(span, err); s.reject("upload_price", err) }()

	sess, ok := model.ParseSession(session)
	if !ok {
		return nil, fmt.Errorf("%w: session must be AM or PM", apperr.ErrInvalidInput)
	}
	day, err := model.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}

	seller, err := s.requireRole(ctx, sellerID, model.RoleSeller)
	if err != nil {
		return nil, err
	}
	price, err := pricing.Derive(weight, seller.Coefficients)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: derived price %s is not positive", apperr.ErrInvalidInput, price.StringFixed(pricing.PriceScale))
	}

	p = &model.PriceRecord{
		ID:        uuid.New().String(),
		SellerID:  sellerID,
		Date:      day,
		Session:   sess,
		Price:     price,
		CreatedAt: s.clock(),
	}
	release, err := s.locks.Acquire(ctx, keylock.PriceKey(sellerID))
	if err != nil {
		return nil, err
	}
	err = s.store.InsertPrice(ctx, p)
	release()
	if err != nil {
		return nil, err
	}

	metrics.PriceUploads.WithLabelValues(string(sess)).Inc()
	slog.Info("price published",
		"seller", sellerID,
		"date", day.String(),
		"session", sess,
		"price", price.String(),
	)

	s.publish(ctx, events.Event{
		Type:      events.TypePricePublished,
		SellerID:  sellerID,
		Price:     price,
		Date:      day.String(),
		Session:   string(sess),
		Timestamp: p.CreatedAt,
	})
	return p, nil
}

// LatestPrice returns the seller's most recent price (latest date, PM over AM).
func (s *Service) LatestPrice(ctx context.Context, sellerID string) (*model.PriceRecord, error) {
	if _, err := s.requireRole(ctx, sellerID, model.RoleSeller); err != nil {
		return nil, err
	}
	return s.store.GetLatestPrice(ctx, sellerID)
}

// ListPrices returns up to limit prices, newest first.
func (s *Service) ListPrices(ctx context.Context, sellerID string, limit int) ([]model.PriceRecord, error) {
	if _, err := s.requireRole(ctx, sellerID, model.RoleSeller); err != nil {
		return nil, err
	}
	return s.store.ListPrices(ctx, sellerID, limit)
}

// FilledSessions reports which sessions of a date already have a price.
type FilledSessions struct {
	Date   model.Date          `json:"date"`
	AM     bool                `json:"am"`
	PM     bool                `json:"pm"`
	Prices []model.PriceRecord `json:"prices"`
}

func (s *Service) FilledSessions(ctx context.Context, sellerID, date string) (*FilledSessions, error) {
	day, err := model.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	if _, err := s.requireRole(ctx, sellerID, model.RoleSeller); err != nil {
		return nil, err
	}
	prices, err := s.store.PricesOn(ctx, sellerID, day)
	if err != nil {
		return nil, err
	}

	fs := &FilledSessions{Date: day, Prices: prices}
	for _, p := range prices {
		switch p.Session {
		case model.SessionAM:
			fs.AM = true
		case model.SessionPM:
			fs.PM = true
		}
	}
	return fs, nil
}

// SellerQuote is a seller as shown to buyers.
type SellerQuote struct {
	ID          string             `json:"id"`
	Username    string             `json:"username"`
	Configured  bool               `json:"configured"`
	LatestPrice *model.PriceRecord `json:"latest_price,omitempty"`
}

// ListSellers returns every seller with their latest price, if any.
func (s *Service) ListSellers(ctx context.Context) ([]SellerQuote, error) {
	sellers, err := s.store.ListUsers(ctx, model.RoleSeller)
	if err != nil {
		return nil, err
	}
	quotes := make([]SellerQuote, 0, len(sellers))
	for _, u := range sellers {
		q := SellerQuote{ID: u.ID, Username: u.Username, Configured: u.Coefficients != nil}
		p, err := s.store.GetLatestPrice(ctx, u.ID)
		switch {
		case err == nil:
			q.LatestPrice = p
		case !errors.Is(err, apperr.ErrNoPriceAvailable):
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// latestPrices looks up the latest price of each seller, skipping sellers
// that never published.
func (s *Service) latestPrices(ctx context.Context, sellerIDs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(sellerIDs))
	for _, id := range sellerIDs {
		if _, seen := out[id]; seen {
			continue
		}
		p, err := s.store.GetLatestPrice(ctx, id)
		if errors.Is(err, apperr.ErrNoPriceAvailable) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = p.Price
	}
	return out, nil
}
