package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Cached: users, latest price per seller, balances. Everything a trade
// transaction touches is evicted after it commits.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.set(ctx, userKey(u.ID), u)
	return nil
}

func (s *CachedStore) SetCoefficients(ctx context.Context, sellerID string, c model.Coefficients) error {
	if err := s.primary.SetCoefficients(ctx, sellerID, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(sellerID))
	return nil
}

func (s *CachedStore) InsertPrice(ctx context.Context, p *model.PriceRecord) error {
	if err := s.primary.InsertPrice(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, latestPriceKey(p.SellerID))
	return nil
}

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.InTx(ctx, func(tx Tx) error {
		return fn(&recordingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		s.rdb.Del(ctx, touched...)
	}
	return nil
}

// recordingTx notes which cached keys a transaction writes.
type recordingTx struct {
	Tx
	touched *[]string
}

func (t *recordingTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if err := t.Tx.SetBalance(ctx, userID, balance); err != nil {
		return err
	}
	*t.touched = append(*t.touched, balanceKey(userID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.get(ctx, userKey(id), &u) {
		return &u, nil
	}

	user, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, userKey(id), user)
	return user, nil
}

func (s *CachedStore) GetLatestPrice(ctx context.Context, sellerID string) (*model.PriceRecord, error) {
	var p model.PriceRecord
	if s.get(ctx, latestPriceKey(sellerID), &p) {
		return &p, nil
	}

	latest, err := s.primary.GetLatestPrice(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, latestPriceKey(sellerID), latest)
	return latest, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if v, err := s.rdb.Get(ctx, balanceKey(userID)).Result(); err == nil {
		if b, err := decimal.NewFromString(v); err == nil {
			return b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, balanceKey(userID), b.String(), s.ttl)
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.primary.GetUserByUsername(ctx, username)
}

func (s *CachedStore) ListUsers(ctx context.Context, role model.Role) ([]model.User, error) {
	return s.primary.ListUsers(ctx, role)
}

func (s *CachedStore) ListPrices(ctx context.Context, sellerID string, limit int) ([]model.PriceRecord, error) {
	return s.primary.ListPrices(ctx, sellerID, limit)
}

func (s *CachedStore) PricesOn(ctx context.Context, sellerID string, date model.Date) ([]model.PriceRecord, error) {
	return s.primary.PricesOn(ctx, sellerID, date)
}

func (s *CachedStore) GetPosition(ctx context.Context, buyerID, sellerID string) (model.Position, error) {
	return s.primary.GetPosition(ctx, buyerID, sellerID)
}

func (s *CachedStore) ListPositions(ctx context.Context, buyerID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, buyerID)
}

func (s *CachedStore) ListTrades(ctx context.Context, f model.TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, f)
}

func (s *CachedStore) BalanceHistory(ctx context.Context, userID string, since time.Time) ([]model.BalanceEntry, error) {
	return s.primary.BalanceHistory(ctx, userID, since)
}

func (s *CachedStore) AccountValueHistory(ctx context.Context, userID string, since time.Time) ([]model.AccountSnapshot, error) {
	return s.primary.AccountValueHistory(ctx, userID, since)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func userKey(id string) string            { return fmt.Sprintf("user:%s", id) }
func latestPriceKey(seller string) string { return fmt.Sprintf("price:latest:%s", seller) }
func balanceKey(uid string) string        { return fmt.Sprintf("balance:%s", uid) }
