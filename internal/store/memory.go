package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the store's write lock for the whole callback and stages writes
// so that a failing callback leaves no trace.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	balances  map[string]decimal.Decimal
	prices    []model.PriceRecord
	positions map[pairKey]model.Position
	trades    []model.Trade
	recharges []model.Recharge
	history   []model.BalanceEntry
	accounts  []model.AccountSnapshot
}

type pairKey struct{ buyer, seller string }

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		balances:  make(map[string]decimal.Decimal),
		positions: make(map[pairKey]model.Position),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s already exists", apperr.ErrInvalidInput, u.ID)
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return fmt.Errorf("%w: username %q is taken", apperr.ErrInvalidInput, u.Username)
		}
	}

	s.users[u.ID] = cloneUser(u)
	s.balances[u.ID] = decimal.Zero
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return cloneUser(u), nil
		}
	}
	return nil, fmt.Errorf("username %q: %w", username, apperr.ErrNotFound)
}

func (s *MemoryStore) ListUsers(_ context.Context, role model.Role) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0)
	for _, u := range s.users {
		if role == "" || u.Role == role {
			users = append(users, *cloneUser(u))
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (s *MemoryStore) SetCoefficients(_ context.Context, sellerID string, c model.Coefficients) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[sellerID]
	if !ok {
		return fmt.Errorf("user %s: %w", sellerID, apperr.ErrNotFound)
	}
	if u.Coefficients != nil {
		return fmt.Errorf("%w: pricing coefficients are already set", apperr.ErrInvalidInput)
	}
	u.Coefficients = &c
	return nil
}

func (s *MemoryStore) InsertPrice(_ context.Context, p *model.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.prices {
		if existing.SellerID == p.SellerID && existing.Date.Equal(p.Date.Time) && existing.Session == p.Session {
			return fmt.Errorf("%s %s: %w", p.Date, p.Session, apperr.ErrSessionAlreadyFilled)
		}
	}
	s.prices = append(s.prices, *p)
	return nil
}

func (s *MemoryStore) GetLatestPrice(_ context.Context, sellerID string) (*model.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.PriceRecord
	for i := range s.prices {
		p := s.prices[i]
		if p.SellerID != sellerID {
			continue
		}
		if latest == nil || p.Newer(*latest) {
			latest = &p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("seller %s: %w", sellerID, apperr.ErrNoPriceAvailable)
	}
	return latest, nil
}

func (s *MemoryStore) ListPrices(_ context.Context, sellerID string, limit int) ([]model.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make([]model.PriceRecord, 0)
	for _, p := range s.prices {
		if p.SellerID == sellerID {
			prices = append(prices, p)
		}
	}
	sort.SliceStable(prices, func(i, j int) bool { return prices[i].Newer(prices[j]) })
	return truncate(prices, clampLimit(limit)), nil
}

func (s *MemoryStore) PricesOn(_ context.Context, sellerID string, date model.Date) ([]model.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make([]model.PriceRecord, 0, 2)
	for _, p := range s.prices {
		if p.SellerID == sellerID && p.Date.Equal(date.Time) {
			prices = append(prices, p)
		}
	}
	sort.SliceStable(prices, func(i, j int) bool { return prices[j].Newer(prices[i]) })
	return prices, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, apperr.ErrNotFound)
	}
	return s.balances[userID], nil
}

func (s *MemoryStore) GetPosition(_ context.Context, buyerID, sellerID string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.positions[pairKey{buyerID, sellerID}]; ok {
		return p, nil
	}
	return model.Position{BuyerID: buyerID, SellerID: sellerID}, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, buyerID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0)
	for k, p := range s.positions {
		if k.buyer == buyerID {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].SellerID < positions[j].SellerID })
	return positions, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f model.TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]model.Trade, 0)
	for _, t := range s.trades {
		if f.Match(t) {
			trades = append(trades, t)
		}
	}
	if f.Newest {
		for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
			trades[i], trades[j] = trades[j], trades[i]
		}
	}
	if f.Limit > 0 {
		trades = truncate(trades, f.Limit)
	}
	return trades, nil
}

func (s *MemoryStore) BalanceHistory(_ context.Context, userID string, since time.Time) ([]model.BalanceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.BalanceEntry, 0)
	for _, e := range s.history {
		if e.UserID == userID && !e.Timestamp.Before(since) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *MemoryStore) AccountValueHistory(_ context.Context, userID string, since time.Time) ([]model.AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]model.AccountSnapshot, 0)
	for _, a := range s.accounts {
		if a.UserID == userID && !a.Timestamp.Before(since) {
			snaps = append(snaps, a)
		}
	}
	return snaps, nil
}

// Recharges returns every recorded deposit for a user.
func (s *MemoryStore) Recharges(userID string) []model.Recharge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Recharge
	for _, r := range s.recharges {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		balances:  make(map[string]decimal.Decimal),
		positions: make(map[pairKey]model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Commit staged writes.
	for id, b := range tx.balances {
		s.balances[id] = b
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	s.trades = append(s.trades, tx.trades...)
	s.recharges = append(s.recharges, tx.recharges...)
	s.history = append(s.history, tx.history...)
	s.accounts = append(s.accounts, tx.accounts...)
	return nil
}

// memTx stages writes against a MemoryStore whose write lock is held.
type memTx struct {
	s         *MemoryStore
	balances  map[string]decimal.Decimal
	positions map[pairKey]model.Position
	trades    []model.Trade
	recharges []model.Recharge
	history   []model.BalanceEntry
	accounts  []model.AccountSnapshot
}

func (tx *memTx) LockBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	if b, ok := tx.balances[userID]; ok {
		return b, nil
	}
	if _, ok := tx.s.users[userID]; !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, apperr.ErrNotFound)
	}
	return tx.s.balances[userID], nil
}

func (tx *memTx) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	if _, ok := tx.s.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, apperr.ErrNotFound)
	}
	tx.balances[userID] = balance
	return nil
}

func (tx *memTx) LockPosition(_ context.Context, buyerID, sellerID string) (model.Position, error) {
	k := pairKey{buyerID, sellerID}
	if p, ok := tx.positions[k]; ok {
		return p, nil
	}
	if p, ok := tx.s.positions[k]; ok {
		return p, nil
	}
	return model.Position{BuyerID: buyerID, SellerID: sellerID}, nil
}

func (tx *memTx) SavePosition(_ context.Context, p model.Position) error {
	if p.Shares < 0 {
		return fmt.Errorf("%w: negative shares", apperr.ErrInvalidInput)
	}
	tx.positions[pairKey{p.BuyerID, p.SellerID}] = p
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) InsertRecharge(_ context.Context, r *model.Recharge) error {
	tx.recharges = append(tx.recharges, *r)
	return nil
}

func (tx *memTx) InsertBalanceEntry(_ context.Context, e *model.BalanceEntry) error {
	tx.history = append(tx.history, *e)
	return nil
}

func (tx *memTx) ListPositions(_ context.Context, buyerID string) ([]model.Position, error) {
	merged := make(map[string]model.Position)
	for k, p := range tx.s.positions {
		if k.buyer == buyerID {
			merged[k.seller] = p
		}
	}
	for k, p := range tx.positions {
		if k.buyer == buyerID {
			merged[k.seller] = p
		}
	}
	positions := make([]model.Position, 0, len(merged))
	for _, p := range merged {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].SellerID < positions[j].SellerID })
	return positions, nil
}

func (tx *memTx) LatestPrices(_ context.Context, sellerIDs []string) (map[string]decimal.Decimal, error) {
	want := make(map[string]bool, len(sellerIDs))
	for _, id := range sellerIDs {
		want[id] = true
	}
	latest := make(map[string]model.PriceRecord)
	for _, p := range tx.s.prices {
		if !want[p.SellerID] {
			continue
		}
		if cur, ok := latest[p.SellerID]; !ok || p.Newer(cur) {
			latest[p.SellerID] = p
		}
	}
	out := make(map[string]decimal.Decimal, len(latest))
	for id, p := range latest {
		out[id] = p.Price
	}
	return out, nil
}

func (tx *memTx) InsertAccountSnapshot(_ context.Context, a *model.AccountSnapshot) error {
	tx.accounts = append(tx.accounts, *a)
	return nil
}

func cloneUser(u *model.User) *model.User {
	c := *u
	if u.Coefficients != nil {
		coeffs := *u.Coefficients
		c.Coefficients = &coeffs
	}
	return &c
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func truncate[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}
