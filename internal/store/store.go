// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/model"
)

// MaxListLimit caps every list query.
const MaxListLimit = 500

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Read methods must not be called from inside an InTx callback; use the Tx
// handed to the callback instead.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user with a zero balance. A taken username
	// fails with apperr.ErrInvalidInput.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser returns apperr.ErrNotFound for unknown IDs.
	GetUser(ctx context.Context, id string) (*model.User, error)

	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	// ListUsers returns users of the given role, oldest first.
	ListUsers(ctx context.Context, role model.Role) ([]model.User, error)

	// SetCoefficients stores a seller's pricing parameters. They can be set
	// only once; a second call fails with apperr.ErrInvalidInput.
	SetCoefficients(ctx context.Context, sellerID string, c model.Coefficients) error

	// --- Prices (immutable) ---

	// InsertPrice fails with apperr.ErrSessionAlreadyFilled when the
	// (seller, date, session) slot is taken; the existing record is untouched.
	InsertPrice(ctx context.Context, p *model.PriceRecord) error

	// GetLatestPrice returns apperr.ErrNoPriceAvailable if the seller never
	// published.
	GetLatestPrice(ctx context.Context, sellerID string) (*model.PriceRecord, error)

	// ListPrices returns the newest limit prices, newest first.
	ListPrices(ctx context.Context, sellerID string, limit int) ([]model.PriceRecord, error)

	// PricesOn returns the prices published for one date.
	PricesOn(ctx context.Context, sellerID string, date model.Date) ([]model.PriceRecord, error)

	// --- Balances, positions, trade log ---

	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// GetPosition returns an empty position if the pair never traded.
	GetPosition(ctx context.Context, buyerID, sellerID string) (model.Position, error)

	ListPositions(ctx context.Context, buyerID string) ([]model.Position, error)

	ListTrades(ctx context.Context, f model.TradeFilter) ([]model.Trade, error)

	// BalanceHistory returns snapshots at or after since, oldest first.
	BalanceHistory(ctx context.Context, userID string, since time.Time) ([]model.BalanceEntry, error)

	// AccountValueHistory returns account snapshots at or after since,
	// oldest first.
	AccountValueHistory(ctx context.Context, userID string, since time.Time) ([]model.AccountSnapshot, error)

	// InTx runs fn in a transaction. Every write made through tx commits
	// when fn returns nil and is discarded otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of a store transaction.
type Tx interface {
	// LockBalance locks a user's balance row until the transaction ends.
	LockBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// LockPosition locks the pair's position, returning an empty one if
	// none exists yet.
	LockPosition(ctx context.Context, buyerID, sellerID string) (model.Position, error)

	SavePosition(ctx context.Context, p model.Position) error

	InsertTrade(ctx context.Context, t *model.Trade) error

	InsertRecharge(ctx context.Context, r *model.Recharge) error

	InsertBalanceEntry(ctx context.Context, e *model.BalanceEntry) error

	// ListPositions returns the buyer's positions including writes staged
	// in this transaction.
	ListPositions(ctx context.Context, buyerID string) ([]model.Position, error)

	// LatestPrices maps each seller that has published to its latest price.
	LatestPrices(ctx context.Context, sellerIDs []string) (map[string]decimal.Decimal, error)

	InsertAccountSnapshot(ctx context.Context, a *model.AccountSnapshot) error
}
