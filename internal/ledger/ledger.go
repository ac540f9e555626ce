// Package ledger owns cash balances. Every balance change goes through
// Adjust inside a store transaction so the check and the write are atomic,
// and every change leaves a balance-history snapshot. Recharges and trades
// also leave an account-value snapshot of the affected account.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/keylock"
	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/pnl"
	"github.com/weightx/exchange-engine/internal/store"
)

// MoneyScale is the number of decimal places of a balance.
const MoneyScale int32 = 2

// MaxRecharge caps a single deposit.
var MaxRecharge = decimal.NewFromInt(1_000_000)

// Floor decides whether a debit may take a balance below zero.
type Floor int

const (
	// FloorZero rejects debits that would leave a negative balance.
	FloorZero Floor = iota
	// NoFloor lets the balance go negative. Used for seller payouts.
	NoFloor
)

// Adjust adds delta to the user's locked balance and writes the result.
// The caller must be inside tx and should record the history entry.
func Adjust(ctx context.Context, tx store.Tx, userID string, delta decimal.Decimal, floor Floor) (decimal.Decimal, error) {
	bal, err := tx.LockBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	next := bal.Add(delta)
	if floor == FloorZero && delta.IsNegative() && next.IsNegative() {
		return bal, fmt.Errorf("%w: balance %s, need %s", apperr.ErrInsufficientFunds,
			bal.StringFixed(MoneyScale), delta.Neg().StringFixed(MoneyScale))
	}
	if err := tx.SetBalance(ctx, userID, next); err != nil {
		return bal, err
	}
	return next, nil
}

// Snapshot appends a balance-history entry for a completed adjustment.
func Snapshot(ctx context.Context, tx store.Tx, userID string, balance decimal.Decimal, reason, relatedID string, at time.Time) error {
	return tx.InsertBalanceEntry(ctx, &model.BalanceEntry{
		UserID:    userID,
		Balance:   balance,
		Reason:    reason,
		RelatedID: relatedID,
		Timestamp: at,
	})
}

// SnapshotAccount values the user's account inside tx, with cash after the
// adjustment and positions marked at the sellers' latest prices, and appends
// it to the account-value history.
func SnapshotAccount(ctx context.Context, tx store.Tx, userID string, cash decimal.Decimal, reason, relatedID string, at time.Time) error {
	positions, err := tx.ListPositions(ctx, userID)
	if err != nil {
		return err
	}
	sellers := make([]string, 0, len(positions))
	for _, p := range positions {
		if p.Shares > 0 {
			sellers = append(sellers, p.SellerID)
		}
	}
	latest, err := tx.LatestPrices(ctx, sellers)
	if err != nil {
		return err
	}
	v := pnl.Value(userID, cash, pnl.Holdings(positions, latest))
	return tx.InsertAccountSnapshot(ctx, &model.AccountSnapshot{
		UserID:       userID,
		CashBalance:  v.CashBalance,
		EquityValue:  v.EquityValue,
		AccountValue: v.AccountValue,
		Reason:       reason,
		RelatedID:    relatedID,
		Timestamp:    at,
	})
}

// ValidateRecharge checks a deposit amount: positive, at most two decimals,
// at most MaxRecharge.
func ValidateRecharge(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", apperr.ErrInvalidAmount)
	case !amount.Equal(amount.Round(MoneyScale)):
		return fmt.Errorf("%w: amount must have at most %d decimals", apperr.ErrInvalidAmount, MoneyScale)
	case amount.GreaterThan(MaxRecharge):
		return fmt.Errorf("%w: amount exceeds %s", apperr.ErrInvalidAmount, MaxRecharge.StringFixed(MoneyScale))
	}
	return nil
}

// Ledger serves balance reads and deposits.
type Ledger struct {
	store store.Store
	locks *keylock.Locker
	now   func() time.Time
}

func New(st store.Store, locks *keylock.Locker) *Ledger {
	return &Ledger{store: st, locks: locks, now: time.Now}
}

// SetClock replaces the time source used to stamp deposits.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Balance returns the user's balance; 0 if it was never touched.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return l.store.GetBalance(ctx, userID)
}

// Recharge deposits amount and returns the recorded deposit and the new balance.
func (l *Ledger) Recharge(ctx context.Context, userID string, amount decimal.Decimal) (*model.Recharge, decimal.Decimal, error) {
	if err := ValidateRecharge(amount); err != nil {
		return nil, decimal.Zero, err
	}

	release, err := l.locks.Acquire(ctx, keylock.BalanceKey(userID))
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer release()

	rc := &model.Recharge{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Timestamp: l.now().UTC(),
	}
	var newBal decimal.Decimal
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if newBal, err = Adjust(ctx, tx, userID, amount, FloorZero); err != nil {
			return err
		}
		if err := tx.InsertRecharge(ctx, rc); err != nil {
			return err
		}
		if err := Snapshot(ctx, tx, userID, newBal, model.ReasonRecharge, rc.ID, rc.Timestamp); err != nil {
			return err
		}
		return SnapshotAccount(ctx, tx, userID, newBal, model.ReasonRecharge, rc.ID, rc.Timestamp)
	})
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("recharge %s: %w", userID, err)
	}
	return rc, newBal, nil
}
