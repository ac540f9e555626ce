// Package keylock serializes work per logical key (a user's balance, a
// buyer/seller position) inside a single process.
//
// Each key is a one-slot semaphore. Acquisition waits at most the configured
// timeout and then fails with apperr.ErrBusy, so a stuck holder turns into a
// retryable error instead of a pile of blocked requests.
package keylock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weightx/exchange-engine/internal/apperr"
)

// Locker hands out per-key exclusive locks.
type Locker struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// New creates a Locker whose acquisitions give up after timeout.
// A non-positive timeout waits only for ctx.
func New(timeout time.Duration) *Locker {
	return &Locker{
		slots:   make(map[string]*slot),
		timeout: timeout,
	}
}

// PositionKey names the lock guarding one buyer's position against a seller.
func PositionKey(buyerID, sellerID string) string {
	return fmt.Sprintf("pos:%s:%s", buyerID, sellerID)
}

// BalanceKey names the lock guarding one user's balance.
func BalanceKey(userID string) string {
	return fmt.Sprintf("bal:%s", userID)
}

// PriceKey names the lock serializing a seller's price uploads with the
// trades that read the seller's latest price.
func PriceKey(sellerID string) string {
	return fmt.Sprintf("price:%s", sellerID)
}

// TradeKeys returns the keys a trade must hold, in acquisition order:
// the position first, then both balances sorted by key, then the seller's
// price.
func TradeKeys(buyerID, sellerID string) []string {
	bal := []string{BalanceKey(buyerID), BalanceKey(sellerID)}
	sort.Strings(bal)
	if bal[0] == bal[1] {
		bal = bal[:1]
	}
	keys := append([]string{PositionKey(buyerID, sellerID)}, bal...)
	return append(keys, PriceKey(sellerID))
}

// Acquire locks keys in the given order and returns a function releasing
// all of them. On failure nothing stays locked. Duplicate keys are ignored.
func (l *Locker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	held := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if err := l.lock(ctx, k); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *Locker) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, s)
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("lock %s: %w", key, apperr.ErrBusy)
		}
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (l *Locker) unlock(key string) {
	l.mu.Lock()
	s, ok := l.slots[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-s.ch
	l.drop(key, s)
}

// drop releases one reference and forgets the slot once nobody uses it.
func (l *Locker) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len reports how many keys are currently locked or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
