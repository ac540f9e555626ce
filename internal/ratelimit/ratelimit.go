// Package ratelimit throttles request-heavy endpoints (trades, recharges)
// per user with one token bucket per key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Keyed holds one limiter per key. The zero value is not usable; use New.
//
// A key idle long enough to refill its whole burst is indistinguishable
// from a new one, so it is dropped on the next sweep.
type Keyed struct {
	mu        sync.Mutex
	entries   map[string]*entry
	maxTokens int
	interval  time.Duration
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// PerMinute allows n requests per key per minute with a burst of n.
// n <= 0 disables limiting.
func PerMinute(n int) *Keyed {
	if n <= 0 {
		return New(0, 0)
	}
	return New(n, time.Minute/time.Duration(n))
}

// New creates a limiter with the given burst and refill interval.
func New(maxTokens int, interval time.Duration) *Keyed {
	return &Keyed{
		entries:   make(map[string]*entry),
		maxTokens: maxTokens,
		interval:  interval,
		idle:      time.Duration(maxTokens) * interval,
		now:       time.Now,
	}
}

// Allow consumes a token for key and reports whether one was available.
func (k *Keyed) Allow(key string) bool {
	if k.maxTokens <= 0 {
		return true
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.sweep(now)
	e, ok := k.entries[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Every(k.interval), k.maxTokens)}
		k.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// RetryAfter estimates how long key must wait for its next token.
func (k *Keyed) RetryAfter(key string) time.Duration {
	if k.maxTokens <= 0 {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		return 0
	}
	now := k.now()
	r := e.lim.ReserveN(now, 1)
	defer r.CancelAt(now)
	return r.DelayFrom(now)
}

// Len reports how many keys are tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// sweep drops idle keys at most once per idle window. Callers hold mu.
func (k *Keyed) sweep(now time.Time) {
	if now.Sub(k.lastSweep) < k.idle {
		return
	}
	k.lastSweep = now
	for key, e := range k.entries {
		if now.Sub(e.lastSeen) >= k.idle {
			delete(k.entries, key)
		}
	}
}
