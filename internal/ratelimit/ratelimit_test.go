package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perMin int) (*Keyed, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	l := PerMinute(perMin)
	l.now = clk.now
	return l, clk
}

func TestAllow_BurstThenBlock(t *testing.T) {
	l, _ := newTestLimiter(10)
	for i := 0; i < 10; i++ {
		if !l.Allow("u1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("u1") {
		t.Error("11th request within a minute should be blocked")
	}
	if l.RetryAfter("u1") <= 0 {
		t.Error("expected positive retry-after")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1)
	if !l.Allow("u1") || !l.Allow("u2") {
		t.Error("first request of each key should pass")
	}
	if l.Allow("u1") {
		t.Error("u1 should be throttled")
	}
}

func TestAllow_Refill(t *testing.T) {
	l, clk := newTestLimiter(5) // one token every 12s
	for i := 0; i < 5; i++ {
		l.Allow("u1")
	}
	clk.advance(11 * time.Second)
	if l.Allow("u1") {
		t.Error("no token should be back after 11s")
	}
	clk.advance(time.Second)
	if !l.Allow("u1") {
		t.Error("one token should be back after 12s")
	}
	if l.Allow("u1") {
		t.Error("only one token should have been refilled")
	}
}

func TestAllow_RefillCapsAtBurst(t *testing.T) {
	l, clk := newTestLimiter(3)
	l.Allow("u1")
	clk.advance(time.Hour)
	for i := 0; i < 3; i++ {
		if !l.Allow("u1") {
			t.Fatalf("request %d after idle should pass", i+1)
		}
	}
	if l.Allow("u1") {
		t.Error("burst should be capped at 3")
	}
}

func TestPerMinute_ZeroDisables(t *testing.T) {
	l := PerMinute(0)
	for i := 0; i < 100; i++ {
		if !l.Allow("u1") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestAllow_EvictsIdleKeys(t *testing.T) {
	l, clk := newTestLimiter(2) // full refill after a minute
	l.Allow("u1")
	l.Allow("u2")
	if l.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", l.Len())
	}

	clk.advance(30 * time.Second)
	l.Allow("u2")
	clk.advance(45 * time.Second)
	l.Allow("u3")

	if l.Len() != 2 {
		t.Errorf("expected u1 evicted, got %d keys", l.Len())
	}
	if _, ok := l.entries["u1"]; ok {
		t.Error("u1 should have been evicted")
	}
	if _, ok := l.entries["u2"]; !ok {
		t.Error("u2 was active within the window and should be kept")
	}
}

func TestAllow_EvictedKeyStartsFull(t *testing.T) {
	l, clk := newTestLimiter(2)
	l.Allow("u1")
	l.Allow("u1")
	if l.Allow("u1") {
		t.Fatal("u1 should be throttled")
	}
	clk.advance(2 * time.Minute)
	for i := 0; i < 2; i++ {
		if !l.Allow("u1") {
			t.Fatalf("request %d after eviction should pass", i+1)
		}
	}
}

func TestRetryAfter_DoesNotConsume(t *testing.T) {
	l, clk := newTestLimiter(1)
	l.Allow("u1")
	if got := l.RetryAfter("u1"); got < 59*time.Second || got > time.Minute {
		t.Errorf("expected about 1m, got %s", got)
	}
	clk.advance(61 * time.Second)
	if !l.Allow("u1") {
		t.Error("RetryAfter must not hold a token")
	}
}
