package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedUser(t *testing.T, s *MemoryStore, id string, role model.Role) {
	t.Helper()
	u := &model.User{ID: id, Username: id, Role: role, CreatedAt: time.Now().UTC()}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func price(seller, date string, session model.Session, p float64) *model.PriceRecord {
	dt, _ := model.ParseDate(date)
	return &model.PriceRecord{ID: seller + date + string(session), SellerID: seller, Date: dt, Session: session, Price: d(p)}
}

func TestMemory_CreateUserDuplicateUsername(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "alice", model.RoleBuyer)

	err := s.CreateUser(ctx, &model.User{ID: "other", Username: "ALICE", Role: model.RoleSeller})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	bal, err := s.GetBalance(ctx, "alice")
	if err != nil || !bal.IsZero() {
		t.Errorf("new user should start at 0, got %s (%v)", bal, err)
	}
}

func TestMemory_UnknownUser(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetUser(context.Background(), "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetUser: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetBalance(context.Background(), "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetBalance: expected ErrNotFound, got %v", err)
	}
}

func TestMemory_SetCoefficientsOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "s1", model.RoleSeller)

	c := model.Coefficients{BaselineWeight: d(70), BasePrice: d(10), KUp: d(0.5), KDown: d(0.3)}
	if err := s.SetCoefficients(ctx, "s1", c); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := s.SetCoefficients(ctx, "s1", c); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("second set: expected ErrInvalidInput, got %v", err)
	}

	u, _ := s.GetUser(ctx, "s1")
	if u.Coefficients == nil || !u.Coefficients.BasePrice.Equal(d(10)) {
		t.Errorf("coefficients not stored: %+v", u.Coefficients)
	}

	// Returned users are copies.
	u.Coefficients.BasePrice = d(99)
	again, _ := s.GetUser(ctx, "s1")
	if !again.Coefficients.BasePrice.Equal(d(10)) {
		t.Error("mutating a returned user changed the store")
	}
}

func TestMemory_InsertPriceRejectsFilledSession(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.InsertPrice(ctx, price("s1", "2026-03-02", model.SessionAM, 10)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertPrice(ctx, price("s1", "2026-03-02", model.SessionAM, 12))
	if !errors.Is(err, apperr.ErrSessionAlreadyFilled) {
		t.Fatalf("expected ErrSessionAlreadyFilled, got %v", err)
	}

	latest, _ := s.GetLatestPrice(ctx, "s1")
	if !latest.Price.Equal(d(10)) {
		t.Errorf("existing record changed: %s", latest.Price)
	}

	// Other session and other seller are independent slots.
	if err := s.InsertPrice(ctx, price("s1", "2026-03-02", model.SessionPM, 11)); err != nil {
		t.Errorf("PM slot: %v", err)
	}
	if err := s.InsertPrice(ctx, price("s2", "2026-03-02", model.SessionAM, 9)); err != nil {
		t.Errorf("other seller: %v", err)
	}
}

func TestMemory_LatestPriceOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetLatestPrice(ctx, "s1"); !errors.Is(err, apperr.ErrNoPriceAvailable) {
		t.Errorf("expected ErrNoPriceAvailable, got %v", err)
	}

	// Inserted out of order on purpose.
	s.InsertPrice(ctx, price("s1", "2026-03-03", model.SessionPM, 13))
	s.InsertPrice(ctx, price("s1", "2026-03-04", model.SessionAM, 14))
	s.InsertPrice(ctx, price("s1", "2026-03-03", model.SessionAM, 12))

	latest, err := s.GetLatestPrice(ctx, "s1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Price.Equal(d(14)) {
		t.Errorf("expected 14 (2026-03-04 AM), got %s", latest.Price)
	}

	list, _ := s.ListPrices(ctx, "s1", 2)
	if len(list) != 2 || !list[0].Price.Equal(d(14)) || !list[1].Price.Equal(d(13)) {
		t.Errorf("unexpected newest-first list: %+v", list)
	}

	day, _ := model.ParseDate("2026-03-03")
	on, _ := s.PricesOn(ctx, "s1", day)
	if len(on) != 2 || on[0].Session != model.SessionAM || on[1].Session != model.SessionPM {
		t.Errorf("expected AM then PM, got %+v", on)
	}
}

func TestMemory_InTxCommitsOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "b1", model.RoleBuyer)

	err := s.InTx(ctx, func(tx Tx) error {
		bal, err := tx.LockBalance(ctx, "b1")
		if err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, "b1", bal.Add(d(100))); err != nil {
			return err
		}
		return tx.InsertBalanceEntry(ctx, &model.BalanceEntry{UserID: "b1", Balance: d(100), Reason: model.ReasonRecharge, Timestamp: time.Now()})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	bal, _ := s.GetBalance(ctx, "b1")
	if !bal.Equal(d(100)) {
		t.Errorf("expected 100, got %s", bal)
	}
	hist, _ := s.BalanceHistory(ctx, "b1", time.Time{})
	if len(hist) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(hist))
	}
}

func TestMemory_InTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "b1", model.RoleBuyer)
	seedUser(t, s, "s1", model.RoleSeller)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		tx.SetBalance(ctx, "b1", d(50))
		tx.SavePosition(ctx, model.Position{BuyerID: "b1", SellerID: "s1", Shares: 5, CostBasis: d(10)})
		tx.InsertTrade(ctx, &model.Trade{ID: "t1", BuyerID: "b1", SellerID: "s1", Side: model.SideBuy, Quantity: 5})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	bal, _ := s.GetBalance(ctx, "b1")
	pos, _ := s.GetPosition(ctx, "b1", "s1")
	trades, _ := s.ListTrades(ctx, model.TradeFilter{BuyerID: "b1"})
	if !bal.IsZero() || pos.Shares != 0 || len(trades) != 0 {
		t.Errorf("rollback leaked writes: bal=%s shares=%d trades=%d", bal, pos.Shares, len(trades))
	}
}

func TestMemory_TxReadsItsOwnWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "b1", model.RoleBuyer)

	s.InTx(ctx, func(tx Tx) error {
		tx.SetBalance(ctx, "b1", d(42))
		bal, _ := tx.LockBalance(ctx, "b1")
		if !bal.Equal(d(42)) {
			t.Errorf("expected staged 42, got %s", bal)
		}
		tx.SavePosition(ctx, model.Position{BuyerID: "b1", SellerID: "s1", Shares: 3})
		p, _ := tx.LockPosition(ctx, "b1", "s1")
		if p.Shares != 3 {
			t.Errorf("expected staged 3 shares, got %d", p.Shares)
		}
		return nil
	})
}

func TestMemory_TxValuationReads(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "b1", model.RoleBuyer)
	s.InsertPrice(ctx, price("s1", "2026-03-03", model.SessionAM, 12))
	s.InsertPrice(ctx, price("s1", "2026-03-03", model.SessionPM, 13))
	s.InsertPrice(ctx, price("s3", "2026-03-03", model.SessionAM, 40))
	s.InTx(ctx, func(tx Tx) error {
		return tx.SavePosition(ctx, model.Position{BuyerID: "b1", SellerID: "s2", Shares: 1, CostBasis: d(20)})
	})

	err := s.InTx(ctx, func(tx Tx) error {
		tx.SavePosition(ctx, model.Position{BuyerID: "b1", SellerID: "s1", Shares: 4, CostBasis: d(11)})
		positions, err := tx.ListPositions(ctx, "b1")
		if err != nil {
			return err
		}
		if len(positions) != 2 || positions[0].SellerID != "s1" || positions[1].SellerID != "s2" {
			t.Errorf("expected staged s1 and stored s2, got %+v", positions)
		}

		latest, err := tx.LatestPrices(ctx, []string{"s1", "s2"})
		if err != nil {
			return err
		}
		if len(latest) != 1 || !latest["s1"].Equal(d(13)) {
			t.Errorf("expected only s1 at 13, got %v", latest)
		}
		return tx.InsertAccountSnapshot(ctx, &model.AccountSnapshot{UserID: "b1", AccountValue: d(52), Timestamp: time.Now()})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	snaps, _ := s.AccountValueHistory(ctx, "b1", time.Time{})
	if len(snaps) != 1 || !snaps[0].AccountValue.Equal(d(52)) {
		t.Errorf("expected one committed snapshot, got %+v", snaps)
	}

	boom := errors.New("boom")
	s.InTx(ctx, func(tx Tx) error {
		tx.InsertAccountSnapshot(ctx, &model.AccountSnapshot{UserID: "b1", Timestamp: time.Now()})
		return boom
	})
	if snaps, _ := s.AccountValueHistory(ctx, "b1", time.Time{}); len(snaps) != 1 {
		t.Errorf("rolled-back snapshot leaked: %+v", snaps)
	}
}

func TestMemory_ListTradesFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	s.InTx(ctx, func(tx Tx) error {
		for i, seller := range []string{"s1", "s2", "s1", "s1"} {
			tx.InsertTrade(ctx, &model.Trade{
				ID: string(rune('a' + i)), BuyerID: "b1", SellerID: seller,
				Side: model.SideBuy, Quantity: 1, Timestamp: base.Add(time.Duration(i) * time.Hour),
			})
		}
		return nil
	})

	all, _ := s.ListTrades(ctx, model.TradeFilter{BuyerID: "b1", SellerID: "s1"})
	if len(all) != 3 || all[0].ID != "a" {
		t.Errorf("expected 3 chronological s1 trades, got %+v", all)
	}

	newest, _ := s.ListTrades(ctx, model.TradeFilter{BuyerID: "b1", Newest: true, Limit: 2})
	if len(newest) != 2 || newest[0].ID != "d" || newest[1].ID != "c" {
		t.Errorf("expected [d c], got %+v", newest)
	}

	window, _ := s.ListTrades(ctx, model.TradeFilter{BuyerID: "b1", From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	if len(window) != 2 {
		t.Errorf("expected 2 trades in window, got %d", len(window))
	}
}
