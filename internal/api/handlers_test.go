package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/api"
	"github.com/weightx/exchange-engine/internal/events"
	"github.com/weightx/exchange-engine/internal/exchange"
	"github.com/weightx/exchange-engine/internal/keylock"
	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/pnl"
	"github.com/weightx/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a router over an in-memory exchange.
func newTestEnv(t *testing.T, limits api.Limits) (*exchange.Service, chi.Router) {
	t.Helper()
	svc := exchange.NewService(store.NewMemoryStore(), keylock.New(time.Second), events.Discard{})
	users, err := api.NewUserCache(1000, time.Minute)
	if err != nil {
		t.Fatalf("user cache: %v", err)
	}
	r := chi.NewRouter()
	api.NewHandler(svc, users, nil, limits).Routes(r)
	return svc, r
}

func do(t *testing.T, router chi.Router, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(api.UserHeader, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func register(t *testing.T, router chi.Router, name, role string) string {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/users", "", map[string]string{"username": name, "role": role})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", name, w.Code, w.Body.String())
	}
	var u model.User
	json.NewDecoder(w.Body).Decode(&u)
	return u.ID
}

// seedMarket registers a configured seller with an 11.00 AM price and a
// buyer holding 100.00.
func seedMarket(t *testing.T, router chi.Router) (seller, buyer string) {
	t.Helper()
	seller = register(t, router, "sam", "seller")
	buyer = register(t, router, "bob", "buyer")

	w := do(t, router, "PUT", "/api/v1/seller/settings", seller, map[string]string{
		"baseline_weight": "70", "base_price": "10", "k_up": "0.5", "k_down": "0.3",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("configure: %d %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/seller/prices", seller, map[string]any{
		"date": "2026-03-02", "session": "AM", "weight": 72,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/buyer/recharge", buyer, map[string]string{"amount": "100"})
	if w.Code != http.StatusOK {
		t.Fatalf("recharge: %d %s", w.Code, w.Body.String())
	}
	return seller, buyer
}

func errorOf(w *httptest.ResponseRecorder) string {
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	return body["error"]
}

// --- Identity & roles ---

func TestRoutes_RequireIdentity(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	seller := register(t, router, "sam", "seller")

	if w := do(t, router, "GET", "/api/v1/buyer/balance", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without header, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/buyer/balance", "ghost", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown user, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/buyer/balance", seller, nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a seller on a buyer route, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/seller/balance", seller, nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	register(t, router, "sam", "seller")

	w := do(t, router, "POST", "/api/v1/users", "", map[string]string{"username": "Sam", "role": "buyer"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestLookupUser(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	id := register(t, router, "Sam", "seller")

	w := do(t, router, "GET", "/api/v1/users/sam", "", nil)
	var u model.User
	json.NewDecoder(w.Body).Decode(&u)
	if w.Code != http.StatusOK || u.ID != id {
		t.Errorf("expected %s, got %d %+v", id, w.Code, u)
	}
	if w := do(t, router, "GET", "/api/v1/users/nobody", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Seller routes ---

func TestUploadPrice_SessionFilledIsConflict(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	seller, _ := seedMarket(t, router)

	w := do(t, router, "POST", "/api/v1/seller/prices", seller, map[string]any{
		"date": "2026-03-02", "session": "am", "weight": 68,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/sellers/"+seller+"/price", "", nil)
	var p model.PriceRecord
	json.NewDecoder(w.Body).Decode(&p)
	if !p.Price.Equal(d(11)) {
		t.Errorf("expected price to stay 11, got %s", p.Price)
	}

	w = do(t, router, "GET", "/api/v1/seller/filled-sessions?date=2026-03-02", seller, nil)
	var fs exchange.FilledSessions
	json.NewDecoder(w.Body).Decode(&fs)
	if !fs.AM || fs.PM {
		t.Errorf("unexpected filled sessions %+v", fs)
	}
}

func TestUploadPrice_Unconfigured(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	seller := register(t, router, "sam", "seller")

	w := do(t, router, "POST", "/api/v1/seller/prices", seller, map[string]any{
		"date": "2026-03-02", "session": "AM", "weight": 72,
	})
	if w.Code != http.StatusPreconditionFailed {
		t.Errorf("expected 412, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/seller/settings", seller, nil)
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["configured"] != false {
		t.Errorf("expected unconfigured seller, got %v", body)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	seller := register(t, router, "sam", "seller")

	w := do(t, router, "PUT", "/api/v1/seller/settings", seller, map[string]string{"slope": "1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Buyer routes ---

func TestTrade_EndToEnd(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	seller, buyer := seedMarket(t, router)

	w := do(t, router, "POST", "/api/v1/buyer/trade", buyer, map[string]any{
		"seller_id": seller, "side": "buy", "quantity": 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade: %d %s", w.Code, w.Body.String())
	}
	var res exchange.TradeResult
	json.NewDecoder(w.Body).Decode(&res)
	if !res.BuyerBalance.Equal(d(45)) || res.Trade.Quantity != 5 {
		t.Errorf("unexpected result %+v", res)
	}

	w = do(t, router, "GET", "/api/v1/seller/balance", seller, nil)
	var bal map[string]string
	json.NewDecoder(w.Body).Decode(&bal)
	if bal["balance"] != "55.00" {
		t.Errorf("expected seller 55.00, got %v", bal)
	}

	w = do(t, router, "GET", "/api/v1/buyer/pnl?sellerId="+seller, buyer, nil)
	var rep pnl.Report
	json.NewDecoder(w.Body).Decode(&rep)
	if rep.Shares != 5 || !rep.TotalInvested.Equal(d(55)) || !rep.TotalPnL.IsZero() {
		t.Errorf("unexpected pnl %+v", rep)
	}

	w = do(t, router, "GET", "/api/v1/buyer/trades", buyer, nil)
	var trades []model.Trade
	json.NewDecoder(w.Body).Decode(&trades)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}

	w = do(t, router, "GET", "/api/v1/buyer/account-value", buyer, nil)
	var av pnl.AccountValue
	json.NewDecoder(w.Body).Decode(&av)
	if !av.AccountValue.Equal(d(100)) {
		t.Errorf("expected account value 100, got %s", av.AccountValue)
	}
}

func TestTrade_ErrorStatuses(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	seller, buyer := seedMarket(t, router)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"bad side", map[string]any{"seller_id": seller, "side": "short", "quantity": 1}, http.StatusBadRequest},
		{"insufficient funds", map[string]any{"seller_id": seller, "side": "buy", "quantity": 10}, http.StatusUnprocessableEntity},
		{"insufficient position", map[string]any{"seller_id": seller, "side": "sell", "quantity": 1}, http.StatusUnprocessableEntity},
		{"unknown seller", map[string]any{"seller_id": "ghost", "side": "buy", "quantity": 1}, http.StatusNotFound},
		{"stale price", map[string]any{"seller_id": seller, "side": "buy", "quantity": 1, "expected_price": "10.5"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/buyer/trade", buyer, tc.body)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d (%s)", tc.want, w.Code, errorOf(w))
			}
		})
	}
}

func TestTrade_RateLimited(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{TradesPerMinute: 2})
	seller, buyer := seedMarket(t, router)

	body := map[string]any{"seller_id": seller, "side": "buy", "quantity": 1}
	for i := 0; i < 2; i++ {
		if w := do(t, router, "POST", "/api/v1/buyer/trade", buyer, body); w.Code != http.StatusOK {
			t.Fatalf("trade %d: %d", i, w.Code)
		}
	}
	w := do(t, router, "POST", "/api/v1/buyer/trade", buyer, body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRecharge_InvalidAmount(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	buyer := register(t, router, "bob", "buyer")

	for _, amt := range []string{"0", "-5", "1.005", "1000000.01"} {
		w := do(t, router, "POST", "/api/v1/buyer/recharge", buyer, map[string]string{"amount": amt})
		if w.Code != http.StatusBadRequest {
			t.Errorf("amount %s: expected 400, got %d", amt, w.Code)
		}
	}
}

func TestBalanceHistory_AnyRole(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	_, buyer := seedMarket(t, router)

	w := do(t, router, "GET", "/api/v1/balance-history?period=ALL", buyer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var hist []model.BalanceEntry
	json.NewDecoder(w.Body).Decode(&hist)
	if len(hist) != 1 || !hist[0].Balance.Equal(d(100)) {
		t.Errorf("unexpected history %+v", hist)
	}

	if w := do(t, router, "GET", "/api/v1/balance-history?period=10Y", buyer, nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown period, got %d", w.Code)
	}
}

func TestAccountValueHistory_BuyerOnly(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	seller, buyer := seedMarket(t, router)

	w := do(t, router, "POST", "/api/v1/buyer/trade", buyer, map[string]any{
		"seller_id": seller, "side": "buy", "quantity": 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade: %d %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/buyer/account-value-history?period=ALL", buyer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var hist []model.AccountSnapshot
	json.NewDecoder(w.Body).Decode(&hist)
	if len(hist) != 2 {
		t.Fatalf("expected 2 snapshots, got %+v", hist)
	}
	last := hist[1]
	if last.Reason != model.ReasonTrade || !last.CashBalance.Equal(d(45)) ||
		!last.EquityValue.Equal(d(55)) || !last.AccountValue.Equal(d(100)) {
		t.Errorf("unexpected snapshot %+v", last)
	}

	if w := do(t, router, "GET", "/api/v1/buyer/account-value-history", seller, nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a seller, got %d", w.Code)
	}
}

func TestListSellers_Public(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	seedMarket(t, router)

	w := do(t, router, "GET", "/api/v1/sellers", "", nil)
	var quotes []exchange.SellerQuote
	json.NewDecoder(w.Body).Decode(&quotes)
	if len(quotes) != 1 || quotes[0].LatestPrice == nil || !quotes[0].LatestPrice.Price.Equal(d(11)) {
		t.Errorf("unexpected sellers %+v", quotes)
	}
}

func TestPnL_BadPeriod(t *testing.T) {
	_, router := newTestEnv(t, api.Limits{})
	_, buyer := seedMarket(t, router)

	if w := do(t, router, "GET", "/api/v1/buyer/pnl?start=yesterday", buyer, nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/buyer/pnl?start=2026-03-02&end=2026-03-01", buyer, nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for inverted period, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/buyer/pnl/daily?date=2026-03-02", buyer, nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

// --- WebSocket hub ---

func TestWSHub_PublishNeverBlocks(t *testing.T) {
	hub := api.NewWSHub("*")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run is not started: the buffer fills and further events are dropped.
	for i := 0; i < 1000; i++ {
		if err := hub.Publish(ctx, events.Event{Type: events.TypePricePublished}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if hub.Clients() != 0 {
		t.Errorf("expected no clients, got %d", hub.Clients())
	}
}

func TestWSHub_BroadcastOmitsBuyer(t *testing.T) {
	hub := api.NewWSHub("*")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err = hub.Publish(ctx, events.Event{
		Type: events.TypeTradeExecuted, SellerID: "sam", BuyerID: "bob", TradeID: "t1", Price: d(11),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got["buyer_id"]; ok {
		t.Errorf("broadcast leaked the buyer: %s", msg)
	}
	if got["seller_id"] != "sam" || got["trade_id"] != "t1" {
		t.Errorf("unexpected broadcast %s", msg)
	}
}
