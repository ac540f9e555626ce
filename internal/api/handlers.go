// Package api exposes the exchange over HTTP (chi) and WebSocket.
// Handlers are thin: they resolve the caller, decode input and map core
// errors to status codes; every rule lives in package exchange.
package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/exchange"
	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/pnl"
	"github.com/weightx/exchange-engine/internal/ratelimit"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	svc          *exchange.Service
	users        *UserCache
	hub          *WSHub
	tradeLimit   *ratelimit.Keyed
	depositLimit *ratelimit.Keyed
	now          func() time.Time
}

// Limits configures per-user request rates; zero disables a limit.
type Limits struct {
	TradesPerMinute    int
	RechargesPerMinute int
}

func NewHandler(svc *exchange.Service, users *UserCache, hub *WSHub, limits Limits) *Handler {
	return &Handler{
		svc:          svc,
		users:        users,
		hub:          hub,
		tradeLimit:   ratelimit.PerMinute(limits.TradesPerMinute),
		depositLimit: ratelimit.PerMinute(limits.RechargesPerMinute),
		now:          time.Now,
	}
}

// Routes mounts the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Identify(h.svc, h.users))

		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Post("/users", h.RegisterUser)
		r.Get("/users/{username}", h.LookupUser)
		r.Get("/sellers", h.ListSellers)
		r.Get("/sellers/{sellerID}/price", h.LatestPrice)

		r.With(RequireRole("")).Get("/balance-history", h.BalanceHistory)

		r.Route("/seller", func(r chi.Router) {
			r.Use(RequireRole(model.RoleSeller))
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.ConfigureSeller)
			r.Post("/prices", h.UploadPrice)
			r.Get("/prices", h.ListPrices)
			r.Get("/filled-sessions", h.FilledSessions)
			r.Get("/earnings", h.SellerEarnings)
			r.Get("/balance", h.Balance)
			r.Get("/trades", h.SellerTrades)
		})

		r.Route("/buyer", func(r chi.Router) {
			r.Use(RequireRole(model.RoleBuyer))
			r.With(rateLimit(h.depositLimit, "recharge")).Post("/recharge", h.Recharge)
			r.With(rateLimit(h.tradeLimit, "trade")).Post("/trade", h.Trade)
			r.Get("/balance", h.Balance)
			r.Get("/pnl", h.PnL)
			r.Get("/pnl/daily", h.DailyPnL)
			r.Get("/holdings", h.Holdings)
			r.Get("/account-value", h.AccountValue)
			r.Get("/account-value-history", h.AccountValueHistory)
			r.Get("/trades", h.BuyerTrades)
		})
	})
}

func caller(r *http.Request) *model.User {
	u, _ := UserFrom(r.Context())
	return u
}

// --- Users ---

type registerRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	u, err := h.svc.RegisterUser(r.Context(), req.Username, req.Role)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) LookupUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.UserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Seller ---

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetSettings(r.Context(), caller(r).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured":   c != nil,
		"coefficients": c,
	})
}

func (h *Handler) ConfigureSeller(w http.ResponseWriter, r *http.Request) {
	var c model.Coefficients
	if err := decode(r, &c); err != nil {
		writeErr(w, err)
		return
	}
	u, err := h.svc.ConfigureSeller(r.Context(), caller(r).ID, c)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.users.Del(u.ID)
	writeJSON(w, http.StatusOK, u)
}

type uploadRequest struct {
	Date    string  `json:"date"`
	Session string  `json:"session"`
	Weight  float64 `json:"weight"`
}

func (h *Handler) UploadPrice(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Date == "" {
		req.Date = model.NewDate(h.now()).String()
	}
	p, err := h.svc.UploadPrice(r.Context(), caller(r).ID, req.Date, req.Session, req.Weight)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) ListPrices(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, err)
		return
	}
	prices, err := h.svc.ListPrices(r.Context(), caller(r).ID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

func (h *Handler) FilledSessions(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = model.NewDate(h.now()).String()
	}
	fs, err := h.svc.FilledSessions(r.Context(), caller(r).ID, date)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (h *Handler) SellerEarnings(w http.ResponseWriter, r *http.Request) {
	period, err := h.parsePeriod(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	e, err := h.svc.SellerEarnings(r.Context(), caller(r).ID, period)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) SellerTrades(w http.ResponseWriter, r *http.Request) {
	h.listTrades(w, r, exchange.TradeQuery{SellerID: caller(r).ID, BuyerID: r.URL.Query().Get("buyerId")})
}

// --- Buyer ---

type rechargeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	var req rechargeRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	rc, bal, err := h.svc.Recharge(r.Context(), caller(r).ID, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recharge": rc,
		"balance":  bal,
	})
}

type tradeRequest struct {
	SellerID      string           `json:"seller_id"`
	Side          string           `json:"side"`
	Quantity      int64            `json:"quantity"`
	ExpectedPrice *decimal.Decimal `json:"expected_price,omitempty"`
}

func (h *Handler) Trade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := h.svc.Trade(r.Context(), exchange.TradeRequest{
		BuyerID:       caller(r).ID,
		SellerID:      req.SellerID,
		Side:          req.Side,
		Quantity:      req.Quantity,
		ExpectedPrice: req.ExpectedPrice,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) PnL(w http.ResponseWriter, r *http.Request) {
	period, err := h.parsePeriod(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	rep, err := h.svc.PnL(r.Context(), caller(r).ID, r.URL.Query().Get("sellerId"), period)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) DailyPnL(w http.ResponseWriter, r *http.Request) {
	day := h.now().UTC()
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := model.ParseDate(s)
		if err != nil {
			writeErr(w, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err))
			return
		}
		day = d.Time
	}
	rep, err := h.svc.DailyPnL(r.Context(), caller(r).ID, day)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) Holdings(w http.ResponseWriter, r *http.Request) {
	hs, err := h.svc.Holdings(r.Context(), caller(r).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

func (h *Handler) AccountValue(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.AccountValue(r.Context(), caller(r).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) AccountValueHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.AccountValueHistory(r.Context(), caller(r).ID, r.URL.Query().Get("period"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) BuyerTrades(w http.ResponseWriter, r *http.Request) {
	h.listTrades(w, r, exchange.TradeQuery{BuyerID: caller(r).ID, SellerID: r.URL.Query().Get("sellerId")})
}

// --- Shared ---

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	u := caller(r)
	bal, err := h.svc.Balance(r.Context(), u.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": u.ID,
		"balance": bal.StringFixed(2),
	})
}

func (h *Handler) BalanceHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.BalanceHistory(r.Context(), caller(r).ID, r.URL.Query().Get("period"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) ListSellers(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.svc.ListSellers(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (h *Handler) LatestPrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.LatestPrice(r.Context(), chi.URLParam(r, "sellerID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) listTrades(w http.ResponseWriter, r *http.Request, q exchange.TradeQuery) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, err)
		return
	}
	q.Limit = limit
	trades, err := h.svc.Trades(r.Context(), q)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// parsePeriod reads ?period=today|all or ?start=&end=. Dates
// (YYYY-MM-DD) cover whole UTC days; RFC 3339 timestamps are exact.
func (h *Handler) parsePeriod(r *http.Request) (pnl.Period, error) {
	q := r.URL.Query()
	switch strings.ToLower(q.Get("period")) {
	case "today":
		return pnl.Day(h.now()), nil
	case "", "all":
	default:
		return pnl.Period{}, fmt.Errorf("%w: period must be today or all", apperr.ErrInvalidInput)
	}

	var p pnl.Period
	if s := q.Get("start"); s != "" {
		t, err := parseBound(s, false)
		if err != nil {
			return pnl.Period{}, err
		}
		p.Start = t
	}
	if s := q.Get("end"); s != "" {
		t, err := parseBound(s, true)
		if err != nil {
			return pnl.Period{}, err
		}
		p.End = t
	}
	return p, nil
}

func parseBound(s string, end bool) (time.Time, error) {
	if d, err := model.ParseDate(s); err == nil {
		if end {
			return pnl.Day(d.Time).End, nil
		}
		return d.Time, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is neither a date nor an RFC 3339 time", apperr.ErrInvalidInput, s)
	}
	return t.UTC(), nil
}
