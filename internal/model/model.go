// Package model defines the core domain types shared across the exchange engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role is the immutable kind of a user account.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleSeller || r == RoleBuyer }

// ParseRole normalizes a role string.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Session is one of the two daily price slots.
type Session string

const (
	SessionAM Session = "AM"
	SessionPM Session = "PM"
)

func (s Session) Valid() bool { return s == SessionAM || s == SessionPM }

// ParseSession accepts "am"/"AM"/"pm"/"PM".
func ParseSession(s string) (Session, bool) {
	v := Session(strings.ToUpper(strings.TrimSpace(s)))
	return v, v.Valid()
}

// Side is the direction of a trade from the buyer's perspective.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

func ParseSide(s string) (Side, bool) {
	v := Side(strings.ToLower(strings.TrimSpace(s)))
	return v, v.Valid()
}

// DateLayout is the wire and storage format of price dates.
const DateLayout = "2006-01-02"

// Date is a calendar day in UTC.
type Date struct {
	time.Time
}

// NewDate truncates t to its UTC calendar day.
func NewDate(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", s)
	}
	return Date{t}, nil
}

func (d Date) String() string { return d.Format(DateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	parsed, err := ParseDate(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Coefficients are a seller's linear pricing parameters.
// Price = P0 + (weight - W0) * k, with k = KUp above the baseline and
// KDown below it.
type Coefficients struct {
	BaselineWeight decimal.Decimal `json:"baseline_weight"` // W0
	BasePrice      decimal.Decimal `json:"base_price"`      // P0
	KUp            decimal.Decimal `json:"k_up"`
	KDown          decimal.Decimal `json:"k_down"`
}

// User is an account. Role never changes after creation; sellers carry
// Coefficients once configured.
type User struct {
	ID           string        `json:"id" db:"id"`
	Username     string        `json:"username" db:"username"`
	Role         Role          `json:"role" db:"role"`
	Coefficients *Coefficients `json:"coefficients,omitempty"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// PriceRecord is a published price for one (seller, date, session) slot.
// Once created it is never modified.
type PriceRecord struct {
	ID        string          `json:"id" db:"id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	Date      Date            `json:"date" db:"date"`
	Session   Session         `json:"session" db:"session"`
	Price     decimal.Decimal `json:"price" db:"price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Newer reports whether p was published for a later slot than q.
// PM is later than AM on the same date.
func (p PriceRecord) Newer(q PriceRecord) bool {
	if !p.Date.Equal(q.Date.Time) {
		return p.Date.After(q.Date.Time)
	}
	return p.Session == SessionPM && q.Session == SessionAM
}

// Trade is an immutable record of one executed order.
// Schema: {buyer, seller, side, quantity, price, timestamp}
type Trade struct {
	ID          string          `json:"id" db:"id"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	Side        Side            `json:"side" db:"side"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`             // price * quantity
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // non-zero only on sells
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is a buyer's holding against one seller, using average cost.
// It is a cache of replaying the trade log for the pair.
type Position struct {
	BuyerID   string          `json:"buyer_id" db:"buyer_id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	Shares    int64           `json:"shares" db:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis" db:"cost_basis"` // average price per held share
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Recharge is a cash deposit.
type Recharge struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Reasons recorded on balance history entries.
const (
	ReasonRecharge = "recharge"
	ReasonTrade    = "trade"
)

// BalanceEntry is a balance snapshot taken after each mutation.
type BalanceEntry struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Reason    string          `json:"reason" db:"reason"`
	RelatedID string          `json:"related_id,omitempty" db:"related_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// AccountSnapshot is a user's cash, marked equity and their sum, taken
// after each recharge and each trade the user buys or sells in.
type AccountSnapshot struct {
	UserID       string          `json:"user_id" db:"user_id"`
	CashBalance  decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	EquityValue  decimal.Decimal `json:"equity_value" db:"equity_value"`
	AccountValue decimal.Decimal `json:"account_value" db:"account_value"`
	Reason       string          `json:"reason" db:"reason"`
	RelatedID    string          `json:"related_id,omitempty" db:"related_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// TradeFilter selects trades from the log. Zero values mean "any".
type TradeFilter struct {
	BuyerID  string
	SellerID string
	From     time.Time // inclusive
	To       time.Time // inclusive
	Limit    int       // 0 = no limit
	Newest   bool      // newest first instead of chronological
}

// Match reports whether t passes the filter (ignoring Limit/ordering).
func (f TradeFilter) Match(t Trade) bool {
	if f.BuyerID != "" && t.BuyerID != f.BuyerID {
		return false
	}
	if f.SellerID != "" && t.SellerID != f.SellerID {
		return false
	}
	if !f.From.IsZero() && t.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.Timestamp.After(f.To) {
		return false
	}
	return true
}
