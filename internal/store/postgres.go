package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. Row locks taken
// inside InTx wait at most lockTimeout before failing with apperr.ErrBusy.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

const userColumns = `id, username, role,
	baseline_weight::TEXT, base_price::TEXT, k_up::TEXT, k_down::TEXT, created_at`

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, username, role, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Username, string(u.Role), u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %q is taken", apperr.ErrInvalidInput, u.Username)
		}
		return fmt.Errorf("create user: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (user_id, balance, updated_at) VALUES ($1, 0, $2)`,
		u.ID, u.CreatedAt); err != nil {
		return fmt.Errorf("create balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, mapErr(err))
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("username %q: %w", username, mapErr(err))
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, role model.Role) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE $1 = '' OR role = $1
		 ORDER BY created_at, id`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SetCoefficients(ctx context.Context, sellerID string, c model.Coefficients) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users
		 SET baseline_weight = $2::NUMERIC, base_price = $3::NUMERIC,
		     k_up = $4::NUMERIC, k_down = $5::NUMERIC
		 WHERE id = $1 AND base_price IS NULL`,
		sellerID, c.BaselineWeight.String(), c.BasePrice.String(), c.KUp.String(), c.KDown.String())
	if err != nil {
		return fmt.Errorf("set coefficients: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetUser(ctx, sellerID); err != nil {
			return err
		}
		return fmt.Errorf("%w: pricing coefficients are already set", apperr.ErrInvalidInput)
	}
	return nil
}

func (s *PostgresStore) InsertPrice(ctx context.Context, p *model.PriceRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prices (id, seller_id, date, session, price, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		p.ID, p.SellerID, p.Date.Time, string(p.Session), p.Price.String(), p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", p.Date, p.Session, apperr.ErrSessionAlreadyFilled)
		}
		return fmt.Errorf("insert price: %w", mapErr(err))
	}
	return nil
}

const priceColumns = `id, seller_id, date, session, price::TEXT, created_at`

// PM sorts after AM, so session DESC breaks date ties correctly.
const priceNewestFirst = `ORDER BY date DESC, session DESC`

func (s *PostgresStore) GetLatestPrice(ctx context.Context, sellerID string) (*model.PriceRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM prices WHERE seller_id = $1 `+priceNewestFirst+` LIMIT 1`, sellerID)
	p, err := scanPrice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("seller %s: %w", sellerID, apperr.ErrNoPriceAvailable)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPrices(ctx context.Context, sellerID string, limit int) ([]model.PriceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+priceColumns+` FROM prices WHERE seller_id = $1 `+priceNewestFirst+` LIMIT $2`,
		sellerID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPrices(rows)
}

func (s *PostgresStore) PricesOn(ctx context.Context, sellerID string, date model.Date) ([]model.PriceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+priceColumns+` FROM prices WHERE seller_id = $1 AND date = $2 ORDER BY session`,
		sellerID, date.Time)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPrices(rows)
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(b.balance, 0)::TEXT
		 FROM users u LEFT JOIN balances b ON b.user_id = u.id
		 WHERE u.id = $1`, userID).Scan(&balS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", userID, mapErr(err))
	}
	return decimal.NewFromString(balS)
}

const positionColumns = `buyer_id, seller_id, shares, cost_basis::TEXT, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, buyerID, sellerID string) (model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE buyer_id = $1 AND seller_id = $2`, buyerID, sellerID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{BuyerID: buyerID, SellerID: sellerID}, nil
	}
	return p, err
}

func (s *PostgresStore) ListPositions(ctx context.Context, buyerID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE buyer_id = $1 ORDER BY seller_id`, buyerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, f model.TradeFilter) ([]model.Trade, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.BuyerID != "" {
		add("buyer_id = $%d", f.BuyerID)
	}
	if f.SellerID != "" {
		add("seller_id = $%d", f.SellerID)
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}

	q := `SELECT id, buyer_id, seller_id, side, quantity, price::TEXT, amount::TEXT, realized_pnl::TEXT, timestamp
	      FROM trades`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Newest {
		q += " ORDER BY seq DESC"
	} else {
		q += " ORDER BY seq"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) BalanceHistory(ctx context.Context, userID string, since time.Time) ([]model.BalanceEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, balance::TEXT, reason, related_id, timestamp
		 FROM balance_history
		 WHERE user_id = $1 AND timestamp >= $2
		 ORDER BY timestamp, id`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]model.BalanceEntry, 0)
	for rows.Next() {
		var e model.BalanceEntry
		var balS string
		if err := rows.Scan(&e.UserID, &balS, &e.Reason, &e.RelatedID, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := parseNumeric(numeric{&e.Balance, balS}); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) AccountValueHistory(ctx context.Context, userID string, since time.Time) ([]model.AccountSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, cash_balance::TEXT, equity_value::TEXT, account_value::TEXT, reason, related_id, timestamp
		 FROM account_value_history
		 WHERE user_id = $1 AND timestamp >= $2
		 ORDER BY timestamp, id`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snaps := make([]model.AccountSnapshot, 0)
	for rows.Next() {
		var a model.AccountSnapshot
		var cashS, equityS, totalS string
		if err := rows.Scan(&a.UserID, &cashS, &equityS, &totalS, &a.Reason, &a.RelatedID, &a.Timestamp); err != nil {
			return nil, err
		}
		err := parseNumeric(
			numeric{&a.CashBalance, cashS},
			numeric{&a.EquityValue, equityS},
			numeric{&a.AccountValue, totalS},
		)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, a)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			return err
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	committed = true
	return nil
}

// pgTx implements Tx over a live pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balS string
	err := t.tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM balances WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock balance %s: %w", userID, mapErr(err))
	}
	return decimal.NewFromString(balS)
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE balances SET balance = $2::NUMERIC, updated_at = now() WHERE user_id = $1`,
		userID, balance.String())
	if err != nil {
		return fmt.Errorf("set balance %s: %w", userID, mapErr(err))
	}
	return nil
}

// LockPosition creates the row on first touch so FOR UPDATE has something
// to lock; a rolled-back transaction removes it again.
func (t *pgTx) LockPosition(ctx context.Context, buyerID, sellerID string) (model.Position, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (buyer_id, seller_id) VALUES ($1, $2)
		 ON CONFLICT (buyer_id, seller_id) DO NOTHING`, buyerID, sellerID)
	if err != nil {
		return model.Position{}, fmt.Errorf("lock position: %w", mapErr(err))
	}
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE buyer_id = $1 AND seller_id = $2 FOR UPDATE`, buyerID, sellerID)
	p, err := scanPosition(row)
	if err != nil {
		return model.Position{}, fmt.Errorf("lock position: %w", mapErr(err))
	}
	return p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p model.Position) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE positions SET shares = $3, cost_basis = $4::NUMERIC, updated_at = $5
		 WHERE buyer_id = $1 AND seller_id = $2`,
		p.BuyerID, p.SellerID, p.Shares, p.CostBasis.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save position: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, buyer_id, seller_id, side, quantity, price, amount, realized_pnl, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		tr.ID, tr.BuyerID, tr.SellerID, string(tr.Side), tr.Quantity,
		tr.Price.String(), tr.Amount.String(), tr.RealizedPnL.String(), tr.Timestamp)
	if err != nil {
		return fmt.Errorf("insert trade: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) InsertRecharge(ctx context.Context, r *model.Recharge) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO recharges (id, user_id, amount, timestamp) VALUES ($1, $2, $3::NUMERIC, $4)`,
		r.ID, r.UserID, r.Amount.String(), r.Timestamp)
	if err != nil {
		return fmt.Errorf("insert recharge: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) InsertBalanceEntry(ctx context.Context, e *model.BalanceEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balance_history (user_id, balance, reason, related_id, timestamp)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5)`,
		e.UserID, e.Balance.String(), e.Reason, e.RelatedID, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert balance entry: %w", mapErr(err))
	}
	return nil
}

func (t *pgTx) ListPositions(ctx context.Context, buyerID string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE buyer_id = $1 ORDER BY seller_id`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", mapErr(err))
	}
	defer rows.Close()

	positions := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (t *pgTx) LatestPrices(ctx context.Context, sellerIDs []string) (map[string]decimal.Decimal, error) {
	latest := make(map[string]decimal.Decimal, len(sellerIDs))
	if len(sellerIDs) == 0 {
		return latest, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT DISTINCT ON (seller_id) seller_id, price::TEXT
		 FROM prices WHERE seller_id = ANY($1)
		 ORDER BY seller_id, date DESC, session DESC`, sellerIDs)
	if err != nil {
		return nil, fmt.Errorf("latest prices: %w", mapErr(err))
	}
	defer rows.Close()

	for rows.Next() {
		var id, priceS string
		var price decimal.Decimal
		if err := rows.Scan(&id, &priceS); err != nil {
			return nil, err
		}
		if err := parseNumeric(numeric{&price, priceS}); err != nil {
			return nil, err
		}
		latest[id] = price
	}
	return latest, rows.Err()
}

func (t *pgTx) InsertAccountSnapshot(ctx context.Context, a *model.AccountSnapshot) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO account_value_history (user_id, cash_balance, equity_value, account_value, reason, related_id, timestamp)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6, $7)`,
		a.UserID, a.CashBalance.String(), a.EquityValue.String(), a.AccountValue.String(),
		a.Reason, a.RelatedID, a.Timestamp)
	if err != nil {
		return fmt.Errorf("insert account snapshot: %w", mapErr(err))
	}
	return nil
}

// --- Scanning ---

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	pgxRow
	Next() bool
	Err() error
}

// numeric pairs a NUMERIC column read as text with its destination.
type numeric struct {
	dst *decimal.Decimal
	src string
}

func parseNumeric(cols ...numeric) error {
	for _, c := range cols {
		v, err := decimal.NewFromString(c.src)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", c.src, err)
		}
		*c.dst = v
	}
	return nil
}

func scanUser(row pgxRow) (*model.User, error) {
	var u model.User
	var role string
	var w0, p0, kUp, kDown *string
	if err := row.Scan(&u.ID, &u.Username, &role, &w0, &p0, &kUp, &kDown, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	if p0 != nil && w0 != nil && kUp != nil && kDown != nil {
		c := model.Coefficients{}
		err := parseNumeric(
			numeric{&c.BaselineWeight, *w0},
			numeric{&c.BasePrice, *p0},
			numeric{&c.KUp, *kUp},
			numeric{&c.KDown, *kDown},
		)
		if err != nil {
			return nil, fmt.Errorf("user %s coefficients: %w", u.ID, err)
		}
		u.Coefficients = &c
	}
	return &u, nil
}

func scanPrice(row pgxRow) (*model.PriceRecord, error) {
	var p model.PriceRecord
	var date time.Time
	var session, priceS string
	if err := row.Scan(&p.ID, &p.SellerID, &date, &session, &priceS, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Date = model.NewDate(date)
	p.Session = model.Session(session)
	if err := parseNumeric(numeric{&p.Price, priceS}); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPrices(rows pgxRows) ([]model.PriceRecord, error) {
	prices := make([]model.PriceRecord, 0)
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		prices = append(prices, *p)
	}
	return prices, rows.Err()
}

func scanPosition(row pgxRow) (model.Position, error) {
	var p model.Position
	var basisS string
	if err := row.Scan(&p.BuyerID, &p.SellerID, &p.Shares, &basisS, &p.UpdatedAt); err != nil {
		return model.Position{}, err
	}
	if err := parseNumeric(numeric{&p.CostBasis, basisS}); err != nil {
		return model.Position{}, err
	}
	return p, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	trades := make([]model.Trade, 0)
	for rows.Next() {
		var t model.Trade
		var side, priceS, amountS, realizedS string
		if err := rows.Scan(&t.ID, &t.BuyerID, &t.SellerID, &side, &t.Quantity,
			&priceS, &amountS, &realizedS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		err := parseNumeric(
			numeric{&t.Price, priceS},
			numeric{&t.Amount, amountS},
			numeric{&t.RealizedPnL, realizedS},
		)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Error mapping ---

const (
	pgUniqueViolation   = "23505"
	pgLockNotAvailable  = "55P03"
	pgDeadlockDetected  = "40P01"
	pgSerializationFail = "40001"
)

// mapErr translates driver errors into the apperr taxonomy.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFail:
			return fmt.Errorf("%s: %w", pgErr.Message, apperr.ErrBusy)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
