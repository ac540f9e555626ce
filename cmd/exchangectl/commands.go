package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/subcommands"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/weightx/exchange-engine/internal/config"
	"github.com/weightx/exchange-engine/internal/exchange"
	"github.com/weightx/exchange-engine/internal/keylock"
	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/pnl"
	"github.com/weightx/exchange-engine/internal/store"
)

var commands = []subcommands.Command{
	&migrateCmd{},
	&seedCmd{},
	&rechargeCmd{},
	&balanceCmd{},
	&pnlCmd{},
	&verifyCmd{},
}

// connect opens the configured database. Commands that work on a live
// exchange need DATABASE_URL.
func connect(ctx context.Context) (config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.DatabaseURL == "" {
		return cfg, nil, errors.New("DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return cfg, nil, fmt.Errorf("connect: %w", err)
	}
	return cfg, pool, nil
}

func openService(ctx context.Context) (*exchange.Service, func(), error) {
	cfg, pool, err := connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	st := store.NewPostgresStore(pool, cfg.LockTimeout)
	return exchange.NewService(st, keylock.New(cfg.LockTimeout), nil), pool.Close, nil
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}

func printJSON(v any) subcommands.ExitStatus {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

// --- migrate ---

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "create or update the database schema" }
func (*migrateCmd) Usage() string {
	return `exchangectl migrate

  Applies the embedded schema to DATABASE_URL. Safe to run repeatedly.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	_, pool, err := connect(ctx)
	if err != nil {
		return fail(err)
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		return fail(err)
	}
	fmt.Println("schema up to date")
	return subcommands.ExitSuccess
}

// --- seed ---

type seedCmd struct {
	file string
}

func (*seedCmd) Name() string     { return "seed" }
func (*seedCmd) Synopsis() string { return "create sellers, prices and funded buyers from a YAML file" }
func (*seedCmd) Usage() string {
	return `exchangectl seed -f <file.yaml>

  Registers every seller and buyer in the file, configures the sellers,
  uploads their prices and deposits the buyers' cash. Prints the new IDs.
`
}

func (c *seedCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.file, "f", "seed.yaml", "Seed file to load.")
}

func (c *seedCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	seed, err := LoadSeed(c.file)
	if err != nil {
		return fail(err)
	}
	svc, closeFn, err := openService(ctx)
	if err != nil {
		return fail(err)
	}
	defer closeFn()

	ids, err := seed.Apply(ctx, svc)
	if err != nil {
		return fail(err)
	}
	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-20s %s\n", name, ids[name])
	}
	return subcommands.ExitSuccess
}

// --- recharge ---

type rechargeCmd struct {
	user     string
	amount   string
	currency string
}

func (*rechargeCmd) Name() string     { return "recharge" }
func (*rechargeCmd) Synopsis() string { return "deposit cash into a user's balance" }
func (*rechargeCmd) Usage() string {
	return `exchangectl recharge -user <id> -amount <amount>
`
}

func (c *rechargeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "User ID to credit.")
	f.StringVar(&c.amount, "amount", "", "Amount to deposit, at most two decimals.")
	f.StringVar(&c.currency, "currency", "USD", "Display currency.")
}

func (c *rechargeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amount, err := decimal.NewFromString(c.amount)
	if err != nil {
		return fail(fmt.Errorf("invalid -amount: %w", err))
	}
	svc, closeFn, err := openService(ctx)
	if err != nil {
		return fail(err)
	}
	defer closeFn()

	_, bal, err := svc.Recharge(ctx, c.user, amount)
	if err != nil {
		return fail(err)
	}
	s, err := formatMoney(bal, c.currency)
	if err != nil {
		return fail(err)
	}
	fmt.Println("new balance:", s)
	return subcommands.ExitSuccess
}

// --- balance ---

type balanceCmd struct {
	user     string
	currency string
}

func (*balanceCmd) Name() string     { return "balance" }
func (*balanceCmd) Synopsis() string { return "show a user's cash balance" }
func (*balanceCmd) Usage() string {
	return `exchangectl balance -user <id>
`
}

func (c *balanceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "User ID.")
	f.StringVar(&c.currency, "currency", "USD", "Display currency.")
}

func (c *balanceCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	svc, closeFn, err := openService(ctx)
	if err != nil {
		return fail(err)
	}
	defer closeFn()

	bal, err := svc.Balance(ctx, c.user)
	if err != nil {
		return fail(err)
	}
	s, err := formatMoney(bal, c.currency)
	if err != nil {
		return fail(err)
	}
	fmt.Println(s)
	return subcommands.ExitSuccess
}

// --- pnl ---

type pnlCmd struct {
	buyer  string
	seller string
	start  string
	end    string
	day    string
}

func (*pnlCmd) Name() string     { return "pnl" }
func (*pnlCmd) Synopsis() string { return "report a buyer's profit and loss" }
func (*pnlCmd) Usage() string {
	return `exchangectl pnl -buyer <id> [-seller <id>] [-start <date>] [-end <date>] [-day <date>]

  Prints the P&L report as JSON. Dates are YYYY-MM-DD in UTC; -day reports
  a single day and overrides -start/-end.
`
}

func (c *pnlCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.buyer, "buyer", "", "Buyer ID.")
	f.StringVar(&c.seller, "seller", "", "Restrict to one seller.")
	f.StringVar(&c.start, "start", "", "First day of the period.")
	f.StringVar(&c.end, "end", "", "Last day of the period.")
	f.StringVar(&c.day, "day", "", "Report a single day.")
}

func (c *pnlCmd) period() (pnl.Period, error) {
	if c.day != "" {
		d, err := model.ParseDate(c.day)
		if err != nil {
			return pnl.Period{}, err
		}
		return pnl.Day(d.Time), nil
	}
	var p pnl.Period
	if c.start != "" {
		d, err := model.ParseDate(c.start)
		if err != nil {
			return p, err
		}
		p.Start = d.Time
	}
	if c.end != "" {
		d, err := model.ParseDate(c.end)
		if err != nil {
			return p, err
		}
		p.End = d.Add(24*time.Hour - time.Nanosecond)
	}
	return p, nil
}

func (c *pnlCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	period, err := c.period()
	if err != nil {
		return fail(err)
	}
	svc, closeFn, err := openService(ctx)
	if err != nil {
		return fail(err)
	}
	defer closeFn()

	rep, err := svc.PnL(ctx, c.buyer, c.seller, period)
	if err != nil {
		return fail(err)
	}
	return printJSON(rep)
}

// --- verify ---

type verifyCmd struct {
	buyer  string
	seller string
}

func (*verifyCmd) Name() string     { return "verify" }
func (*verifyCmd) Synopsis() string { return "check a stored position against the trade log" }
func (*verifyCmd) Usage() string {
	return `exchangectl verify -buyer <id> -seller <id>

  Replays the pair's trades and exits non-zero if the stored position differs.
`
}

func (c *verifyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.buyer, "buyer", "", "Buyer ID.")
	f.StringVar(&c.seller, "seller", "", "Seller ID.")
}

func (c *verifyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	svc, closeFn, err := openService(ctx)
	if err != nil {
		return fail(err)
	}
	defer closeFn()

	st, err := svc.VerifyPosition(ctx, c.buyer, c.seller)
	if err != nil {
		return fail(err)
	}
	fmt.Println("ok:", st)
	return subcommands.ExitSuccess
}
