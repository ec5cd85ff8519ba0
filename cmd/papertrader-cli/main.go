package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/broker"
	"papertrader/internal/config"
	"papertrader/internal/domain"
	"papertrader/internal/store"
	"papertrader/internal/strategy"
	"papertrader/internal/strategy/builtins"
	"papertrader/pkg/papertrader"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: papertrader-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  summary    Show cash, equity and P&L\n")
	fmt.Fprintf(os.Stderr, "  positions  List open positions\n")
	fmt.Fprintf(os.Stderr, "  history    List executed orders\n")
	fmt.Fprintf(os.Stderr, "  equity     List daily equity snapshots\n")
	fmt.Fprintf(os.Stderr, "  trade      Execute a manual trade\n")
	fmt.Fprintf(os.Stderr, "  recalc     Rebuild the cash balance from the order log\n")
	fmt.Fprintf(os.Stderr, "  snapshot   Record today's equity snapshot\n")
	fmt.Fprintf(os.Stderr, "  status     Show auto trader status\n")
	fmt.Fprintf(os.Stderr, "  start      Start the auto trader\n")
	fmt.Fprintf(os.Stderr, "  stop       Stop the auto trader\n")
	fmt.Fprintf(os.Stderr, "  regime     Show the market regime and risk parameters\n")
	fmt.Fprintf(os.Stderr, "  export     Archive the order log and equity history to Parquet\n")
	fmt.Fprintf(os.Stderr, "  backtest   Replay cached bars through a strategy\n")
	fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "\nThe daemon address comes from PAPERTRADER_URL (default http://localhost:8080).\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	_ = config.LoadDotEnv()

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "version":
		fmt.Printf("papertrader-cli %s\n", version)
	case "summary":
		err = summary(ctx, client())
	case "positions":
		err = positions(ctx, client())
	case "history":
		err = history(ctx, client(), args)
	case "equity":
		err = equity(ctx, client(), args)
	case "trade":
		err = trade(ctx, client(), args)
	case "recalc":
		err = printJSON(client().Recalculate(ctx))
	case "snapshot":
		err = printJSON(client().Snapshot(ctx))
	case "status":
		err = printJSON(client().TraderStatus(ctx))
	case "start":
		err = printJSON(client().StartTrader(ctx))
	case "stop":
		err = printJSON(client().StopTrader(ctx))
	case "regime":
		err = printJSON(client().GetRegime(ctx, 20))
	case "export":
		err = export(ctx, args)
	case "backtest":
		err = backtest(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func client() *papertrader.Client {
	url := "http://localhost:8080"
	if v := os.Getenv("PAPERTRADER_URL"); v != "" {
		url = v
	}
	return papertrader.NewClient(url)
}

func loadConfig() (*config.Config, error) {
	cfgPath := "config/papertrader.yaml"
	if p := os.Getenv("PAPERTRADER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func printJSON(v any, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ---------------------------------------------------------------------------
// Ledger views
// ---------------------------------------------------------------------------

func summary(ctx context.Context, c *papertrader.Client) error {
	s, err := c.GetSummary(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Cash\t%s\n", s.Cash.StringFixed(2))
	fmt.Fprintf(tw, "Invested\t%s\n", s.InvestedAmount.StringFixed(2))
	fmt.Fprintf(tw, "Total equity\t%s\n", s.TotalEquity.StringFixed(2))
	fmt.Fprintf(tw, "Unrealized P&L\t%s\n", s.UnrealizedPnL.StringFixed(2))
	fmt.Fprintf(tw, "Daily P&L\t%s\n", s.DailyPnL.StringFixed(2))
	return tw.Flush()
}

func positions(ctx context.Context, c *papertrader.Client) error {
	ps, err := c.GetPositions(ctx)
	if err != nil {
		return err
	}
	if len(ps) == 0 {
		fmt.Println("no open positions")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tQTY\tAVG\tMARK\tVALUE\tP&L\tP&L%")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%.2f\n",
			p.Ticker, p.Quantity, p.AvgPrice.StringFixed(2), p.MarkPrice.StringFixed(2),
			p.MarketValue.StringFixed(2), p.UnrealizedPnL.StringFixed(2), p.UnrealizedPnLPct)
	}
	return tw.Flush()
}

func history(ctx context.Context, c *papertrader.Client, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 50, "maximum number of orders")
	since := fs.String("since", "", "only orders on or after this date (YYYY-MM-DD)")
	fs.Parse(args)

	var from time.Time
	if *since != "" {
		t, err := time.Parse(domain.DateLayout, *since)
		if err != nil {
			return fmt.Errorf("invalid -since: %w", err)
		}
		from = t
	}
	orders, err := c.GetTradeHistory(ctx, *limit, from)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tACTION\tTICKER\tQTY\tPRICE\tSTRATEGY\tREASON")
	for _, o := range orders {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			o.Seq, o.Timestamp.Local().Format("2006-01-02 15:04:05"), o.Action, o.Ticker,
			o.Quantity, o.Price.StringFixed(2), o.StrategyName, o.Reason)
	}
	return tw.Flush()
}

func equity(ctx context.Context, c *papertrader.Client, args []string) error {
	fs := flag.NewFlagSet("equity", flag.ExitOnError)
	days := fs.Int("days", 30, "number of days")
	fs.Parse(args)

	snaps, err := c.GetEquityHistory(ctx, *days)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tEQUITY\tCASH\tINVESTED")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Date, s.TotalEquity.StringFixed(2), s.Cash.StringFixed(2), s.Invested.StringFixed(2))
	}
	return tw.Flush()
}

func trade(ctx context.Context, c *papertrader.Client, args []string) error {
	fs := flag.NewFlagSet("trade", flag.ExitOnError)
	price := fs.String("price", "", "limit price (default: latest market price)")
	reason := fs.String("reason", "manual", "reason recorded with the order")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: papertrader-cli trade [-price P] [-reason R] BUY|SELL TICKER QTY\n")
	}
	fs.Parse(args)
	if fs.NArg() != 3 {
		fs.Usage()
		return errors.New("expected action, ticker and quantity")
	}

	var qty int64
	if _, err := fmt.Sscanf(fs.Arg(2), "%d", &qty); err != nil {
		return fmt.Errorf("invalid quantity %q", fs.Arg(2))
	}
	req := broker.TradeRequest{
		Action:   domain.Action(strings.ToUpper(fs.Arg(0))),
		Ticker:   fs.Arg(1),
		Quantity: qty,
		Reason:   *reason,
	}
	if *price != "" {
		p, err := decimal.NewFromString(*price)
		if err != nil {
			return fmt.Errorf("invalid -price: %w", err)
		}
		req.Price = p
	}

	resp, err := c.ExecuteTrade(ctx, req)
	if err != nil {
		return err
	}
	o := resp.Order
	fmt.Printf("%s %d %s @ %s (order %s)\n", o.Action, o.Quantity, o.Ticker, o.Price.StringFixed(2), o.ID)
	return nil
}

// ---------------------------------------------------------------------------
// Offline commands
// ---------------------------------------------------------------------------

// export reads the ledger database directly, so it also works while the
// daemon is down.
func export(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", filepath.Join(cfg.Storage.DataDir, "archive"), "output directory")
	fs.Parse(args)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	orders, err := db.ListOrders(ctx, store.OrderFilter{Ascending: true})
	if err != nil {
		return err
	}
	snaps, err := db.ListEquitySnapshots(ctx, "")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}
	ps := store.NewParquetStore(cfg.Storage.DataDir)
	stamp := time.Now().Format("20060102")
	ordersPath := filepath.Join(*out, "orders-"+stamp+".parquet")
	equityPath := filepath.Join(*out, "equity-"+stamp+".parquet")
	if err := ps.ExportOrders(ctx, ordersPath, orders); err != nil {
		return err
	}
	if err := ps.ExportEquity(ctx, equityPath, snaps); err != nil {
		return err
	}
	fmt.Printf("wrote %d orders to %s\n", len(orders), ordersPath)
	fmt.Printf("wrote %d snapshots to %s\n", len(snaps), equityPath)
	return nil
}

func backtest(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	name := fs.String("strategy", cfg.Trader.Strategy, "strategy name")
	symbols := fs.String("symbols", strings.Join(cfg.Trader.Universe, ","), "comma-separated symbols")
	from := fs.String("from", time.Now().AddDate(-1, 0, 0).Format(domain.DateLayout), "start date")
	to := fs.String("to", time.Now().Format(domain.DateLayout), "end date")
	fs.Parse(args)

	start, err := time.Parse(domain.DateLayout, *from)
	if err != nil {
		return fmt.Errorf("invalid -from: %w", err)
	}
	end, err := time.Parse(domain.DateLayout, *to)
	if err != nil {
		return fmt.Errorf("invalid -to: %w", err)
	}
	if *symbols == "" {
		return errors.New("no symbols: set -symbols or trader.universe")
	}

	registry := strategy.NewRegistry()
	builtins.Register(registry)
	bt := strategy.NewBacktester(store.NewParquetStore(cfg.Storage.DataDir), registry)

	res, err := bt.Run(ctx, *name, strings.Split(*symbols, ","), start, end, strategy.BacktestParams{
		InitialCapital:    cfg.Ledger.InitialCapital,
		LotSize:           cfg.Trader.LotSize,
		MaxBudgetPerTrade: cfg.Trader.MaxBudgetPerTrade,
		StopLossPct:       cfg.Trader.StopLossPct,
		TakeProfitPct:     cfg.Trader.TakeProfitPct,
	})
	return printJSON(res, err)
}
