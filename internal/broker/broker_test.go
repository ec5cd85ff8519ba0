package broker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
	"papertrader/internal/ledger"
	"papertrader/internal/market"
	"papertrader/internal/store"
	"papertrader/internal/util"
)

func newPaperBroker(t *testing.T) (*PaperBroker, *market.StaticProvider) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	prices := market.NewStaticProvider()
	l, err := ledger.Open(context.Background(), ledger.Config{InitialCapital: decimal.NewFromInt(100_000)}, st, prices, util.DiscardLogger())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(l.Close)
	return NewPaperBroker(l, prices, util.DiscardLogger()), prices
}

func TestPaperBrokerName(t *testing.T) {
	b, _ := newPaperBroker(t)
	if got := b.Name(); got != "paper" {
		t.Errorf("PaperBroker.Name() = %q, want %q", got, "paper")
	}
}

func TestExecuteTradeAtMarket(t *testing.T) {
	b, prices := newPaperBroker(t)
	prices.SetPrice("AAPL", decimal.NewFromInt(200))

	res, err := b.ExecuteTrade(context.Background(), TradeRequest{Ticker: " aapl", Action: "buy", Quantity: 10})
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("trade rejected: %v", res.Reason)
	}
	if res.Order.Ticker != "AAPL" || !res.Order.Price.Equal(decimal.NewFromInt(200)) || res.Order.StrategyName != "manual" {
		t.Errorf("order = %+v, want AAPL @ 200 by manual", res.Order)
	}

	acct, err := b.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.Cash.Equal(decimal.NewFromInt(98_000)) {
		t.Errorf("cash = %s, want 98000", acct.Cash)
	}
	positions, _ := b.GetPositions(context.Background())
	if len(positions) != 1 || positions[0].Quantity != 10 {
		t.Errorf("positions = %+v, want 10 AAPL", positions)
	}
}

func TestExecuteTradeExplicitPrice(t *testing.T) {
	b, _ := newPaperBroker(t)
	res, err := b.ExecuteTrade(context.Background(), TradeRequest{
		Ticker: "MSFT", Action: domain.ActionBuy, Quantity: 5, Price: decimal.NewFromInt(400), StrategyName: "ops",
	})
	if err != nil || !res.Accepted {
		t.Fatalf("ExecuteTrade: accepted=%v reason=%v err=%v", res.Accepted, res.Reason, err)
	}
	if res.Order.StrategyName != "ops" {
		t.Errorf("strategy = %q, want ops", res.Order.StrategyName)
	}
}

func TestExecuteTradeWithoutPrice(t *testing.T) {
	b, _ := newPaperBroker(t)
	res, err := b.ExecuteTrade(context.Background(), TradeRequest{Ticker: "NONE", Action: domain.ActionBuy, Quantity: 1})
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if res.Accepted || !errors.Is(res.Reason, ErrNoPrice) {
		t.Errorf("result = %+v, want rejection with ErrNoPrice", res)
	}
}

func TestExecuteTradeRejections(t *testing.T) {
	b, _ := newPaperBroker(t)
	ctx := context.Background()

	res, err := b.ExecuteTrade(ctx, TradeRequest{Ticker: "AAPL", Action: domain.ActionBuy, Quantity: 1000, Price: decimal.NewFromInt(200)})
	if err != nil || res.Accepted || !errors.Is(res.Reason, ledger.ErrInsufficientCash) {
		t.Errorf("overdraw = %+v, %v; want ErrInsufficientCash", res, err)
	}
	res, err = b.ExecuteTrade(ctx, TradeRequest{Ticker: "AAPL", Action: domain.ActionSell, Quantity: 1, Price: decimal.NewFromInt(200)})
	if err != nil || res.Accepted || !errors.Is(res.Reason, ledger.ErrOversell) {
		t.Errorf("oversell = %+v, %v; want ErrOversell", res, err)
	}
}
