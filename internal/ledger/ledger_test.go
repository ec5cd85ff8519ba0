package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
	"papertrader/internal/market"
	"papertrader/internal/store"
	"papertrader/internal/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var fixedNow = time.Date(2024, 6, 12, 14, 30, 0, 0, time.UTC)

// flakyStore fails selected writes on demand.
type flakyStore struct {
	store.LedgerStore
	failCommit atomic.Bool
	failMarks  atomic.Bool
}

func (f *flakyStore) CommitOrder(ctx context.Context, c store.Commit) (int64, error) {
	if f.failCommit.Load() {
		return 0, errors.New("disk full")
	}
	return f.LedgerStore.CommitOrder(ctx, c)
}

func (f *flakyStore) UpdateMarks(ctx context.Context, p []domain.Position) error {
	if f.failMarks.Load() {
		return errors.New("disk full")
	}
	return f.LedgerStore.UpdateMarks(ctx, p)
}

func openSQLite(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openLedger(t *testing.T, s store.LedgerStore, prices market.PriceSource) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), Config{
		InitialCapital: d("1000000"),
		Now:            func() time.Time { return fixedNow },
	}, s, prices, util.DiscardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func newTestLedger(t *testing.T) (*Ledger, *store.SQLiteStore) {
	t.Helper()
	s := openSQLite(t, filepath.Join(t.TempDir(), "ledger.db"))
	return openLedger(t, s, nil), s
}

func buy(ticker string, qty int64, price string) OrderRequest {
	return OrderRequest{Ticker: ticker, Action: domain.ActionBuy, Quantity: qty, Price: d(price), StrategyName: "test"}
}

func sell(ticker string, qty int64, price string) OrderRequest {
	return OrderRequest{Ticker: ticker, Action: domain.ActionSell, Quantity: qty, Price: d(price), StrategyName: "test"}
}

func mustExecute(t *testing.T, l *Ledger, req OrderRequest) Result {
	t.Helper()
	res, err := l.ExecuteOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteOrder(%+v) returned error: %v", req, err)
	}
	return res
}

func balance(t *testing.T, l *Ledger) decimal.Decimal {
	t.Helper()
	cash, err := l.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return cash
}

// ---------------------------------------------------------------------------
// ExecuteOrder
// ---------------------------------------------------------------------------

func TestRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if res := mustExecute(t, l, buy("AAPL", 100, "1000")); !res.Accepted {
		t.Fatalf("buy rejected: %v", res.Reason)
	}
	if got := balance(t, l); !got.Equal(d("900000")) {
		t.Errorf("cash after buy = %s, want 900000", got)
	}

	res := mustExecute(t, l, sell("AAPL", 100, "1100"))
	if !res.Accepted {
		t.Fatalf("sell rejected: %v", res.Reason)
	}
	if got := balance(t, l); !got.Equal(d("1010000")) {
		t.Errorf("cash after round trip = %s, want 1010000", got)
	}

	pos, err := l.GetPosition(ctx, "AAPL")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Quantity != 0 {
		t.Errorf("position quantity = %d, want 0 (deleted)", pos.Quantity)
	}
	views, _ := l.GetPositions(ctx)
	if len(views) != 0 {
		t.Errorf("GetPositions = %+v, want none", views)
	}

	history, err := l.GetTradeHistory(ctx, 0, time.Time{})
	if err != nil {
		t.Fatalf("GetTradeHistory: %v", err)
	}
	if len(history) != 2 || history[0].Action != domain.ActionSell {
		t.Errorf("history = %+v, want sell then buy (newest first)", history)
	}
	if res.Order.ID == "" || res.Order.Seq == 0 {
		t.Errorf("executed order missing id/seq: %+v", res.Order)
	}
}

func TestWeightedAverage(t *testing.T) {
	l, _ := newTestLedger(t)
	mustExecute(t, l, buy("MSFT", 50, "1000"))
	mustExecute(t, l, buy("msft", 50, "1200"))

	pos, _ := l.GetPosition(context.Background(), "MSFT")
	if pos.Quantity != 100 {
		t.Errorf("quantity = %d, want 100", pos.Quantity)
	}
	avg, _ := pos.AvgPrice.Float64()
	if diff := avg - 1100; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("avg_price = %s, want 1100", pos.AvgPrice)
	}
	if !pos.EntryPrice.Equal(d("1000")) {
		t.Errorf("entry_price = %s, want first fill 1000", pos.EntryPrice)
	}
	if !pos.HighestPrice.Equal(d("1200")) {
		t.Errorf("highest_price = %s, want 1200", pos.HighestPrice)
	}
}

func TestPartialSellKeepsAverage(t *testing.T) {
	l, _ := newTestLedger(t)
	mustExecute(t, l, buy("AAPL", 100, "1000"))
	mustExecute(t, l, sell("AAPL", 40, "900"))

	pos, _ := l.GetPosition(context.Background(), "AAPL")
	if pos.Quantity != 60 || !pos.AvgPrice.Equal(d("1000")) {
		t.Errorf("position = %d@%s, want 60@1000", pos.Quantity, pos.AvgPrice)
	}
	if got := balance(t, l); !got.Equal(d("936000")) {
		t.Errorf("cash = %s, want 936000", got)
	}
}

func TestRejectOnOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	res := mustExecute(t, l, buy("AAPL", 2000, "1000"))
	if res.Accepted {
		t.Fatal("overdrawing buy was accepted")
	}
	if !errors.Is(res.Reason, ErrInsufficientCash) {
		t.Errorf("reason = %v, want ErrInsufficientCash", res.Reason)
	}
	if got := balance(t, l); !got.Equal(d("1000000")) {
		t.Errorf("cash = %s, want unchanged 1000000", got)
	}
	if pos, _ := l.GetPosition(context.Background(), "AAPL"); pos.Quantity != 0 {
		t.Errorf("position created on rejected buy: %+v", pos)
	}
}

func TestRejectOnOversell(t *testing.T) {
	l, _ := newTestLedger(t)
	res := mustExecute(t, l, sell("TSLA", 10, "100"))
	if res.Accepted || !errors.Is(res.Reason, ErrOversell) {
		t.Fatalf("result = %+v, want rejection with ErrOversell", res)
	}

	mustExecute(t, l, buy("TSLA", 5, "100"))
	res = mustExecute(t, l, sell("TSLA", 6, "100"))
	if res.Accepted {
		t.Fatal("sell beyond held quantity was accepted")
	}
	if pos, _ := l.GetPosition(context.Background(), "TSLA"); pos.Quantity != 5 {
		t.Errorf("quantity = %d, want 5", pos.Quantity)
	}
	if got := balance(t, l); !got.Equal(d("999500")) {
		t.Errorf("cash = %s, want 999500", got)
	}
}

func TestRejectInvalidOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"empty ticker", buy("", 1, "1")},
		{"zero quantity", buy("AAPL", 0, "1")},
		{"negative quantity", sell("AAPL", -1, "1")},
		{"zero price", buy("AAPL", 1, "0")},
		{"bad action", OrderRequest{Ticker: "AAPL", Action: "HOLD", Quantity: 1, Price: d("1")}},
	}
	for _, tt := range tests {
		res := mustExecute(t, l, tt.req)
		if res.Accepted || !errors.Is(res.Reason, ErrInvalidOrder) {
			t.Errorf("%s: result = %+v, want ErrInvalidOrder", tt.name, res)
		}
	}
}

func TestStopPriceRecorded(t *testing.T) {
	l, _ := newTestLedger(t)
	req := buy("AAPL", 10, "100")
	req.StopPrice = d("95")
	mustExecute(t, l, req)

	pos, _ := l.GetPosition(context.Background(), "AAPL")
	if !pos.StopPrice.Equal(d("95")) {
		t.Errorf("stop_price = %s, want 95", pos.StopPrice)
	}
}

// ---------------------------------------------------------------------------
// Persistence failures
// ---------------------------------------------------------------------------

func TestPersistenceFailureLeavesStateUnchanged(t *testing.T) {
	s := &flakyStore{LedgerStore: openSQLite(t, filepath.Join(t.TempDir(), "ledger.db"))}
	l := openLedger(t, s, nil)
	ctx := context.Background()

	mustExecute(t, l, buy("AAPL", 10, "100"))

	s.failCommit.Store(true)
	_, err := l.ExecuteOrder(ctx, buy("AAPL", 10, "200"))
	if !IsPersistence(err) {
		t.Fatalf("ExecuteOrder error = %v, want PersistenceError", err)
	}
	if got := balance(t, l); !got.Equal(d("999000")) {
		t.Errorf("cash after failed commit = %s, want 999000", got)
	}
	pos, _ := l.GetPosition(ctx, "AAPL")
	if pos.Quantity != 10 || !pos.AvgPrice.Equal(d("100")) {
		t.Errorf("position after failed commit = %d@%s, want 10@100", pos.Quantity, pos.AvgPrice)
	}

	s.failMarks.Store(true)
	if err := l.UpdateMarks(ctx, map[string]decimal.Decimal{"AAPL": d("150")}); !IsPersistence(err) {
		t.Errorf("UpdateMarks error = %v, want PersistenceError", err)
	}
	pos, _ = l.GetPosition(ctx, "AAPL")
	if !pos.CurrentPrice.Equal(d("100")) {
		t.Errorf("current_price after failed mark = %s, want 100", pos.CurrentPrice)
	}

	s.failCommit.Store(false)
	if res := mustExecute(t, l, sell("AAPL", 10, "100")); !res.Accepted {
		t.Errorf("ledger unusable after recovered failure: %v", res.Reason)
	}
}

// ---------------------------------------------------------------------------
// RecalculateBalance
// ---------------------------------------------------------------------------

func TestRecalculateAfterCorruption(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	mustExecute(t, l, buy("AAPL", 100, "187.25"))
	mustExecute(t, l, buy("MSFT", 30, "410.10"))
	mustExecute(t, l, sell("AAPL", 40, "190.05"))
	want := d("1000000").Sub(d("18725")).Sub(d("12303")).Add(d("7602"))

	if err := s.SetCash(ctx, d("123")); err != nil {
		t.Fatalf("SetCash: %v", err)
	}

	report, err := l.RecalculateBalance(ctx)
	if err != nil {
		t.Fatalf("RecalculateBalance: %v", err)
	}
	if !report.Corrected || !report.Stored.Equal(d("123")) {
		t.Errorf("report = %+v, want corrected from 123", report)
	}
	if !report.Recomputed.Equal(want) {
		t.Errorf("recomputed = %s, want %s", report.Recomputed, want)
	}
	if report.Orders != 3 {
		t.Errorf("replayed %d orders, want 3", report.Orders)
	}
	if got := balance(t, l); !got.Equal(want) {
		t.Errorf("ledger cash = %s, want %s", got, want)
	}
	a, _ := s.LoadAccount(ctx)
	if !a.Cash.Equal(want) {
		t.Errorf("stored cash = %s, want %s", a.Cash, want)
	}

	again, _ := l.RecalculateBalance(ctx)
	if again.Corrected || !again.Drift.IsZero() {
		t.Errorf("second recalculation = %+v, want no drift", again)
	}
}

func TestOpenReconcilesStoredBalance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s := openSQLite(t, path)
	l := openLedger(t, s, nil)
	mustExecute(t, l, buy("AAPL", 100, "1000"))
	l.Close()

	if err := s.SetCash(context.Background(), d("5")); err != nil {
		t.Fatalf("SetCash: %v", err)
	}

	reopened := openLedger(t, s, nil)
	if got := balance(t, reopened); !got.Equal(d("900000")) {
		t.Errorf("cash after reopen = %s, want 900000", got)
	}
	pos, _ := reopened.GetPosition(context.Background(), "AAPL")
	if pos.Quantity != 100 {
		t.Errorf("position after reopen = %+v, want 100 shares", pos)
	}
}

func TestReplay(t *testing.T) {
	orders := []domain.Order{
		{Ticker: "A", Action: domain.ActionBuy, Quantity: 10, Price: d("10")},
		{Ticker: "B", Action: domain.ActionBuy, Quantity: 5, Price: d("20")},
		{Ticker: "A", Action: domain.ActionSell, Quantity: 10, Price: d("12")},
	}
	cash, net := Replay(d("1000"), orders)
	if !cash.Equal(d("920")) {
		t.Errorf("cash = %s, want 920", cash)
	}
	if len(net) != 1 || net["B"] != 5 {
		t.Errorf("net = %v, want map[B:5]", net)
	}
}

// ---------------------------------------------------------------------------
// Valuation
// ---------------------------------------------------------------------------

func TestGetPositionsValuation(t *testing.T) {
	s := openSQLite(t, filepath.Join(t.TempDir(), "ledger.db"))
	prices := market.NewStaticProvider()
	l := openLedger(t, s, prices)
	ctx := context.Background()

	mustExecute(t, l, buy("AAPL", 100, "1000"))
	mustExecute(t, l, buy("MSFT", 10, "400"))
	prices.SetPrice("AAPL", d("1100"))

	if err := l.UpdateMarks(ctx, map[string]decimal.Decimal{"MSFT": d("420")}); err != nil {
		t.Fatalf("UpdateMarks: %v", err)
	}

	views, err := l.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("GetPositions returned %d views, want 2", len(views))
	}

	aapl := views[0]
	if !aapl.MarkPrice.Equal(d("1100")) || !aapl.UnrealizedPnL.Equal(d("10000")) {
		t.Errorf("AAPL view = mark %s pnl %s, want 1100/10000", aapl.MarkPrice, aapl.UnrealizedPnL)
	}
	if aapl.UnrealizedPnLPct < 9.99 || aapl.UnrealizedPnLPct > 10.01 {
		t.Errorf("AAPL pnl pct = %v, want 10", aapl.UnrealizedPnLPct)
	}

	// No provider price: falls back to the stored mark.
	msft := views[1]
	if !msft.MarkPrice.Equal(d("420")) || !msft.MarketValue.Equal(d("4200")) {
		t.Errorf("MSFT view = mark %s value %s, want 420/4200", msft.MarkPrice, msft.MarketValue)
	}
	if !msft.HighestPrice.Equal(d("420")) {
		t.Errorf("MSFT highest = %s, want 420", msft.HighestPrice)
	}
}

func TestBalanceSummaryAndDailyPnL(t *testing.T) {
	s := openSQLite(t, filepath.Join(t.TempDir(), "ledger.db"))
	prices := market.NewStaticProvider()
	l := openLedger(t, s, prices)
	ctx := context.Background()

	mustExecute(t, l, buy("AAPL", 100, "1000"))
	prices.SetPrice("AAPL", d("1100"))

	sum, err := l.GetCurrentBalanceSummary(ctx)
	if err != nil {
		t.Fatalf("GetCurrentBalanceSummary: %v", err)
	}
	if !sum.Cash.Equal(d("900000")) || !sum.InvestedAmount.Equal(d("100000")) {
		t.Errorf("cash/invested = %s/%s, want 900000/100000", sum.Cash, sum.InvestedAmount)
	}
	if !sum.UnrealizedPnL.Equal(d("10000")) || !sum.TotalEquity.Equal(d("1010000")) {
		t.Errorf("unrealized/total = %s/%s, want 10000/1010000", sum.UnrealizedPnL, sum.TotalEquity)
	}
	if !sum.DailyPnL.Equal(d("10000")) {
		t.Errorf("daily pnl without snapshots = %s, want 10000 (vs initial capital)", sum.DailyPnL)
	}

	yesterday := domain.EquitySnapshot{Date: "2024-06-11", TotalEquity: d("1005000"), Cash: d("1005000"), Invested: d("0")}
	if err := s.UpsertEquitySnapshot(ctx, yesterday); err != nil {
		t.Fatalf("UpsertEquitySnapshot: %v", err)
	}
	sum, _ = l.GetCurrentBalanceSummary(ctx)
	if !sum.DailyPnL.Equal(d("5000")) {
		t.Errorf("daily pnl = %s, want 5000", sum.DailyPnL)
	}

	snap, err := l.UpdateDailyEquity(ctx)
	if err != nil {
		t.Fatalf("UpdateDailyEquity: %v", err)
	}
	if snap.Date != "2024-06-12" || !snap.TotalEquity.Equal(d("1010000")) {
		t.Errorf("snapshot = %+v, want 2024-06-12 / 1010000", snap)
	}
	if _, err := l.UpdateDailyEquity(ctx); err != nil {
		t.Fatalf("UpdateDailyEquity (repeat): %v", err)
	}
	history, err := l.GetEquityHistory(ctx, 0)
	if err != nil {
		t.Fatalf("GetEquityHistory: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("equity history has %d rows, want 2 (one per day)", len(history))
	}
	if history[len(history)-1].Date != "2024-06-12" {
		t.Errorf("latest snapshot date = %s, want 2024-06-12", history[len(history)-1].Date)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentBuysSerialize(t *testing.T) {
	s := openSQLite(t, filepath.Join(t.TempDir(), "ledger.db"))
	l, err := Open(context.Background(), Config{InitialCapital: d("20000")}, s, nil, util.DiscardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.ExecuteOrder(context.Background(), buy("AAPL", 1, "1000"))
			if err != nil {
				t.Errorf("ExecuteOrder: %v", err)
				return
			}
			if res.Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 20 {
		t.Errorf("accepted %d buys, want 20", got)
	}
	if got := balance(t, l); !got.IsZero() {
		t.Errorf("cash = %s, want 0", got)
	}
	pos, _ := l.GetPosition(context.Background(), "AAPL")
	if pos.Quantity != 20 {
		t.Errorf("quantity = %d, want 20", pos.Quantity)
	}
}

func TestClosedLedger(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Close()
	l.Close()

	if _, err := l.GetBalance(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("GetBalance after Close = %v, want ErrClosed", err)
	}
	if _, err := l.ExecuteOrder(context.Background(), buy("AAPL", 1, "1")); !errors.Is(err, ErrClosed) {
		t.Errorf("ExecuteOrder after Close = %v, want ErrClosed", err)
	}
	if _, err := l.GetTradeHistory(context.Background(), 1, time.Time{}); !errors.Is(err, ErrClosed) {
		t.Errorf("GetTradeHistory after Close = %v, want ErrClosed", err)
	}
}
