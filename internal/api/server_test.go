package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"papertrader/internal/broker"
	"papertrader/internal/config"
	"papertrader/internal/domain"
	"papertrader/internal/engine"
	"papertrader/internal/ledger"
	"papertrader/internal/market"
	"papertrader/internal/regime"
	"papertrader/internal/store"
	"papertrader/internal/strategy"
	"papertrader/internal/util"
)

type closedGate struct{}

func (closedGate) IsMarketOpen(time.Time) bool { return false }

type fixture struct {
	srv    *Server
	http   *httptest.Server
	ledger *ledger.Ledger
	prices *market.StaticProvider
	trader *engine.AutoTrader
}

func newFixture(t *testing.T) *fixture {
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

	detector := regime.New(config.RegimeConfig{Window: 20, HighVol: 0.40, LowVol: 0.15, VIXThreshold: 30}, util.DiscardLogger())
	risk := engine.NewDynamicRiskManager()
	trader := engine.New(engine.Config{
		TraderConfig: config.TraderConfig{ScanIntervalSec: 3600, ErrorBackoffSec: 1, MaxBudgetPerTrade: 10_000, MaxTotalInvested: 50_000, LotSize: 10, Workers: 2},
	}, engine.Deps{
		Ledger:   l,
		Market:   prices,
		Strategy: strategy.Func{ID: "noop", Fn: func(context.Context, domain.Series) (strategy.Signal, error) { return strategy.Hold(), nil }},
		Sessions: closedGate{},
		Regime:   detector,
		Risk:     risk,
	}, util.DiscardLogger())
	t.Cleanup(trader.Stop)

	srv := NewServer(config.Server{Host: "127.0.0.1"}, Deps{
		Ledger: l,
		Broker: broker.NewPaperBroker(l, prices, util.DiscardLogger()),
		Trader: trader,
		Regime: detector,
		Risk:   risk,
	}, util.DiscardLogger())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Hub().Close)

	return &fixture{srv: srv, http: hs, ledger: l, prices: prices, trader: trader}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestTradeLifecycle(t *testing.T) {
	f := newFixture(t)
	f.prices.SetPrice("AAPL", decimal.NewFromInt(100))

	var tr TradeResponse
	code := f.do(t, "POST", "/api/trades", broker.TradeRequest{Ticker: "AAPL", Action: domain.ActionBuy, Quantity: 50}, &tr)
	if code != http.StatusOK || !tr.Accepted || tr.Order == nil || tr.Order.Ticker != "AAPL" {
		t.Fatalf("buy = %d %+v, want accepted", code, tr)
	}

	var summary domain.BalanceSummary
	if code := f.do(t, "GET", "/api/summary", nil, &summary); code != http.StatusOK {
		t.Fatalf("summary status = %d", code)
	}
	if !summary.Cash.Equal(decimal.NewFromInt(95_000)) || !summary.InvestedAmount.Equal(decimal.NewFromInt(5_000)) {
		t.Errorf("summary = %+v, want cash 95000 invested 5000", summary)
	}

	var positions []domain.PositionView
	f.do(t, "GET", "/api/positions", nil, &positions)
	if len(positions) != 1 || positions[0].Quantity != 50 {
		t.Errorf("positions = %+v, want 50 AAPL", positions)
	}

	var orders []domain.Order
	f.do(t, "GET", "/api/trades?limit=10&since=2000-01-01", nil, &orders)
	if len(orders) != 1 || orders[0].Action != domain.ActionBuy {
		t.Errorf("orders = %+v, want one buy", orders)
	}
}

func TestTradeRejectedIs422(t *testing.T) {
	f := newFixture(t)

	var tr TradeResponse
	code := f.do(t, "POST", "/api/trades", broker.TradeRequest{Ticker: "AAPL", Action: domain.ActionSell, Quantity: 5, Price: decimal.NewFromInt(10)}, &tr)
	if code != http.StatusUnprocessableEntity || tr.Accepted || !strings.Contains(tr.Reason, "exceeds held") {
		t.Errorf("oversell = %d %+v, want 422 with reason", code, tr)
	}
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	var e ErrorResponse
	if code := f.do(t, "GET", "/api/trades?limit=abc", nil, &e); code != http.StatusBadRequest || e.Error == "" {
		t.Errorf("bad limit = %d %+v, want 400", code, e)
	}
	if code := f.do(t, "GET", "/api/trades?since=yesterday", nil, &e); code != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", code)
	}
	if code := f.do(t, "GET", "/api/equity?days=-1", nil, &e); code != http.StatusBadRequest {
		t.Errorf("bad days = %d, want 400", code)
	}

	resp, err := http.Post(f.http.URL+"/api/trades", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", resp.StatusCode)
	}
}

func TestRecalculateAndSnapshot(t *testing.T) {
	f := newFixture(t)

	var report ledger.RecalcReport
	if code := f.do(t, "POST", "/api/ledger/recalculate", nil, &report); code != http.StatusOK {
		t.Fatalf("recalculate status = %d", code)
	}
	if !report.Recomputed.Equal(decimal.NewFromInt(100_000)) || !report.Drift.IsZero() {
		t.Errorf("report = %+v, want 100000 with no drift", report)
	}

	var snap domain.EquitySnapshot
	if code := f.do(t, "POST", "/api/ledger/snapshot", nil, &snap); code != http.StatusOK {
		t.Fatalf("snapshot status = %d", code)
	}
	var snaps []domain.EquitySnapshot
	f.do(t, "GET", "/api/equity?days=7", nil, &snaps)
	if len(snaps) != 1 || snaps[0].Date != snap.Date {
		t.Errorf("equity = %+v, want today's snapshot", snaps)
	}
}

func TestClosedLedgerIs503(t *testing.T) {
	f := newFixture(t)
	f.ledger.Close()
	var e ErrorResponse
	if code := f.do(t, "GET", "/api/summary", nil, &e); code != http.StatusServiceUnavailable {
		t.Errorf("summary on closed ledger = %d, want 503", code)
	}
}

func TestTraderEndpointsAndHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if got, _ := f.srv.Health().Check(ctx, HealthServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("initial health = %s, want SERVING", got)
	}

	var st engine.Status
	if code := f.do(t, "POST", "/api/trader/start", nil, &st); code != http.StatusOK || !st.Running {
		t.Fatalf("start = %d %+v, want running", code, st)
	}
	f.do(t, "POST", "/api/trader/stop", nil, &st)
	if st.Running || st.ScanStatus != engine.StatusStopped {
		t.Errorf("after stop = %+v, want stopped", st)
	}

	f.srv.Health().Update(f.trader.Status())
	if got, _ := f.srv.Health().Check(ctx, HealthServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health after stop = %s, want NOT_SERVING", got)
	}

	var regimeResp RegimeResponse
	if code := f.do(t, "GET", "/api/regime", nil, &regimeResp); code != http.StatusOK {
		t.Fatalf("regime status = %d", code)
	}
	if regimeResp.Current != regime.Ranging {
		t.Errorf("current regime = %s, want ranging before any detection", regimeResp.Current)
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello engine.Event
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("reading hello: %v", err)
	}
	if hello.Type != engine.EventStatus || hello.Status == nil || hello.Status.ScanStatus != engine.StatusIdle {
		t.Errorf("hello = %+v, want idle status", hello)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.Hub().Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	f.srv.Hub().Broadcast([]byte(`{"type":"execution"}`))

	var next engine.Event
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("reading broadcast: %v", err)
	}
	if next.Type != engine.EventExecution {
		t.Errorf("broadcast type = %s, want execution", next.Type)
	}
}
