// Package engine runs the autonomous trading loop: a market-hours gate,
// regime-driven risk parameters, stop-loss and take-profit monitoring of open
// positions, a bounded-concurrency candidate scan and sequential lot buys
// against the ledger.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/config"
	"papertrader/internal/domain"
	"papertrader/internal/ledger"
	"papertrader/internal/market"
	"papertrader/internal/regime"
	"papertrader/internal/strategy"
)

// ScanStatus is the state of the control loop.
type ScanStatus string

const (
	StatusIdle         ScanStatus = "Idle"
	StatusScanning     ScanStatus = "Scanning"
	StatusSleeping     ScanStatus = "Sleeping"
	StatusMarketClosed ScanStatus = "MarketClosed"
	StatusError        ScanStatus = "Error"
	StatusStopped      ScanStatus = "Stopped"
)

// Exit reasons recorded on automatic sells.
const (
	ReasonStopLoss   = "Stop Loss (Auto)"
	ReasonTakeProfit = "Take Profit (Auto)"
)

// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
const DefaultStopTimeout = 5 * time.Second

// Ledger is the subset of the ledger the AutoTrader drives.
type Ledger interface {
	GetPositions(ctx context.Context) ([]domain.PositionView, error)
	GetCurrentBalanceSummary(ctx context.Context) (domain.BalanceSummary, error)
	ExecuteOrder(ctx context.Context, req ledger.OrderRequest) (ledger.Result, error)
	UpdateMarks(ctx context.Context, prices map[string]decimal.Decimal) error
	UpdateDailyEquity(ctx context.Context) (domain.EquitySnapshot, error)
}

var _ Ledger = (*ledger.Ledger)(nil)

// SessionGate decides whether the market is open at t.
type SessionGate interface {
	IsMarketOpen(t time.Time) bool
}

// Config is the AutoTrader's construction-time configuration.
type Config struct {
	config.TraderConfig

	// ATRPeriod and ATRHistory drive the volatility factor computed on the
	// benchmark series.
	ATRPeriod  int
	ATRHistory int

	// StopTimeout bounds Stop. Defaults to DefaultStopTimeout.
	StopTimeout time.Duration
}

// ConfigFrom assembles an engine Config from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TraderConfig: cfg.Trader,
		ATRPeriod:    cfg.Regime.ATRPeriod,
		ATRHistory:   cfg.Regime.ATRHistory,
	}
}

// Deps are the collaborators of an AutoTrader. Regime and Risk are optional;
// without them the configured stop-loss and take-profit thresholds apply.
type Deps struct {
	Ledger   Ledger
	Market   market.Provider
	Strategy strategy.Strategy
	Sessions SessionGate
	Regime   *regime.Detector
	Risk     *DynamicRiskManager
}

// Status is a read-only snapshot of the AutoTrader.
type Status struct {
	Running      bool                    `json:"running"`
	ScanStatus   ScanStatus              `json:"scan_status"`
	LastScanTime time.Time               `json:"last_scan_time"`
	LastError    string                  `json:"last_error,omitempty"`
	Risk         regime.RiskParameterSet `json:"risk"`
	Config       config.TraderConfig     `json:"config"`
}

// AutoTrader is the autonomous control loop. Start and Stop may be called
// from any goroutine; all ledger mutations happen on the loop (or RunOnce)
// goroutine, one cycle at a time.
type AutoTrader struct {
	cfg      Config
	ledger   Ledger
	market   market.Provider
	strategy strategy.Strategy
	sessions SessionGate
	regime   *regime.Detector
	risk     *DynamicRiskManager
	events   *broadcaster
	log      *slog.Logger
	now      func() time.Time

	cycleMu sync.Mutex // serialises checkAndTrade

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	done     chan struct{}
	status   ScanStatus
	lastScan time.Time
	lastErr  string
	params   regime.RiskParameterSet
}

// New creates an idle AutoTrader.
func New(cfg Config, deps Deps, log *slog.Logger) *AutoTrader {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	cfg.Universe = config.NormalizeTickers(cfg.Universe)
	cfg.Benchmark = strings.ToUpper(strings.TrimSpace(cfg.Benchmark))
	t := &AutoTrader{
		cfg:      cfg,
		ledger:   deps.Ledger,
		market:   deps.Market,
		strategy: deps.Strategy,
		sessions: deps.Sessions,
		regime:   deps.Regime,
		risk:     deps.Risk,
		events:   newBroadcaster(),
		log:      log.With("component", "autotrader"),
		now:      time.Now,
		status:   StatusIdle,
	}
	t.params = t.configuredParams()
	return t
}

// Subscribe returns a channel of status, execution and regime events. Slow
// consumers lose events.
func (t *AutoTrader) Subscribe(bufSize int) (int, <-chan Event) {
	return t.events.subscribe(bufSize)
}

// Unsubscribe removes a subscriber and closes its channel.
func (t *AutoTrader) Unsubscribe(id int) {
	t.events.unsubscribe(id)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start launches the control loop. It is a no-op while already running.
func (t *AutoTrader) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stopCh, t.done
	t.mu.Unlock()

	t.log.Info("auto trader started",
		"universe", len(t.cfg.Universe),
		"strategy", t.strategy.Name(),
		"scan_interval", t.cfg.ScanInterval(),
	)
	go t.loop(stop, done)
}

// Stop signals the loop and waits up to the stop timeout for it to exit. The
// status ends as Stopped either way.
func (t *AutoTrader) Stop() {
	t.mu.Lock()
	if !t.running {
		t.status = StatusStopped
		t.mu.Unlock()
		t.publishStatus()
		return
	}
	close(t.stopCh)
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
	case <-time.After(t.cfg.StopTimeout):
		t.log.Warn("control loop did not exit in time", "timeout", t.cfg.StopTimeout)
	}

	t.mu.Lock()
	t.running = false
	t.status = StatusStopped
	t.mu.Unlock()
	t.log.Info("auto trader stopped")
	t.publishStatus()
}

// Status returns a snapshot of the loop state.
func (t *AutoTrader) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Running:      t.running,
		ScanStatus:   t.status,
		LastScanTime: t.lastScan,
		LastError:    t.lastErr,
		Risk:         t.params,
		Config:       t.cfg.TraderConfig,
	}
}

// RunOnce runs a single cycle synchronously and returns its error.
func (t *AutoTrader) RunOnce(ctx context.Context) error {
	next, err := t.cycle(ctx, nil)
	if err != nil {
		t.setStatus(StatusError, err)
		return err
	}
	t.setStatus(next, nil)
	return nil
}

func (t *AutoTrader) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()

	for {
		next, err := t.cycle(ctx, stop)
		if err != nil {
			t.log.Error("trading cycle failed", "error", err, "backoff", t.cfg.ErrorBackoff())
			t.setStatus(StatusError, err)
			if !t.sleep(stop, t.cfg.ErrorBackoff()) {
				return
			}
			continue
		}
		t.setStatus(next, nil)
		if !t.sleep(stop, t.cfg.ScanInterval()) {
			return
		}
	}
}

// sleep waits d in steps of at most one second, returning false as soon as
// stop is closed. d is floored at one second.
func (t *AutoTrader) sleep(stop <-chan struct{}, d time.Duration) bool {
	d = max(d, time.Second)
	for d > 0 {
		step := min(d, time.Second)
		select {
		case <-stop:
			return false
		case <-time.After(step):
		}
		d -= step
	}
	return true
}

// stopped reports whether stop has been closed. A nil channel (RunOnce)
// never stops.
func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (t *AutoTrader) setStatus(s ScanStatus, err error) {
	t.mu.Lock()
	t.status = s
	if err != nil {
		t.lastErr = err.Error()
	} else if s != StatusScanning {
		t.lastErr = ""
	}
	t.mu.Unlock()
	t.publishStatus()
}

func (t *AutoTrader) publishStatus() {
	st := t.Status()
	t.events.publish(Event{Type: EventStatus, Time: t.now(), Status: &st})
}

// ---------------------------------------------------------------------------
// Trading cycle
// ---------------------------------------------------------------------------

// cycle runs one checkAndTrade with panic recovery and returns the status the
// loop should report while sleeping.
func (t *AutoTrader) cycle(ctx context.Context, stop <-chan struct{}) (next ScanStatus, err error) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in trading cycle: %v", r)
		}
	}()

	t.mu.Lock()
	t.lastScan = t.now()
	t.mu.Unlock()
	t.setStatus(StatusScanning, nil)

	return t.checkAndTrade(ctx, stop)
}

func (t *AutoTrader) checkAndTrade(ctx context.Context, stop <-chan struct{}) (ScanStatus, error) {
	if t.sessions != nil && !t.sessions.IsMarketOpen(t.now()) {
		t.log.Debug("market closed, skipping cycle")
		return StatusMarketClosed, nil
	}

	params := t.riskParameters(ctx)

	if err := t.monitorPositions(ctx, params); err != nil {
		return StatusError, err
	}

	if !params.AllowsEntries() {
		t.log.Warn("entries suspended by regime", "regime", params.Regime)
		t.snapshotEquity(ctx)
		return StatusSleeping, nil
	}

	summary, err := t.ledger.GetCurrentBalanceSummary(ctx)
	if err != nil {
		return StatusError, fmt.Errorf("reading balance: %w", err)
	}
	maxPerTrade := decimal.NewFromFloat(t.cfg.MaxBudgetPerTrade)
	maxInvested := decimal.NewFromFloat(t.cfg.MaxTotalInvested)
	if summary.InvestedAmount.GreaterThanOrEqual(maxInvested) || summary.Cash.LessThan(maxPerTrade) {
		t.log.Info("budget exhausted, skipping scan",
			"cash", summary.Cash.StringFixed(2),
			"invested", summary.InvestedAmount.StringFixed(2),
		)
		t.snapshotEquity(ctx)
		return StatusSleeping, nil
	}

	positions, err := t.ledger.GetPositions(ctx)
	if err != nil {
		return StatusError, fmt.Errorf("listing positions: %w", err)
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Ticker] = true
	}
	var universe []string
	for _, tk := range t.cfg.Universe {
		if !held[tk] {
			universe = append(universe, tk)
		}
	}

	buys := t.scan(ctx, stop, universe)
	if stopped(stop) {
		t.log.Info("stop requested, discarding scan results", "buys", len(buys))
		return StatusSleeping, nil
	}
	if err := t.executeBuys(ctx, stop, buys, params, summary.Cash, summary.InvestedAmount); err != nil {
		return StatusError, err
	}

	t.snapshotEquity(ctx)
	return StatusSleeping, nil
}

// configuredParams is the risk profile used when no regime is available.
func (t *AutoTrader) configuredParams() regime.RiskParameterSet {
	return regime.RiskParameterSet{
		StrategyTag:            t.strategy.Name(),
		StopLossPct:            t.cfg.StopLossPct,
		TakeProfitPct:          t.cfg.TakeProfitPct,
		PositionSizeMultiplier: 1,
		VolatilityAdjustment:   1,
	}
}

// riskParameters classifies the benchmark and derives this cycle's risk
// parameters. Missing benchmark data keeps the configured thresholds.
func (t *AutoTrader) riskParameters(ctx context.Context) regime.RiskParameterSet {
	params := t.configuredParams()
	if t.regime == nil || t.risk == nil || t.cfg.Benchmark == "" {
		return t.setParams(params)
	}

	series, err := t.market.FetchSeries(ctx, []string{t.cfg.Benchmark}, t.cfg.PeriodDays)
	s := series[t.cfg.Benchmark]
	if err != nil || len(s) == 0 {
		t.log.Warn("benchmark unavailable, using configured thresholds",
			"benchmark", t.cfg.Benchmark, "error", err)
		return t.setParams(params)
	}

	r := t.regime.DetectRegime(s, 0)
	factor := t.risk.VolatilityFactor(s, t.cfg.ATRPeriod, t.cfg.ATRHistory)
	return t.setParams(t.risk.UpdateParameters(r, regime.Profile(r), factor))
}

func (t *AutoTrader) setParams(p regime.RiskParameterSet) regime.RiskParameterSet {
	t.mu.Lock()
	changed := p.Regime != t.params.Regime
	t.params = p
	t.mu.Unlock()
	if changed {
		t.events.publish(Event{Type: EventRegime, Time: t.now(), Risk: &p})
	}
	return p
}

// exitThresholds returns the stop-loss and take-profit used to monitor open
// positions. A regime that closes entries carries zero thresholds; exits then
// fall back to the configured ones so positions stay protected.
func (t *AutoTrader) exitThresholds(p regime.RiskParameterSet) (stopLoss, takeProfit float64) {
	stopLoss, takeProfit = p.StopLossPct, p.TakeProfitPct
	if stopLoss <= 0 {
		stopLoss = t.cfg.StopLossPct
	}
	if takeProfit <= 0 {
		takeProfit = t.cfg.TakeProfitPct
	}
	return stopLoss, takeProfit
}

// monitorPositions marks every open position and sells it in full once its
// P&L crosses the stop-loss or take-profit threshold.
func (t *AutoTrader) monitorPositions(ctx context.Context, params regime.RiskParameterSet) error {
	positions, err := t.ledger.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("listing positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	stopLoss, takeProfit := t.exitThresholds(params)
	marks := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		marks[p.Ticker] = p.MarkPrice
	}
	if err := t.ledger.UpdateMarks(ctx, marks); err != nil {
		return fmt.Errorf("updating marks: %w", err)
	}

	for _, p := range positions {
		if p.AvgPrice.IsZero() {
			continue
		}
		pnl, _ := p.MarkPrice.Sub(p.AvgPrice).Div(p.AvgPrice).Float64()

		var reason string
		switch {
		case stopLoss > 0 && pnl <= -stopLoss:
			reason = ReasonStopLoss
		case takeProfit > 0 && pnl >= takeProfit:
			reason = ReasonTakeProfit
		default:
			continue
		}

		t.log.Info("exit triggered", "ticker", p.Ticker, "pnl_pct", fmt.Sprintf("%.4f", pnl), "reason", reason)
		if _, err := t.execute(ctx, ledger.OrderRequest{
			Ticker:       p.Ticker,
			Action:       domain.ActionSell,
			Quantity:     p.Quantity,
			Price:        p.MarkPrice,
			StrategyName: t.strategy.Name(),
			Reason:       reason,
		}, 0); err != nil {
			return err
		}
	}
	return nil
}

// executeBuys buys one lot of each candidate in order, skipping lots above
// the per-trade budget or the remaining total budget.
func (t *AutoTrader) executeBuys(ctx context.Context, stop <-chan struct{}, buys []candidate, params regime.RiskParameterSet, cash, invested decimal.Decimal) error {
	maxPerTrade := decimal.NewFromFloat(t.cfg.MaxBudgetPerTrade)
	maxInvested := decimal.NewFromFloat(t.cfg.MaxTotalInvested)
	lot := decimal.NewFromInt(t.cfg.LotSize)

	for _, c := range buys {
		if stopped(stop) {
			return nil
		}
		price, err := t.market.LatestPrice(ctx, c.ticker)
		if err != nil || !price.IsPositive() {
			t.log.Warn("no price, skipping buy", "ticker", c.ticker, "error", err)
			continue
		}
		cost := price.Mul(lot)
		if cost.GreaterThan(maxPerTrade) {
			t.log.Info("lot over per-trade budget, skipping",
				"ticker", c.ticker, "lot_cost", cost.StringFixed(2), "max", maxPerTrade.StringFixed(2))
			continue
		}
		if invested.Add(cost).GreaterThan(maxInvested) {
			t.log.Info("lot over total budget, skipping",
				"ticker", c.ticker, "lot_cost", cost.StringFixed(2), "invested", invested.StringFixed(2))
			continue
		}

		stop := price.Mul(decimal.NewFromFloat(1 - params.StopLossPct))
		var riskSize float64
		if t.risk != nil {
			p, _ := price.Float64()
			s, _ := stop.Float64()
			bal, _ := cash.Float64()
			riskSize = t.risk.PositionSize(bal, t.cfg.RiskPerTrade, p, s, params.PositionSizeMultiplier)
		}

		req := ledger.OrderRequest{
			Ticker:       c.ticker,
			Action:       domain.ActionBuy,
			Quantity:     t.cfg.LotSize,
			Price:        price,
			StopPrice:    stop,
			StrategyName: t.strategy.Name(),
			Reason:       fmt.Sprintf("%s signal %s (%s)", t.strategy.Name(), c.signal, params.StrategyTag),
		}
		accepted, err := t.execute(ctx, req, riskSize)
		if err != nil {
			return err
		}
		if accepted {
			cash = cash.Sub(cost)
			invested = invested.Add(cost)
		}
	}
	return nil
}

// execute sends one order to the ledger and publishes the outcome. Only
// persistence-level failures are returned.
func (t *AutoTrader) execute(ctx context.Context, req ledger.OrderRequest, riskSize float64) (bool, error) {
	res, err := t.ledger.ExecuteOrder(ctx, req)
	if err != nil {
		return false, fmt.Errorf("executing %s %s: %w", req.Action, req.Ticker, err)
	}
	ex := &Execution{
		Ticker:   req.Ticker,
		Action:   req.Action,
		Quantity: req.Quantity,
		Price:    req.Price,
		Reason:   req.Reason,
		Accepted: res.Accepted,
		RiskSize: riskSize,
	}
	if !res.Accepted && res.Reason != nil {
		ex.Rejected = res.Reason.Error()
	}
	t.events.publish(Event{Type: EventExecution, Time: t.now(), Execution: ex})
	return res.Accepted, nil
}

func (t *AutoTrader) snapshotEquity(ctx context.Context) {
	if _, err := t.ledger.UpdateDailyEquity(ctx); err != nil {
		t.log.Warn("equity snapshot failed", "error", err)
	}
}
