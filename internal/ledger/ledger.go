// Package ledger owns the durable trading state: the cash account, open
// positions, the append-only order log and daily equity snapshots.
//
// All state is owned by a single goroutine that processes commands from a
// channel, so concurrent callers observe some serial order of operations and
// never a partially applied order. Store writes happen before the in-memory
// state changes; a failed write leaves both untouched.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
	"papertrader/internal/market"
	"papertrader/internal/store"
)

// Config holds construction parameters for a Ledger.
type Config struct {
	// InitialCapital seeds a new account. An existing account keeps its own.
	InitialCapital decimal.Decimal

	// Location decides the calendar day for equity snapshots. Defaults to UTC.
	Location *time.Location

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// OrderRequest is the input to ExecuteOrder.
type OrderRequest struct {
	Ticker       string
	Action       domain.Action
	Quantity     int64
	Price        decimal.Decimal
	StopPrice    decimal.Decimal // optional, recorded on the position for BUYs
	StrategyName string
	Reason       string
}

// Result is the outcome of ExecuteOrder. A rejected order has Accepted false
// and a validation error in Reason.
type Result struct {
	Accepted bool
	Reason   error
	Order    domain.Order
}

// RecalcReport describes one balance reconstruction.
type RecalcReport struct {
	Stored     decimal.Decimal `json:"stored"`
	Recomputed decimal.Decimal `json:"recomputed"`
	Drift      decimal.Decimal `json:"drift"`
	Orders     int             `json:"orders"`
	Corrected  bool            `json:"corrected"`

	// PositionMismatches lists tickers whose stored quantity disagrees with
	// the net quantity in the order log.
	PositionMismatches []string `json:"position_mismatches,omitempty"`
}

// state is owned by the run goroutine.
type state struct {
	account   domain.Account
	positions map[string]domain.Position
}

type command struct {
	fn   func(*state)
	done chan struct{}
}

// Ledger is the authoritative record of cash, positions and orders.
type Ledger struct {
	store  store.LedgerStore
	prices market.PriceSource
	loc    *time.Location
	now    func() time.Time
	log    *slog.Logger

	cmds      chan command
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	st state
}

// Open loads (or initialises) the account from s, starts the owner goroutine
// and reconciles the stored balance against the order log. prices may be nil,
// in which case valuation falls back to stored marks.
func Open(ctx context.Context, cfg Config, s store.LedgerStore, prices market.PriceSource, log *slog.Logger) (*Ledger, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	account, err := s.InitAccount(ctx, cfg.InitialCapital)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	positions, err := s.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}

	l := &Ledger{
		store:   s,
		prices:  prices,
		loc:     cfg.Location,
		now:     cfg.Now,
		log:     log.With("component", "ledger"),
		cmds:    make(chan command),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		st: state{
			account:   account,
			positions: make(map[string]domain.Position, len(positions)),
		},
	}
	for _, p := range positions {
		l.st.positions[p.Ticker] = p
	}
	go l.run()

	report, err := l.RecalculateBalance(ctx)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("reconciling balance: %w", err)
	}
	l.log.Info("ledger opened",
		"cash", report.Recomputed.StringFixed(2),
		"positions", len(positions),
		"orders", report.Orders,
	)
	return l, nil
}

// Close stops the owner goroutine. Operations already inside the ledger run
// to completion first. Close does not close the store.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() { close(l.quit) })
	<-l.stopped
}

func (l *Ledger) run() {
	defer close(l.stopped)
	for {
		select {
		case c := <-l.cmds:
			c.fn(&l.st)
			close(c.done)
		case <-l.quit:
			return
		}
	}
}

// do runs fn on the owner goroutine. Once fn has been accepted it always runs
// to completion, even if ctx is cancelled meanwhile.
func (l *Ledger) do(ctx context.Context, fn func(*state)) error {
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case l.cmds <- c:
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-c.done
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetBalance returns the current cash balance.
func (l *Ledger) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var cash decimal.Decimal
	err := l.do(ctx, func(s *state) { cash = s.account.Cash })
	return cash, err
}

// GetAccount returns the account row.
func (l *Ledger) GetAccount(ctx context.Context) (domain.Account, error) {
	var a domain.Account
	err := l.do(ctx, func(s *state) { a = s.account })
	return a, err
}

// GetPosition returns the position for ticker, or a zero Position carrying
// only the ticker when none is held.
func (l *Ledger) GetPosition(ctx context.Context, ticker string) (domain.Position, error) {
	ticker = normalize(ticker)
	p := domain.Position{Ticker: ticker}
	err := l.do(ctx, func(s *state) {
		if held, ok := s.positions[ticker]; ok {
			p = held
		}
	})
	return p, err
}

// snapshot returns cash and positions from one consistent point in the
// command order. Positions are sorted by ticker.
func (l *Ledger) snapshot(ctx context.Context) (domain.Account, []domain.Position, error) {
	var (
		a   domain.Account
		pos []domain.Position
	)
	err := l.do(ctx, func(s *state) {
		a = s.account
		pos = make([]domain.Position, 0, len(s.positions))
		for _, p := range s.positions {
			pos = append(pos, p)
		}
	})
	sort.Slice(pos, func(i, j int) bool { return pos[i].Ticker < pos[j].Ticker })
	return a, pos, err
}

// GetPositions returns every open position valued at the latest available
// price. Prices are fetched outside the ledger's critical section.
func (l *Ledger) GetPositions(ctx context.Context) ([]domain.PositionView, error) {
	_, positions, err := l.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return l.value(ctx, positions), nil
}

// value marks each position: provider price, else the stored current_price,
// else avg_price.
func (l *Ledger) value(ctx context.Context, positions []domain.Position) []domain.PositionView {
	views := make([]domain.PositionView, 0, len(positions))
	for _, p := range positions {
		mark := l.markPrice(ctx, p)
		qty := decimal.NewFromInt(p.Quantity)
		pnl := mark.Sub(p.AvgPrice).Mul(qty)

		var pct float64
		if p.AvgPrice.IsPositive() {
			pct, _ = mark.Sub(p.AvgPrice).Div(p.AvgPrice).Mul(decimal.NewFromInt(100)).Float64()
		}
		views = append(views, domain.PositionView{
			Position:         p,
			MarkPrice:        mark,
			MarketValue:      mark.Mul(qty),
			UnrealizedPnL:    pnl,
			UnrealizedPnLPct: pct,
		})
	}
	return views
}

func (l *Ledger) markPrice(ctx context.Context, p domain.Position) decimal.Decimal {
	if l.prices != nil {
		px, err := l.prices.LatestPrice(ctx, p.Ticker)
		if err == nil && px.IsPositive() {
			return px
		}
		if err != nil {
			l.log.Debug("mark price unavailable", "ticker", p.Ticker, "error", err)
		}
	}
	if p.CurrentPrice.IsPositive() {
		return p.CurrentPrice
	}
	return p.AvgPrice
}

// GetCurrentBalanceSummary returns cash, invested cost basis, unrealized P&L,
// total equity and P&L against the most recent snapshot before today.
func (l *Ledger) GetCurrentBalanceSummary(ctx context.Context) (domain.BalanceSummary, error) {
	account, positions, err := l.snapshot(ctx)
	if err != nil {
		return domain.BalanceSummary{}, err
	}

	invested := decimal.Zero
	unrealized := decimal.Zero
	for _, v := range l.value(ctx, positions) {
		invested = invested.Add(v.CostBasis())
		unrealized = unrealized.Add(v.UnrealizedPnL)
	}
	total := account.Cash.Add(invested).Add(unrealized)

	baseline := account.InitialCapital
	prev, ok, err := l.store.LatestSnapshotBefore(ctx, l.today())
	if err != nil {
		return domain.BalanceSummary{}, err
	}
	if ok {
		baseline = prev.TotalEquity
	}

	return domain.BalanceSummary{
		Cash:           account.Cash,
		TotalEquity:    total,
		InvestedAmount: invested,
		UnrealizedPnL:  unrealized,
		DailyPnL:       total.Sub(baseline),
	}, nil
}

// GetTradeHistory returns up to limit orders at or after since, newest
// first. limit <= 0 returns all.
func (l *Ledger) GetTradeHistory(ctx context.Context, limit int, since time.Time) ([]domain.Order, error) {
	select {
	case <-l.quit:
		return nil, ErrClosed
	default:
	}
	return l.store.ListOrders(ctx, store.OrderFilter{Limit: limit, Since: since})
}

// GetEquityHistory returns the daily snapshots of the last days days, oldest
// first. days <= 0 returns all.
func (l *Ledger) GetEquityHistory(ctx context.Context, days int) ([]domain.EquitySnapshot, error) {
	select {
	case <-l.quit:
		return nil, ErrClosed
	default:
	}
	since := ""
	if days > 0 {
		since = l.now().In(l.loc).AddDate(0, 0, -days).Format(domain.DateLayout)
	}
	return l.store.ListEquitySnapshots(ctx, since)
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// ExecuteOrder is the sole entry point that moves cash. Business-rule
// violations come back as Result{Accepted: false}; the error return is
// reserved for persistence failures, ErrClosed and context cancellation.
func (l *Ledger) ExecuteOrder(ctx context.Context, req OrderRequest) (Result, error) {
	req.Ticker = normalize(req.Ticker)
	if err := validate(req); err != nil {
		l.log.Warn("order rejected", "ticker", req.Ticker, "action", req.Action, "reason", err)
		return Result{Reason: err}, nil
	}

	var (
		res   Result
		opErr error
	)
	err := l.do(ctx, func(s *state) {
		res, opErr = l.execute(ctx, s, req)
	})
	if err != nil {
		return Result{}, err
	}
	if opErr != nil {
		l.log.Error("order not persisted", "ticker", req.Ticker, "action", req.Action, "error", opErr)
		return Result{}, opErr
	}
	if !res.Accepted {
		l.log.Warn("order rejected", "ticker", req.Ticker, "action", req.Action,
			"quantity", req.Quantity, "price", req.Price.String(), "reason", res.Reason)
		return res, nil
	}
	l.log.Info("order executed",
		"id", res.Order.ID,
		"seq", res.Order.Seq,
		"ticker", res.Order.Ticker,
		"action", res.Order.Action,
		"quantity", res.Order.Quantity,
		"price", res.Order.Price.String(),
		"strategy", res.Order.StrategyName,
	)
	return res, nil
}

// execute runs on the owner goroutine.
func (l *Ledger) execute(ctx context.Context, s *state, req OrderRequest) (Result, error) {
	qty := decimal.NewFromInt(req.Quantity)
	notional := req.Price.Mul(qty)
	now := l.now().UTC()

	held, hasPosition := s.positions[req.Ticker]
	commit := store.Commit{
		Order: domain.Order{
			ID:           uuid.NewString(),
			Ticker:       req.Ticker,
			Action:       req.Action,
			Quantity:     req.Quantity,
			Price:        req.Price,
			StrategyName: req.StrategyName,
			Reason:       req.Reason,
			Timestamp:    now,
		},
	}

	switch req.Action {
	case domain.ActionBuy:
		if notional.GreaterThan(s.account.Cash) {
			return Result{Reason: fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash,
				notional.StringFixed(2), s.account.Cash.StringFixed(2))}, nil
		}
		commit.Cash = s.account.Cash.Sub(notional)

		next := held
		if !hasPosition {
			next = domain.Position{
				Ticker:       req.Ticker,
				Quantity:     req.Quantity,
				AvgPrice:     req.Price,
				EntryPrice:   req.Price,
				EntryDate:    now,
				HighestPrice: req.Price,
			}
		} else {
			oldQty := decimal.NewFromInt(held.Quantity)
			newQty := oldQty.Add(qty)
			next.AvgPrice = held.AvgPrice.Mul(oldQty).Add(notional).Div(newQty)
			next.Quantity = held.Quantity + req.Quantity
			if req.Price.GreaterThan(next.HighestPrice) {
				next.HighestPrice = req.Price
			}
		}
		next.CurrentPrice = req.Price
		if req.StopPrice.IsPositive() {
			next.StopPrice = req.StopPrice
		}
		commit.Position = &next

	case domain.ActionSell:
		if req.Quantity > held.Quantity {
			return Result{Reason: fmt.Errorf("%w: selling %d, holding %d", ErrOversell,
				req.Quantity, held.Quantity)}, nil
		}
		commit.Cash = s.account.Cash.Add(notional)

		if remaining := held.Quantity - req.Quantity; remaining == 0 {
			commit.DeleteTicker = req.Ticker
		} else {
			next := held
			next.Quantity = remaining
			next.CurrentPrice = req.Price
			commit.Position = &next
		}
	}

	seq, err := l.store.CommitOrder(ctx, commit)
	if err != nil {
		return Result{}, &PersistenceError{Op: "order", Err: err}
	}

	s.account.Cash = commit.Cash
	if commit.Position != nil {
		s.positions[req.Ticker] = *commit.Position
	}
	if commit.DeleteTicker != "" {
		delete(s.positions, commit.DeleteTicker)
	}
	commit.Order.Seq = seq
	return Result{Accepted: true, Order: commit.Order}, nil
}

// UpdateMarks records the last observed price for held tickers and raises
// each position's high-water mark. Cash is never touched.
func (l *Ledger) UpdateMarks(ctx context.Context, prices map[string]decimal.Decimal) error {
	var opErr error
	err := l.do(ctx, func(s *state) {
		var changed []domain.Position
		for t, px := range prices {
			p, ok := s.positions[normalize(t)]
			if !ok || !px.IsPositive() {
				continue
			}
			p.CurrentPrice = px
			if px.GreaterThan(p.HighestPrice) {
				p.HighestPrice = px
			}
			changed = append(changed, p)
		}
		if len(changed) == 0 {
			return
		}
		if err := l.store.UpdateMarks(ctx, changed); err != nil {
			opErr = &PersistenceError{Op: "marks", Err: err}
			return
		}
		for _, p := range changed {
			s.positions[p.Ticker] = p
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// RecalculateBalance replays the whole order log from the initial capital in
// append order and overwrites the stored balance with the result.
func (l *Ledger) RecalculateBalance(ctx context.Context) (RecalcReport, error) {
	var (
		report RecalcReport
		opErr  error
	)
	err := l.do(ctx, func(s *state) {
		report, opErr = l.recalculate(ctx, s)
	})
	if err != nil {
		return RecalcReport{}, err
	}
	if opErr != nil {
		return RecalcReport{}, opErr
	}
	if report.Corrected {
		l.log.Warn("balance drift corrected",
			"stored", report.Stored.String(),
			"recomputed", report.Recomputed.String(),
			"drift", report.Drift.String(),
		)
	}
	if len(report.PositionMismatches) > 0 {
		l.log.Warn("positions disagree with order log", "tickers", report.PositionMismatches)
	}
	return report, nil
}

func (l *Ledger) recalculate(ctx context.Context, s *state) (RecalcReport, error) {
	account, err := l.store.LoadAccount(ctx)
	if err != nil {
		return RecalcReport{}, fmt.Errorf("loading account: %w", err)
	}
	orders, err := l.store.ListOrders(ctx, store.OrderFilter{Ascending: true})
	if err != nil {
		return RecalcReport{}, fmt.Errorf("reading order log: %w", err)
	}

	cash, net := Replay(account.InitialCapital, orders)
	report := RecalcReport{
		Stored:     account.Cash,
		Recomputed: cash,
		Drift:      account.Cash.Sub(cash),
		Orders:     len(orders),
	}

	for t, q := range net {
		if s.positions[t].Quantity != q {
			report.PositionMismatches = append(report.PositionMismatches, t)
		}
	}
	for t := range s.positions {
		if _, ok := net[t]; !ok {
			report.PositionMismatches = append(report.PositionMismatches, t)
		}
	}
	sort.Strings(report.PositionMismatches)

	if !report.Drift.IsZero() {
		if err := l.store.SetCash(ctx, cash); err != nil {
			return RecalcReport{}, &PersistenceError{Op: "balance", Err: err}
		}
		report.Corrected = true
	}
	s.account.InitialCapital = account.InitialCapital
	s.account.Cash = cash
	return report, nil
}

// Replay folds orders (in append order) over initialCapital. It returns the
// resulting cash and the net open quantity per ticker; tickers netting to
// zero are omitted.
func Replay(initialCapital decimal.Decimal, orders []domain.Order) (decimal.Decimal, map[string]int64) {
	cash := initialCapital
	net := make(map[string]int64)
	for _, o := range orders {
		switch o.Action {
		case domain.ActionBuy:
			cash = cash.Sub(o.Notional())
			net[o.Ticker] += o.Quantity
		case domain.ActionSell:
			cash = cash.Add(o.Notional())
			net[o.Ticker] -= o.Quantity
		}
	}
	for t, q := range net {
		if q == 0 {
			delete(net, t)
		}
	}
	return cash, net
}

// UpdateDailyEquity upserts today's equity snapshot and returns it.
func (l *Ledger) UpdateDailyEquity(ctx context.Context) (domain.EquitySnapshot, error) {
	summary, err := l.GetCurrentBalanceSummary(ctx)
	if err != nil {
		return domain.EquitySnapshot{}, err
	}
	snap := domain.EquitySnapshot{
		Date:        l.today(),
		TotalEquity: summary.TotalEquity,
		Cash:        summary.Cash,
		Invested:    summary.InvestedAmount,
	}
	if err := l.store.UpsertEquitySnapshot(ctx, snap); err != nil {
		return domain.EquitySnapshot{}, &PersistenceError{Op: "equity snapshot", Err: err}
	}
	l.log.Info("equity snapshot", "date", snap.Date, "total_equity", snap.TotalEquity.StringFixed(2))
	return snap, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (l *Ledger) today() string {
	return l.now().In(l.loc).Format(domain.DateLayout)
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

func validate(req OrderRequest) error {
	switch {
	case req.Ticker == "":
		return fmt.Errorf("%w: empty ticker", ErrInvalidOrder)
	case !req.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrInvalidOrder, req.Action)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d must be positive", ErrInvalidOrder, req.Quantity)
	case !req.Price.IsPositive():
		return fmt.Errorf("%w: price %s must be positive", ErrInvalidOrder, req.Price)
	case req.StopPrice.IsNegative():
		return fmt.Errorf("%w: negative stop price", ErrInvalidOrder)
	}
	return nil
}
