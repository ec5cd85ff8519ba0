package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"papertrader/internal/domain"
	"papertrader/internal/indicators"
	"papertrader/internal/store"
)

// BacktestParams mirrors the orchestrator's entry and exit rules.
type BacktestParams struct {
	InitialCapital    float64
	LotSize           int64
	MaxBudgetPerTrade float64
	StopLossPct       float64
	TakeProfitPct     float64
}

// BacktestResult holds the summary metrics produced by a backtest run.
type BacktestResult struct {
	Strategy     string    `json:"strategy"`
	Days         int       `json:"days"`
	FinalEquity  float64   `json:"final_equity"`
	TotalReturn  float64   `json:"total_return"`
	SharpeRatio  float64   `json:"sharpe_ratio"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	TotalTrades  int       `json:"total_trades"`
	WinRate      float64   `json:"win_rate"`
	ProfitFactor float64   `json:"profit_factor"` // 0 when there are no losing trades
	Equity       []float64 `json:"-"`
}

// Backtester replays historical bar data through a strategy and computes
// performance metrics.
type Backtester struct {
	store    store.BarStore
	registry *Registry
}

// NewBacktester creates a Backtester that reads bars from the given store and
// looks up strategies in the provided registry.
func NewBacktester(barStore store.BarStore, registry *Registry) *Backtester {
	return &Backtester{
		store:    barStore,
		registry: registry,
	}
}

type simPosition struct {
	qty   int64
	entry float64
}

// Run replays daily bars for symbols in [start, end] through the named
// strategy. Each day, held names are checked against the stop-loss and
// take-profit thresholds (and a strategy Sell) before new lots are bought on
// Buy signals, sharing one cash balance.
func (bt *Backtester) Run(ctx context.Context, name string, symbols []string, start, end time.Time, p BacktestParams) (*BacktestResult, error) {
	s, err := bt.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	bars := make(map[string]domain.Series, len(symbols))
	daySet := make(map[int64]time.Time)
	for _, sym := range symbols {
		b, err := bt.store.ReadBars(ctx, sym, start, end)
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s: %w", sym, err)
		}
		if len(b) == 0 {
			continue
		}
		bars[sym] = b
		for _, bar := range b {
			daySet[bar.Timestamp.UnixMilli()] = bar.Timestamp
		}
	}
	if len(daySet) == 0 {
		return nil, fmt.Errorf("no bars for %v in range", symbols)
	}
	days := make([]time.Time, 0, len(daySet))
	for _, d := range daySet {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var (
		cash      = p.InitialCapital
		held      = make(map[string]simPosition)
		cursor    = make(map[string]int)
		equity    = make([]float64, 0, len(days))
		wins      int
		trades    int
		grossWin  float64
		grossLoss float64
	)
	closeTrade := func(sym string, px float64) {
		pos := held[sym]
		pnl := (px - pos.entry) * float64(pos.qty)
		cash += px * float64(pos.qty)
		trades++
		if pnl > 0 {
			wins++
			grossWin += pnl
		} else {
			grossLoss -= pnl
		}
		delete(held, sym)
	}

	sorted := make([]string, 0, len(bars))
	for sym := range bars {
		sorted = append(sorted, sym)
	}
	sort.Strings(sorted)

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, sym := range sorted {
			series := bars[sym]
			i := cursor[sym]
			for i < len(series) && !series[i].Timestamp.After(day) {
				i++
			}
			cursor[sym] = i
			if i == 0 || !series[i-1].Timestamp.Equal(day) {
				continue
			}
			px := series[i-1].Close
			sig, err := s.Analyze(ctx, series[:i])
			if err != nil {
				continue
			}

			if pos, ok := held[sym]; ok {
				pnl := (px - pos.entry) / pos.entry
				if pnl <= -p.StopLossPct || pnl >= p.TakeProfitPct || sig.IsSell() {
					closeTrade(sym, px)
				}
				continue
			}
			cost := px * float64(p.LotSize)
			if sig.IsBuy() && cost <= p.MaxBudgetPerTrade && cost <= cash {
				cash -= cost
				held[sym] = simPosition{qty: p.LotSize, entry: px}
			}
		}

		mark := cash
		for sym, pos := range held {
			mark += lastClose(bars[sym], cursor[sym]) * float64(pos.qty)
		}
		equity = append(equity, mark)
	}

	res := &BacktestResult{
		Strategy:    name,
		Days:        len(days),
		FinalEquity: equity[len(equity)-1],
		TotalTrades: trades,
		Equity:      equity,
	}
	if p.InitialCapital > 0 {
		res.TotalReturn = res.FinalEquity/p.InitialCapital - 1
	}
	res.MaxDrawdown = maxDrawdown(equity)
	res.SharpeRatio = sharpe(equity)
	if trades > 0 {
		res.WinRate = float64(wins) / float64(trades)
	}
	if grossLoss > 0 {
		res.ProfitFactor = grossWin / grossLoss
	}
	return res, nil
}

// lastClose returns the close of the bar just before cursor i.
func lastClose(s domain.Series, i int) float64 {
	if i == 0 {
		return 0
	}
	return s[i-1].Close
}

// maxDrawdown is the largest peak-to-trough decline as a fraction of the peak.
func maxDrawdown(equity []float64) float64 {
	var peak, worst float64
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpe annualises the mean/std ratio of daily equity returns.
func sharpe(equity []float64) float64 {
	rets := indicators.Returns(equity)
	if len(rets) < 2 {
		return 0
	}
	_, std := indicators.MeanStd(rets, len(rets))
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	sd := indicators.Last(std)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return mean / sd * math.Sqrt(indicators.TradingDaysPerYear)
}
