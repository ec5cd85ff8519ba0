// Package domain holds the value types shared across the ledger, the
// orchestrator and the outer API surfaces.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-day key used for equity snapshots.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single OHLCV bar.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"trade_count"`
	VWAP       float64   `json:"vwap"`
}

// Series is a time-ordered run of bars for one ticker, oldest first.
type Series []Bar

// Closes returns the closing prices in order.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

// Highs returns the bar highs in order.
func (s Series) Highs() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.High
	}
	return out
}

// Lows returns the bar lows in order.
func (s Series) Lows() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Low
	}
	return out
}

// Last returns the most recent bar. ok is false for an empty series.
func (s Series) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Action is the side of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Valid reports whether a is BUY or SELL.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// Order is an executed entry in the append-only order log.
type Order struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	Ticker       string          `json:"ticker"`
	Action       Action          `json:"action"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	StrategyName string          `json:"strategy_name"`
	Reason       string          `json:"reason"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Notional is quantity * price.
func (o Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// ---------------------------------------------------------------------------
// Positions and account
// ---------------------------------------------------------------------------

// Position is an open holding in one ticker.
type Position struct {
	Ticker       string          `json:"ticker"`
	Quantity     int64           `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	EntryDate    time.Time       `json:"entry_date"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	HighestPrice decimal.Decimal `json:"highest_price"`
}

// CostBasis is quantity * avg_price.
func (p Position) CostBasis() decimal.Decimal {
	return p.AvgPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// PositionView is a position valued at a mark price.
type PositionView struct {
	Position
	MarkPrice        decimal.Decimal `json:"mark_price"`
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct float64         `json:"unrealized_pnl_pct"`
}

// Account is the single cash account of a ledger.
type Account struct {
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Cash           decimal.Decimal `json:"cash"`
}

// EquitySnapshot is the once-per-day equity record.
type EquitySnapshot struct {
	Date        string          `json:"date"`
	TotalEquity decimal.Decimal `json:"total_equity"`
	Cash        decimal.Decimal `json:"cash"`
	Invested    decimal.Decimal `json:"invested"`
}

// BalanceSummary is the composite read view of the account.
type BalanceSummary struct {
	Cash           decimal.Decimal `json:"cash"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	InvestedAmount decimal.Decimal `json:"invested_amount"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
}
