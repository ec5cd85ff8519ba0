// Package market provides price history and latest prices to the ledger and
// the orchestrator. Missing data is reported as ErrNoData and is never fatal
// to a caller.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
)

// ErrNoData marks a ticker for which no price or history is available.
var ErrNoData = errors.New("market: no data")

// PriceSource resolves the latest traded price for a ticker.
type PriceSource interface {
	LatestPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// Provider is the market-data capability consumed by the orchestrator.
type Provider interface {
	PriceSource

	// FetchSeries returns daily bars covering the last periodDays calendar
	// days for each ticker. Tickers without data are absent from the map.
	FetchSeries(ctx context.Context, tickers []string, periodDays int) (map[string]domain.Series, error)
}

// NoDataError wraps ErrNoData with the ticker it applies to.
func NoDataError(ticker string) error {
	return fmt.Errorf("%s: %w", ticker, ErrNoData)
}

// ---------------------------------------------------------------------------
// StaticProvider
// ---------------------------------------------------------------------------

var _ Provider = (*StaticProvider)(nil)

// StaticProvider serves in-memory series and prices. It backs offline runs
// and tests.
type StaticProvider struct {
	mu     sync.RWMutex
	series map[string]domain.Series
	prices map[string]decimal.Decimal
	fail   map[string]error
}

// NewStaticProvider creates an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		series: make(map[string]domain.Series),
		prices: make(map[string]decimal.Decimal),
		fail:   make(map[string]error),
	}
}

// SetSeries installs the bar history for ticker.
func (p *StaticProvider) SetSeries(ticker string, s domain.Series) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.series[strings.ToUpper(ticker)] = s
}

// SetPrice installs the latest price for ticker.
func (p *StaticProvider) SetPrice(ticker string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(ticker)] = price
}

// SetError makes every request touching ticker fail with err. A nil err
// clears it.
func (p *StaticProvider) SetError(ticker string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, strings.ToUpper(ticker))
		return
	}
	p.fail[strings.ToUpper(ticker)] = err
}

// LatestPrice returns the installed price, else the last close of the
// installed series.
func (p *StaticProvider) LatestPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	ticker = strings.ToUpper(ticker)
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.fail[ticker]; err != nil {
		return decimal.Zero, err
	}
	if px, ok := p.prices[ticker]; ok {
		return px, nil
	}
	if last, ok := p.series[ticker].Last(); ok {
		return decimal.NewFromFloat(last.Close), nil
	}
	return decimal.Zero, NoDataError(ticker)
}

// FetchSeries returns copies of the installed series. periodDays trims to the
// most recent bars by count.
func (p *StaticProvider) FetchSeries(ctx context.Context, tickers []string, periodDays int) (map[string]domain.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]domain.Series, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(t)
		if err := p.fail[t]; err != nil {
			return nil, err
		}
		s, ok := p.series[t]
		if !ok || len(s) == 0 {
			continue
		}
		if periodDays > 0 && len(s) > periodDays {
			s = s[len(s)-periodDays:]
		}
		out[t] = append(domain.Series(nil), s...)
	}
	return out, nil
}
