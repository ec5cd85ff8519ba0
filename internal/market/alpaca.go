package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"papertrader/internal/config"
	"papertrader/internal/domain"
	"papertrader/internal/util"
)

// ---------------------------------------------------------------------------
// AlpacaProvider: daily bars and latest trades from the Alpaca data API.
// ---------------------------------------------------------------------------

var _ Provider = (*AlpacaProvider)(nil)

// AlpacaProvider implements Provider over the Alpaca market-data API. All
// requests share one rate limiter so a concurrent scan stays inside quota.
type AlpacaProvider struct {
	client   *marketdata.Client
	feed     string
	limiter  *util.RateLimiter
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider from the alpaca config section.
func NewAlpacaProvider(cfg config.Alpaca) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}

	return &AlpacaProvider{
		client:   marketdata.NewClient(opts),
		feed:     cfg.Feed,
		limiter:  util.NewRateLimiter(cfg.RateLimitPerMin, 10),
		attempts: 3,
		backoff:  500 * time.Millisecond,
		log:      slog.Default().With("component", "alpaca"),
	}
}

// FetchSeries fetches daily bars for all tickers in one multi-symbol call.
func (p *AlpacaProvider) FetchSeries(ctx context.Context, tickers []string, periodDays int) (map[string]domain.Series, error) {
	if len(tickers) == 0 {
		return map[string]domain.Series{}, nil
	}
	start := time.Now().AddDate(0, 0, -periodDays)

	var multi map[string][]marketdata.Bar
	err := util.RetryIf(ctx, p.attempts, p.backoff, retryable, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		multi, err = p.client.GetMultiBars(tickers, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
			Feed:      p.feed,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	out := make(map[string]domain.Series, len(multi))
	for symbol, alpacaBars := range multi {
		if len(alpacaBars) == 0 {
			continue
		}
		symbol = strings.ToUpper(symbol)
		s := make(domain.Series, 0, len(alpacaBars))
		for _, ab := range alpacaBars {
			s = append(s, domain.Bar{
				Symbol:     symbol,
				Timestamp:  ab.Timestamp,
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
		out[symbol] = s
	}
	p.log.Debug("fetched series", "requested", len(tickers), "returned", len(out))
	return out, nil
}

// LatestPrice returns the price of the most recent trade.
func (p *AlpacaProvider) LatestPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	var trade *marketdata.Trade
	err := util.RetryIf(ctx, p.attempts, p.backoff, retryable, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		trade, err = p.client.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{Feed: p.feed})
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("GetLatestTrade %s: %w", ticker, err)
	}
	if trade == nil || trade.Price <= 0 {
		return decimal.Zero, NoDataError(ticker)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// retryable reports whether an API error is worth another attempt.
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrNoData)
}

// ---------------------------------------------------------------------------
// AlpacaCalendar: exchange trading days from the Alpaca trading API.
// ---------------------------------------------------------------------------

var _ util.DayChecker = (*AlpacaCalendar)(nil)

// AlpacaCalendar answers whether a day is an exchange trading day. Calendar
// months are fetched once and cached.
type AlpacaCalendar struct {
	client *alpaca.Client

	mu      sync.Mutex
	fetched map[string]bool // "YYYY-MM" already loaded
	open    map[string]bool // "YYYY-MM-DD" trading days
}

// NewAlpacaCalendar creates a calendar client for the given trading API.
func NewAlpacaCalendar(cfg config.Alpaca) *AlpacaCalendar {
	return &AlpacaCalendar{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		fetched: make(map[string]bool),
		open:    make(map[string]bool),
	}
}

// IsTradingDay reports whether day's calendar date is a session day.
func (c *AlpacaCalendar) IsTradingDay(day time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	month := day.Format("2006-01")
	if !c.fetched[month] {
		first := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
		days, err := c.client.GetCalendar(alpaca.GetCalendarRequest{
			Start: first,
			End:   first.AddDate(0, 1, -1),
		})
		if err != nil {
			return false, fmt.Errorf("GetCalendar: %w", err)
		}
		for _, d := range days {
			c.open[d.Date] = true
		}
		c.fetched[month] = true
	}
	return c.open[day.Format(domain.DateLayout)], nil
}
