package market

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
	"papertrader/internal/store"
)

var _ Provider = (*CachedProvider)(nil)

// CachedProvider keeps daily bars in a BarStore and only asks the upstream
// provider for tickers whose cached history is missing or stale. When the
// upstream fails, whatever is cached is served.
type CachedProvider struct {
	upstream Provider
	bars     store.BarStore
	maxAge   time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewCachedProvider wraps upstream with a bar cache. A cached series whose
// newest bar is younger than maxAge is served without an upstream call.
func NewCachedProvider(upstream Provider, bars store.BarStore, maxAge time.Duration) *CachedProvider {
	return &CachedProvider{
		upstream: upstream,
		bars:     bars,
		maxAge:   maxAge,
		now:      time.Now,
		log:      slog.Default().With("component", "bar-cache"),
	}
}

// LatestPrice is always answered by the upstream provider.
func (c *CachedProvider) LatestPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	return c.upstream.LatestPrice(ctx, ticker)
}

// FetchSeries serves fresh tickers from the cache and refreshes the rest.
func (c *CachedProvider) FetchSeries(ctx context.Context, tickers []string, periodDays int) (map[string]domain.Series, error) {
	end := c.now()
	start := end.AddDate(0, 0, -periodDays)

	out := make(map[string]domain.Series, len(tickers))
	var stale []string
	for _, t := range tickers {
		t = strings.ToUpper(t)
		cached, err := c.bars.ReadBars(ctx, t, start, end)
		if err != nil {
			c.log.Warn("cache read failed", "ticker", t, "error", err)
		}
		s := domain.Series(cached)
		if last, ok := s.Last(); ok && end.Sub(last.Timestamp) < c.maxAge {
			out[t] = s
			continue
		}
		if len(s) > 0 {
			out[t] = s
		}
		stale = append(stale, t)
	}
	if len(stale) == 0 {
		return out, nil
	}

	fresh, err := c.upstream.FetchSeries(ctx, stale, periodDays)
	if err != nil {
		if len(out) == 0 {
			return nil, err
		}
		c.log.Warn("upstream fetch failed, serving cache", "tickers", len(stale), "error", err)
		return out, nil
	}

	var toWrite []domain.Bar
	for t, s := range fresh {
		out[strings.ToUpper(t)] = s
		toWrite = append(toWrite, s...)
	}
	if len(toWrite) > 0 {
		if err := c.bars.WriteBars(ctx, toWrite); err != nil {
			c.log.Warn("cache write failed", "error", err)
		}
	}
	return out, nil
}
