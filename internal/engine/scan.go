package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"papertrader/internal/market"
	"papertrader/internal/strategy"
)

// candidate is a ticker whose analysis returned Buy.
type candidate struct {
	ticker string
	signal strategy.Signal
}

// scan analyzes tickers on a pool of t.cfg.Workers goroutines and returns the
// buy candidates in completion order. Per-ticker failures are logged and
// count as no signal. Once a stop is requested, queued tickers are skipped;
// in-flight analyses run to completion.
func (t *AutoTrader) scan(ctx context.Context, stop <-chan struct{}, tickers []string) []candidate {
	if len(tickers) == 0 {
		return nil
	}

	jobs := make(chan string, len(tickers))
	for _, tk := range tickers {
		jobs <- tk
	}
	close(jobs)

	var (
		wg       sync.WaitGroup
		results  = make(chan candidate, len(tickers))
		analyzed atomic.Int64
		failed   atomic.Int64
		start    = time.Now()
	)

	workers := min(max(t.cfg.Workers, 1), len(tickers))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tk := range jobs {
				if ctx.Err() != nil || stopped(stop) {
					return
				}
				sig, err := t.analyze(ctx, tk)
				analyzed.Add(1)
				if err != nil {
					failed.Add(1)
					if errors.Is(err, market.ErrNoData) {
						t.log.Debug("no data, skipping", "ticker", tk)
					} else {
						t.log.Warn("analysis failed", "ticker", tk, "error", err)
					}
					continue
				}
				t.log.Debug("analyzed", "ticker", tk, "signal", sig.String())
				if sig.IsBuy() {
					results <- candidate{ticker: tk, signal: sig}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []candidate
	for c := range results {
		out = append(out, c)
	}

	t.log.Info("scan complete",
		"candidates", len(tickers),
		"analyzed", analyzed.Load(),
		"failed", failed.Load(),
		"buys", len(out),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out
}

// analyze fetches one ticker's series and runs the strategy on it. A panic in
// the strategy is turned into an error.
func (t *AutoTrader) analyze(ctx context.Context, ticker string) (sig strategy.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()

	series, err := t.market.FetchSeries(ctx, []string{ticker}, t.cfg.PeriodDays)
	if err != nil {
		return strategy.Hold(), err
	}
	s := series[strings.ToUpper(ticker)]
	if len(s) == 0 {
		return strategy.Hold(), market.NoDataError(ticker)
	}
	return t.strategy.Analyze(ctx, s)
}
