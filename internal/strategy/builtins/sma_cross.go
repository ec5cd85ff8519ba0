// Package builtins provides built-in strategy implementations that ship with
// the papertrader platform.
package builtins

import (
	"context"
	"math"

	"papertrader/internal/domain"
	"papertrader/internal/indicators"
	"papertrader/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross is a moving average trend strategy. It buys while the short SMA is
// above the long SMA and price holds above the short SMA, and sells once the
// short SMA drops below the long one.
type SMACross struct {
	shortPeriod int
	longPeriod  int
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(short, long int) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Analyze returns the crossover state on the latest bar. Confidence grows
// with the gap between the averages, saturating at 5%.
func (s *SMACross) Analyze(ctx context.Context, series domain.Series) (strategy.Signal, error) {
	if err := ctx.Err(); err != nil {
		return strategy.Hold(), err
	}
	if len(series) < s.longPeriod {
		return strategy.Hold(), nil
	}

	closes := series.Closes()
	short := indicators.Last(indicators.SMA(closes, s.shortPeriod))
	long := indicators.Last(indicators.SMA(closes, s.longPeriod))
	if math.IsNaN(short) || math.IsNaN(long) || long == 0 {
		return strategy.Hold(), nil
	}

	gap := (short - long) / long
	last := closes[len(closes)-1]
	switch {
	case gap > 0 && last > short:
		return strategy.Buy(gap / 0.05), nil
	case gap < 0:
		return strategy.Sell(-gap / 0.05), nil
	default:
		return strategy.Hold(), nil
	}
}
