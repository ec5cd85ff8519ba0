package builtins

import (
	"context"
	"math"

	"papertrader/internal/domain"
	"papertrader/internal/indicators"
	"papertrader/internal/strategy"
)

var _ strategy.Strategy = (*RSIReversion)(nil)

// RSIReversion buys oversold and sells overbought names.
type RSIReversion struct {
	period     int
	oversold   float64
	overbought float64
}

// NewRSIReversion creates the strategy with Wilder period and RSI bounds.
func NewRSIReversion(period int, oversold, overbought float64) *RSIReversion {
	return &RSIReversion{period: period, oversold: oversold, overbought: overbought}
}

func (s *RSIReversion) Name() string { return "rsi-reversion" }

func (s *RSIReversion) Analyze(ctx context.Context, series domain.Series) (strategy.Signal, error) {
	if err := ctx.Err(); err != nil {
		return strategy.Hold(), err
	}
	if len(series) <= s.period {
		return strategy.Hold(), nil
	}
	rsi := indicators.Last(indicators.RSI(series.Closes(), s.period))
	switch {
	case math.IsNaN(rsi):
		return strategy.Hold(), nil
	case rsi < s.oversold:
		return strategy.Buy((s.oversold - rsi) / s.oversold), nil
	case rsi > s.overbought:
		return strategy.Sell((rsi - s.overbought) / (100 - s.overbought)), nil
	default:
		return strategy.Hold(), nil
	}
}

// Register installs every built-in strategy with its default parameters.
func Register(r *strategy.Registry) {
	r.Register(NewSMACross(20, 50))
	r.Register(NewRSIReversion(14, 30, 70))
}
