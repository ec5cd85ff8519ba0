package engine

import (
	"math"
	"sync"
	"time"

	"papertrader/internal/domain"
	"papertrader/internal/indicators"
	"papertrader/internal/regime"
)

const (
	minVolFactor = 0.5
	maxVolFactor = 2.0

	// maxParamHistory bounds the audit log kept by DynamicRiskManager.
	maxParamHistory = 1000
)

// DynamicRiskManager derives live risk parameters from a regime's base
// profile and the current volatility. It keeps a bounded history of every
// parameter set it produced.
type DynamicRiskManager struct {
	now func() time.Time

	mu      sync.Mutex
	history []regime.RiskParameterSet
}

// NewDynamicRiskManager creates a DynamicRiskManager with an empty history.
func NewDynamicRiskManager() *DynamicRiskManager {
	return &DynamicRiskManager{now: time.Now}
}

// AdjustForVolatility returns currentATR/historicalATR clipped to [0.5, 2].
// A zero (or unusable) historical ATR yields 1.
func (m *DynamicRiskManager) AdjustForVolatility(currentATR, historicalATR float64) float64 {
	if historicalATR == 0 || math.IsNaN(historicalATR) || math.IsNaN(currentATR) {
		return 1
	}
	return math.Min(maxVolFactor, math.Max(minVolFactor, currentATR/historicalATR))
}

// VolatilityFactor computes the ATR factor for series: the latest ATR(period)
// against the mean of the last history ATR values.
func (m *DynamicRiskManager) VolatilityFactor(series domain.Series, period, history int) float64 {
	atr := indicators.ATR(series.Highs(), series.Lows(), series.Closes(), period)
	hist, ok := indicators.MeanFinite(atr, history)
	if !ok {
		return 1
	}
	return m.AdjustForVolatility(indicators.Last(atr), hist)
}

// UpdateParameters scales base by factor: stops and targets widen with
// volatility while the size multiplier shrinks. The result is appended to
// the history.
func (m *DynamicRiskManager) UpdateParameters(r regime.Regime, base regime.RiskParameterSet, factor float64) regime.RiskParameterSet {
	if factor <= 0 || math.IsNaN(factor) {
		factor = 1
	}
	p := base
	p.Regime = r
	p.StopLossPct = base.StopLossPct * factor
	p.TakeProfitPct = base.TakeProfitPct * factor
	p.PositionSizeMultiplier = base.PositionSizeMultiplier / factor
	p.VolatilityAdjustment = factor
	p.Timestamp = m.now()

	m.mu.Lock()
	m.history = append(m.history, p)
	if over := len(m.history) - maxParamHistory; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.mu.Unlock()
	return p
}

// PositionSize sizes an entry to the dollar risk balance*riskPerTrade scaled
// by the regime multiplier. With a stop price the risk is the distance to the
// stop; without one (stopPrice <= 0 or equal to price) the amount is simply
// divided by price.
func (m *DynamicRiskManager) PositionSize(balance, riskPerTrade, currentPrice, stopPrice, regimeMultiplier float64) float64 {
	if currentPrice <= 0 {
		return 0
	}
	adjusted := balance * riskPerTrade * regimeMultiplier
	if stopPrice > 0 {
		if dist := math.Abs(currentPrice - stopPrice); dist > 0 {
			return adjusted / dist
		}
	}
	return adjusted / currentPrice
}

// History returns the produced parameter sets, oldest first.
func (m *DynamicRiskManager) History() []regime.RiskParameterSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]regime.RiskParameterSet(nil), m.history...)
}
