// Package regime classifies recent price history into a market regime and
// maps each regime to a base risk profile.
package regime

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"papertrader/internal/config"
	"papertrader/internal/domain"
	"papertrader/internal/indicators"
)

// Trend is the direction component of a regime.
type Trend string

const (
	TrendUp      Trend = "up"
	TrendDown    Trend = "down"
	TrendRanging Trend = "ranging"
)

// Volatility is the dispersion component of a regime.
type Volatility string

const (
	VolLow    Volatility = "low"
	VolNormal Volatility = "normal"
	VolHigh   Volatility = "high"
)

// Regime is the classified market state.
type Regime string

const (
	Crash          Regime = "CRASH"
	HighVolatility Regime = "high_volatility"
	LowVolatility  Regime = "low_volatility"
	TrendingUp     Regime = "trending_up"
	TrendingDown   Regime = "trending_down"
	Ranging        Regime = "ranging"
)

// All lists every regime in display order.
var All = []Regime{Crash, HighVolatility, LowVolatility, TrendingUp, TrendingDown, Ranging}

// RiskParameterSet is the risk profile applied while a regime holds.
type RiskParameterSet struct {
	Regime                 Regime    `json:"regime"`
	StrategyTag            string    `json:"strategy_tag"`
	StopLossPct            float64   `json:"stop_loss_pct"`
	TakeProfitPct          float64   `json:"take_profit_pct"`
	PositionSizeMultiplier float64   `json:"position_size_multiplier"`
	VolatilityAdjustment   float64   `json:"volatility_adjustment"`
	Timestamp              time.Time `json:"timestamp,omitempty"`
}

// AllowsEntries reports whether new positions may be opened.
func (p RiskParameterSet) AllowsEntries() bool {
	return p.PositionSizeMultiplier > 0
}

var profiles = map[Regime]RiskParameterSet{
	TrendingUp:     {StrategyTag: "trend_following", StopLossPct: 0.05, TakeProfitPct: 0.15, PositionSizeMultiplier: 1.0},
	TrendingDown:   {StrategyTag: "defensive", StopLossPct: 0.03, TakeProfitPct: 0.06, PositionSizeMultiplier: 0.5},
	Ranging:        {StrategyTag: "mean_reversion", StopLossPct: 0.04, TakeProfitPct: 0.08, PositionSizeMultiplier: 0.8},
	HighVolatility: {StrategyTag: "volatility_breakout", StopLossPct: 0.08, TakeProfitPct: 0.12, PositionSizeMultiplier: 0.5},
	LowVolatility:  {StrategyTag: "momentum", StopLossPct: 0.03, TakeProfitPct: 0.08, PositionSizeMultiplier: 1.2},
	Crash:          {StrategyTag: "cash"},
}

// Profile returns the base risk profile of r. Unknown regimes get the
// ranging profile.
func Profile(r Regime) RiskParameterSet {
	p, ok := profiles[r]
	if !ok {
		p = profiles[Ranging]
	}
	p.Regime = r
	p.VolatilityAdjustment = 1
	return p
}

// Classify applies the regime rule. CRASH takes precedence over everything.
func Classify(t Trend, v Volatility) Regime {
	switch {
	case v == VolHigh && t == TrendDown:
		return Crash
	case v == VolHigh:
		return HighVolatility
	case v == VolLow:
		return LowVolatility
	case t == TrendUp:
		return TrendingUp
	case t == TrendDown:
		return TrendingDown
	default:
		return Ranging
	}
}

// Observation is one entry of the detection history.
type Observation struct {
	Timestamp  time.Time  `json:"timestamp"`
	Regime     Regime     `json:"regime"`
	Trend      Trend      `json:"trend"`
	Volatility Volatility `json:"volatility"`
	VolValue   float64    `json:"vol_value"`
}

// Stats aggregates the observation history.
type Stats struct {
	Total       int                `json:"total"`
	Counts      map[Regime]int     `json:"counts"`
	Percentages map[Regime]float64 `json:"percentages"`
	MostCommon  Regime             `json:"most_common,omitempty"`
}

// TrendMargin is the relative gap between the short and long averages below
// which the market counts as ranging.
const TrendMargin = 0.01

// adxPeriod drives the trend-strength confidence.
const adxPeriod = 14

// MaxHistory bounds the observation log kept by a Detector.
const MaxHistory = 1000

// Detector is the stateful regime classifier. Safe for concurrent use.
type Detector struct {
	window       int
	highVol      float64
	lowVol       float64
	vixThreshold float64
	now          func() time.Time
	log          *slog.Logger

	mu      sync.RWMutex
	current Regime
	history []Observation
}

// New creates a Detector from the regime config section.
func New(cfg config.RegimeConfig, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		window:       cfg.Window,
		highVol:      cfg.HighVol,
		lowVol:       cfg.LowVol,
		vixThreshold: cfg.VIXThreshold,
		now:          time.Now,
		log:          log.With("component", "regime"),
		current:      Ranging,
	}
}

// Trend compares SMA(W) against SMA(2W) of the closes.
func (d *Detector) Trend(closes []float64) Trend {
	if d.window <= 0 || len(closes) < 2*d.window {
		return TrendRanging
	}
	short := indicators.Last(indicators.SMA(closes, d.window))
	long := indicators.Last(indicators.SMA(closes, 2*d.window))
	if math.IsNaN(short) || math.IsNaN(long) || long == 0 {
		return TrendRanging
	}
	gap := (short - long) / long
	switch {
	case gap > TrendMargin:
		return TrendUp
	case gap < -TrendMargin:
		return TrendDown
	default:
		return TrendRanging
	}
}

// Volatility buckets either the supplied volatility index (vix > 0, in index
// points) or the annualised standard deviation of recent returns. The second
// return value is the measured annualised volatility as a fraction.
func (d *Detector) Volatility(closes []float64, vix float64) (Volatility, float64) {
	if vix > 0 {
		v := vix / 100
		switch {
		case vix > d.vixThreshold:
			return VolHigh, v
		case v < d.lowVol:
			return VolLow, v
		default:
			return VolNormal, v
		}
	}

	v, ok := indicators.AnnualizedVolatility(closes, d.window)
	if !ok {
		return VolNormal, 0
	}
	switch {
	case v > d.highVol:
		return VolHigh, v
	case v < d.lowVol:
		return VolLow, v
	default:
		return VolNormal, v
	}
}

// DetectRegime classifies series, records the observation and updates the
// current regime. vix <= 0 means no external volatility index.
func (d *Detector) DetectRegime(series domain.Series, vix float64) Regime {
	closes := series.Closes()
	trend := d.Trend(closes)
	vol, volValue := d.Volatility(closes, vix)
	r := Classify(trend, vol)

	d.mu.Lock()
	prev := d.current
	d.current = r
	d.history = append(d.history, Observation{
		Timestamp:  d.now(),
		Regime:     r,
		Trend:      trend,
		Volatility: vol,
		VolValue:   volValue,
	})
	if over := len(d.history) - MaxHistory; over > 0 {
		d.history = append(d.history[:0:0], d.history[over:]...)
	}
	d.mu.Unlock()

	if prev != r {
		d.log.Info("regime changed", "from", prev, "to", r, "trend", trend, "volatility", vol,
			"vol_value", fmt.Sprintf("%.3f", volValue))
	}
	return r
}

// Current returns the most recently detected regime (ranging before the
// first detection).
func (d *Detector) Current() Regime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// Confidence is an advisory score in [0, 1] for regime r on series.
func (d *Detector) Confidence(series domain.Series, r Regime) float64 {
	closes := series.Closes()
	adx := indicators.Last(indicators.ADX(series.Highs(), series.Lows(), closes, adxPeriod))
	trendStrength := 0.5
	if !math.IsNaN(adx) {
		trendStrength = clamp01(adx / 50)
	}

	_, vol := d.Volatility(closes, 0)
	highConf := 0.5 + 0.5*clamp01((vol-d.highVol)/d.highVol)
	lowConf := 0.5
	if vol > 0 {
		lowConf = 0.5 + 0.5*clamp01((d.lowVol-vol)/d.lowVol)
	}

	switch r {
	case TrendingUp, TrendingDown:
		return trendStrength
	case Ranging:
		return 1 - trendStrength
	case HighVolatility:
		return highConf
	case LowVolatility:
		return lowConf
	case Crash:
		return (trendStrength + highConf) / 2
	default:
		return 0
	}
}

// RecentHistory returns up to n of the newest observations, oldest first.
func (d *Detector) RecentHistory(n int) []Observation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n <= 0 || n > len(d.history) {
		n = len(d.history)
	}
	return append([]Observation(nil), d.history[len(d.history)-n:]...)
}

// Statistics aggregates counts and shares per regime over the retained
// history.
func (d *Detector) Statistics() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Stats{
		Total:       len(d.history),
		Counts:      make(map[Regime]int),
		Percentages: make(map[Regime]float64),
	}
	for _, o := range d.history {
		st.Counts[o.Regime]++
	}
	if st.Total == 0 {
		return st
	}

	regimes := make([]Regime, 0, len(st.Counts))
	for r, c := range st.Counts {
		st.Percentages[r] = 100 * float64(c) / float64(st.Total)
		regimes = append(regimes, r)
	}
	// Ties resolve alphabetically so the answer is stable.
	sort.Slice(regimes, func(i, j int) bool {
		ci, cj := st.Counts[regimes[i]], st.Counts[regimes[j]]
		if ci != cj {
			return ci > cj
		}
		return regimes[i] < regimes[j]
	})
	st.MostCommon = regimes[0]
	return st
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
