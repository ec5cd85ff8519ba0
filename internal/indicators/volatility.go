package indicators

import "math"

// TradingDaysPerYear annualises daily volatility.
const TradingDaysPerYear = 252

// Returns computes simple close-to-close returns. The result has len(x)-1
// elements.
func Returns(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	out := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		if x[i-1] == 0 {
			out[i-1] = 0
			continue
		}
		out[i-1] = x[i]/x[i-1] - 1
	}
	return out
}

// AnnualizedVolatility is the sample standard deviation of the last window
// returns scaled by sqrt(252). ok is false when fewer than window+1 closes
// are available.
func AnnualizedVolatility(closes []float64, window int) (vol float64, ok bool) {
	rets := Returns(closes)
	if window < 2 || len(rets) < window {
		return 0, false
	}
	rets = rets[len(rets)-window:]

	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	var ss float64
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(rets)-1))
	return std * math.Sqrt(TradingDaysPerYear), true
}

// TrueRange returns the per-bar true range. The first element is high-low.
func TrueRange(high, low, close []float64) []float64 {
	n := minLen(high, low, close)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		tr := high[i] - low[i]
		if i > 0 {
			tr = math.Max(tr, math.Abs(high[i]-close[i-1]))
			tr = math.Max(tr, math.Abs(low[i]-close[i-1]))
		}
		out[i] = tr
	}
	return out
}

// ATR is Wilder's average true range over period p.
func ATR(high, low, close []float64, p int) []float64 {
	if p <= 0 {
		return nil
	}
	tr := TrueRange(high, low, close)
	n := len(tr)
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= p {
		return out
	}
	var seed float64
	for i := 1; i <= p; i++ {
		seed += tr[i]
	}
	out[p] = seed / float64(p)
	for i := p + 1; i < n; i++ {
		out[i] = (out[i-1]*float64(p-1) + tr[i]) / float64(p)
	}
	return out
}

// MeanFinite averages the last n finite values of x. ok is false when none
// are finite.
func MeanFinite(x []float64, n int) (float64, bool) {
	var sum float64
	var count int
	for i := len(x) - 1; i >= 0 && count < n; i-- {
		if math.IsNaN(x[i]) || math.IsInf(x[i], 0) {
			continue
		}
		sum += x[i]
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

func minLen(xs ...[]float64) int {
	n := math.MaxInt
	for _, x := range xs {
		if len(x) < n {
			n = len(x)
		}
	}
	if n == math.MaxInt {
		return 0
	}
	return n
}
