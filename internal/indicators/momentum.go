package indicators

import "math"

// ADX is Wilder's average directional index over period p. Values run from 0
// (no trend) to 100.
func ADX(high, low, close []float64, p int) []float64 {
	n := minLen(high, low, close)
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	if p <= 0 || n < 2*p+1 {
		return out
	}

	tr := TrueRange(high, low, close)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder-smoothed sums seeded over bars 1..p.
	var sTR, sPlus, sMinus float64
	for i := 1; i <= p; i++ {
		sTR += tr[i]
		sPlus += plusDM[i]
		sMinus += minusDM[i]
	}

	dx := make([]float64, n)
	dxAt := func(i int) {
		if sTR == 0 {
			dx[i] = 0
			return
		}
		pdi := 100 * sPlus / sTR
		mdi := 100 * sMinus / sTR
		if pdi+mdi == 0 {
			dx[i] = 0
			return
		}
		dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
	}
	dxAt(p)
	for i := p + 1; i < n; i++ {
		sTR = sTR - sTR/float64(p) + tr[i]
		sPlus = sPlus - sPlus/float64(p) + plusDM[i]
		sMinus = sMinus - sMinus/float64(p) + minusDM[i]
		dxAt(i)
	}

	var seed float64
	for i := p; i < 2*p; i++ {
		seed += dx[i]
	}
	out[2*p-1] = seed / float64(p)
	for i := 2 * p; i < n; i++ {
		out[i] = (out[i-1]*float64(p-1) + dx[i]) / float64(p)
	}
	return out
}

// RSI is Wilder's relative strength index over period p.
func RSI(x []float64, p int) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		out[i] = math.NaN()
	}
	if p <= 0 || len(x) <= p {
		return out
	}

	var gain, loss float64
	for i := 1; i <= p; i++ {
		d := x[i] - x[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(p)
	loss /= float64(p)
	out[p] = rsiValue(gain, loss)

	for i := p + 1; i < len(x); i++ {
		d := x[i] - x[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(p-1) + g) / float64(p)
		loss = (loss*float64(p-1) + l) / float64(p)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}
