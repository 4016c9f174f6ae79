package indicators

import "math"

// ADXResult holds ADX and the directional indicators, aligned with the input.
type ADXResult struct {
	ADX     []float64
	PlusDI  []float64
	MinusDI []float64
}

// ADX computes the average directional index and +DI/-DI.
//
// ATR is Wilder-smoothed true range and is undefined for the first period-1 bars,
// so the DI and DX series are NaN there too. A bar's +DM counts only when the up
// move is positive and strictly greater than the down move (and vice versa).
func ADX(high, low, close []float64, period int) ADXResult {
	n := len(close)
	if len(high) < n {
		n = len(high)
	}
	if len(low) < n {
		n = len(low)
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 0; i < n; i++ {
		if i == 0 {
			tr[i] = high[i] - low[i]
			continue
		}
		prevClose := close[i-1]
		tr[i] = math.Max(high[i]-low[i], math.Max(math.Abs(high[i]-prevClose), math.Abs(low[i]-prevClose)))

		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	atr := maskWarmup(Wilder(tr, period), period)
	plusSmooth := Wilder(plusDM, period)
	minusSmooth := Wilder(minusDM, period)

	plusDI := make([]float64, n)
	minusDI := make([]float64, n)
	dx := make([]float64, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(atr[i]) || atr[i] == 0 {
			plusDI[i], minusDI[i], dx[i] = math.NaN(), math.NaN(), math.NaN()
			continue
		}
		plusDI[i] = 100 * plusSmooth[i] / atr[i]
		minusDI[i] = 100 * minusSmooth[i] / atr[i]
		sum := plusDI[i] + minusDI[i]
		if sum == 0 {
			dx[i] = math.NaN()
			continue
		}
		dx[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / sum
	}

	return ADXResult{
		ADX:     Wilder(dx, period),
		PlusDI:  plusDI,
		MinusDI: minusDI,
	}
}
