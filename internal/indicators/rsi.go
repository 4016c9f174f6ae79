package indicators

import "math"

// RSI computes the relative strength index with Wilder smoothing of the clipped
// gains and losses. The first value is NaN because it has no prior close.
//
// When the average loss is zero the value is clamped to 100, including a flat
// series where both averages are zero.
func RSI(close []float64, period int) []float64 {
	n := len(close)
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 0; i < n; i++ {
		if i == 0 {
			gains[i] = math.NaN()
			losses[i] = math.NaN()
			continue
		}
		delta := close[i] - close[i-1]
		gains[i] = math.Max(delta, 0)
		losses[i] = math.Max(-delta, 0)
	}

	avgGain := Wilder(gains, period)
	avgLoss := Wilder(losses, period)

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		g, l := avgGain[i], avgLoss[i]
		switch {
		case math.IsNaN(g) || math.IsNaN(l):
			out[i] = math.NaN()
		case l == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+g/l)
		}
	}
	return out
}
