// Package indicators implements the technical indicators used by the strategy engine.
//
// Every function is pure: it allocates a fresh output slice and never mutates its input.
// Values that are not yet defined (warm-up, missing data) are reported as NaN.
package indicators

import "math"

// EMA returns the exponential moving average of series with alpha = 2/(span+1),
// seeded with the first defined value and carried forward without bias correction.
func EMA(series []float64, span int) []float64 {
	if span < 1 {
		span = 1
	}
	return smooth(series, 2.0/float64(span+1))
}

// Wilder returns Wilder's smoothing of series (alpha = 1/period).
func Wilder(series []float64, period int) []float64 {
	if period < 1 {
		period = 1
	}
	return smooth(series, 1.0/float64(period))
}

// smooth is the recursive form y[i] = alpha*x[i] + (1-alpha)*y[i-1].
// Leading NaNs stay NaN; the first defined value seeds the average. A NaN after
// the seed carries the previous average forward.
func smooth(series []float64, alpha float64) []float64 {
	out := make([]float64, len(series))
	seeded := false
	var prev float64
	for i, x := range series {
		switch {
		case math.IsNaN(x) && !seeded:
			out[i] = math.NaN()
		case math.IsNaN(x):
			out[i] = prev
		case !seeded:
			prev = x
			seeded = true
			out[i] = x
		default:
			prev = alpha*x + (1-alpha)*prev
			out[i] = prev
		}
	}
	return out
}

// maskWarmup replaces the first n-1 values with NaN.
func maskWarmup(series []float64, n int) []float64 {
	for i := 0; i < n-1 && i < len(series); i++ {
		series[i] = math.NaN()
	}
	return series
}

// Last returns the final element of series, or NaN when it is empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// At returns series[i], or NaN when i is out of range.
func At(series []float64, i int) float64 {
	if i < 0 || i >= len(series) {
		return math.NaN()
	}
	return series[i]
}
