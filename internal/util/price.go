// Package util provides common helpers for price arithmetic.
package util

import "math"

// PremiumTick is the minimum price increment for NSE/BSE index options.
const PremiumTick = 0.05

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.27 becomes 101.25.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// RoundHalfUp rounds x to the nearest multiple of step; exact halves round up
// (towards +Inf), so 26525 with step 50 becomes 26550.
func RoundHalfUp(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Floor(x/step+0.5) * step
}
