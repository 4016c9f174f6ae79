package indicators

import "math"

// BullishCross reports whether a crossed above b at index i:
// a[i-1] <= b[i-1] and a[i] > b[i]. Insufficient history or NaN yields false.
func BullishCross(a, b []float64, i int) bool {
	pa, pb, ca, cb, ok := crossWindow(a, b, i)
	if !ok {
		return false
	}
	return pa <= pb && ca > cb
}

// BearishCross reports whether a crossed below b at index i:
// a[i-1] >= b[i-1] and a[i] < b[i]. Insufficient history or NaN yields false.
func BearishCross(a, b []float64, i int) bool {
	pa, pb, ca, cb, ok := crossWindow(a, b, i)
	if !ok {
		return false
	}
	return pa >= pb && ca < cb
}

func crossWindow(a, b []float64, i int) (pa, pb, ca, cb float64, ok bool) {
	if i < 1 || i >= len(a) || i >= len(b) {
		return 0, 0, 0, 0, false
	}
	pa, pb, ca, cb = a[i-1], b[i-1], a[i], b[i]
	if math.IsNaN(pa) || math.IsNaN(pb) || math.IsNaN(ca) || math.IsNaN(cb) {
		return 0, 0, 0, 0, false
	}
	return pa, pb, ca, cb, true
}
