package indicators

// MACDResult holds the three MACD series, aligned with the input.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes macd = EMA(fast) - EMA(slow), signal = EMA(macd, signal) and
// histogram = macd - signal.
func MACD(close []float64, fast, slow, signal int) MACDResult {
	fastEMA := EMA(close, fast)
	slowEMA := EMA(close, slow)

	line := make([]float64, len(close))
	for i := range close {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig := EMA(line, signal)

	hist := make([]float64, len(close))
	for i := range close {
		hist[i] = line[i] - sig[i]
	}
	return MACDResult{MACD: line, Signal: sig, Histogram: hist}
}
