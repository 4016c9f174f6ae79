package indicators

import "time"

// Bar is one OHLC candle.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Params configures the indicator periods for a Frame.
type Params struct {
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	RSIPeriod  int
	ADXPeriod  int
}

// DefaultParams returns the standard 12/26/9 MACD with 14-period RSI and ADX.
func DefaultParams() Params {
	return Params{MACDFast: 12, MACDSlow: 26, MACDSignal: 9, RSIPeriod: 14, ADXPeriod: 14}
}

// Frame bundles a candle series with every indicator computed over it. It is
// built once per tick and only read afterwards.
type Frame struct {
	Bars      []Bar
	MACD      []float64
	Signal    []float64
	Histogram []float64
	RSI       []float64
	ADX       []float64
	PlusDI    []float64
	MinusDI   []float64
}

// NewFrame computes all indicators for bars.
func NewFrame(bars []Bar, p Params) *Frame {
	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
	}

	m := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	a := ADX(highs, lows, closes, p.ADXPeriod)

	return &Frame{
		Bars:      bars,
		MACD:      m.MACD,
		Signal:    m.Signal,
		Histogram: m.Histogram,
		RSI:       RSI(closes, p.RSIPeriod),
		ADX:       a.ADX,
		PlusDI:    a.PlusDI,
		MinusDI:   a.MinusDI,
	}
}

// Len returns the number of bars.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Bars)
}

// LastIndex returns the index of the newest bar, or -1 for an empty frame.
func (f *Frame) LastIndex() int {
	return f.Len() - 1
}

// LastClose returns the close of the newest bar, or 0 for an empty frame.
func (f *Frame) LastClose() float64 {
	if f.Len() == 0 {
		return 0
	}
	return f.Bars[f.LastIndex()].Close
}
