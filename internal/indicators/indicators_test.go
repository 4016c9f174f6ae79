package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCloses() []float64 {
	out := make([]float64, 120)
	for i := range out {
		out[i] = 100 + 10*math.Sin(float64(i)/7) + float64(i)*0.15
	}
	return out
}

func sampleBars() (high, low, close []float64) {
	close = sampleCloses()
	high = make([]float64, len(close))
	low = make([]float64, len(close))
	for i, c := range close {
		high[i] = c + 1.5 + math.Abs(math.Cos(float64(i)))
		low[i] = c - 1.5 - math.Abs(math.Sin(float64(i)))
	}
	return high, low, close
}

func TestEMA_SeededWithFirstValue(t *testing.T) {
	got := EMA([]float64{10, 20, 30}, 3) // alpha = 0.5
	require.Len(t, got, 3)
	assert.Equal(t, 10.0, got[0])
	assert.InDelta(t, 15.0, got[1], 1e-12)
	assert.InDelta(t, 22.5, got[2], 1e-12)
}

func TestEMA_LeadingNaNsStayUndefined(t *testing.T) {
	got := EMA([]float64{math.NaN(), 4, 8}, 1)
	assert.True(t, math.IsNaN(got[0]))
	assert.Equal(t, 4.0, got[1])
	assert.Equal(t, 8.0, got[2])
}

func TestMACD_ConstantSeriesIsFlat(t *testing.T) {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 250
	}
	m := MACD(closes, 12, 26, 9)
	for i := range closes {
		assert.InDelta(t, 0, m.MACD[i], 1e-12)
		assert.InDelta(t, 0, m.Signal[i], 1e-12)
		assert.InDelta(t, 0, m.Histogram[i], 1e-12)
	}
}

func TestMACD_HistogramIsLineMinusSignal(t *testing.T) {
	m := MACD(sampleCloses(), 12, 26, 9)
	for i := range m.MACD {
		assert.InDelta(t, m.MACD[i]-m.Signal[i], m.Histogram[i], 1e-12)
	}
}

func TestMACD_RisingSeriesIsPositive(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	m := MACD(closes, 12, 26, 9)
	assert.Greater(t, Last(m.MACD), 0.0)
	assert.Greater(t, Last(m.MACD), Last(m.Signal))
}

func TestRSI_Bounded(t *testing.T) {
	r := RSI(sampleCloses(), 14)
	assert.True(t, math.IsNaN(r[0]))
	for i := 1; i < len(r); i++ {
		assert.GreaterOrEqual(t, r[i], 0.0)
		assert.LessOrEqual(t, r[i], 100.0)
	}
}

func TestRSI_NoLossesClampsTo100(t *testing.T) {
	r := RSI([]float64{1, 2, 3, 4, 5, 6}, 14)
	assert.Equal(t, 100.0, Last(r))

	flat := RSI([]float64{5, 5, 5, 5}, 14)
	assert.Equal(t, 100.0, Last(flat))
}

func TestRSI_AllLossesIsZero(t *testing.T) {
	r := RSI([]float64{6, 5, 4, 3, 2, 1}, 14)
	assert.InDelta(t, 0.0, Last(r), 1e-12)
}

func TestRSI_KnownValue(t *testing.T) {
	// deltas: +1, -1 ; alpha = 0.5
	// avgGain: 1, 0.5 ; avgLoss: 0, 0.5
	r := RSI([]float64{10, 11, 10}, 2)
	assert.Equal(t, 100.0, r[1])
	assert.InDelta(t, 50.0, r[2], 1e-12)
}

func TestADX_WarmupAndRange(t *testing.T) {
	high, low, closes := sampleBars()
	a := ADX(high, low, closes, 14)
	require.Len(t, a.ADX, len(closes))
	for i := 0; i < 13; i++ {
		assert.True(t, math.IsNaN(a.PlusDI[i]), "index %d", i)
		assert.True(t, math.IsNaN(a.MinusDI[i]), "index %d", i)
		assert.True(t, math.IsNaN(a.ADX[i]), "index %d", i)
	}
	for i := 13; i < len(closes); i++ {
		assert.False(t, math.IsNaN(a.ADX[i]), "index %d", i)
		assert.GreaterOrEqual(t, a.ADX[i], 0.0)
		assert.LessOrEqual(t, a.ADX[i], 100.0)
		assert.GreaterOrEqual(t, a.PlusDI[i], 0.0)
		assert.GreaterOrEqual(t, a.MinusDI[i], 0.0)
	}
}

func TestADX_StrongUptrendFavoursPlusDI(t *testing.T) {
	n := 60
	high, low, closes := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		closes[i] = 100 + 2*float64(i)
		high[i] = closes[i] + 1
		low[i] = closes[i] - 1
	}
	a := ADX(high, low, closes, 14)
	assert.Greater(t, Last(a.PlusDI), Last(a.MinusDI))
	assert.InDelta(t, 0.0, Last(a.MinusDI), 1e-9)
	assert.Greater(t, Last(a.ADX), 25.0)
}

func TestADX_EqualMovesCountForNeither(t *testing.T) {
	// outside bar: up move == down move, so neither +DM nor -DM counts
	high := []float64{10, 12, 12}
	low := []float64{8, 6, 6}
	closes := []float64{9, 9, 9}
	a := ADX(high, low, closes, 1)
	assert.InDelta(t, 0.0, a.PlusDI[1], 1e-12)
	assert.InDelta(t, 0.0, a.MinusDI[1], 1e-12)
}

func TestIndicators_Deterministic(t *testing.T) {
	high, low, closes := sampleBars()

	m1, m2 := MACD(closes, 12, 26, 9), MACD(closes, 12, 26, 9)
	assert.Equal(t, m1, m2)

	r1, r2 := RSI(closes, 14), RSI(closes, 14)
	assertSameBits(t, r1, r2)

	a1, a2 := ADX(high, low, closes, 14), ADX(high, low, closes, 14)
	assertSameBits(t, a1.ADX, a2.ADX)
	assertSameBits(t, a1.PlusDI, a2.PlusDI)
	assertSameBits(t, a1.MinusDI, a2.MinusDI)
}

func TestIndicators_DoNotMutateInput(t *testing.T) {
	high, low, closes := sampleBars()
	snapshot := append([]float64(nil), closes...)
	MACD(closes, 12, 26, 9)
	RSI(closes, 14)
	ADX(high, low, closes, 14)
	assert.Equal(t, snapshot, closes)
}

func assertSameBits(t *testing.T, a, b []float64) {
	t.Helper()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, math.Float64bits(a[i]), math.Float64bits(b[i]), "index %d", i)
	}
}

func TestCrossovers(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name    string
		a, b    []float64
		i       int
		bullish bool
		bearish bool
	}{
		{"bullish cross", []float64{1, 3}, []float64{2, 2}, 1, true, false},
		{"bullish from touch", []float64{2, 3}, []float64{2, 2}, 1, true, false},
		{"bearish cross", []float64{3, 1}, []float64{2, 2}, 1, false, true},
		{"bearish from touch", []float64{2, 1}, []float64{2, 2}, 1, false, true},
		{"already above", []float64{3, 4}, []float64{2, 2}, 1, false, false},
		{"index zero", []float64{1, 3}, []float64{2, 2}, 0, false, false},
		{"index out of range", []float64{1, 3}, []float64{2, 2}, 2, false, false},
		{"nan current", []float64{1, nan}, []float64{2, 2}, 1, false, false},
		{"nan previous", []float64{nan, 3}, []float64{2, 2}, 1, false, false},
		{"nan in b", []float64{1, 3}, []float64{2, nan}, 1, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.bullish, BullishCross(tt.a, tt.b, tt.i))
			assert.Equal(t, tt.bearish, BearishCross(tt.a, tt.b, tt.i))
		})
	}
}

func TestCrossovers_Symmetry(t *testing.T) {
	m := MACD(sampleCloses(), 12, 26, 9)
	for i := -1; i <= len(m.MACD); i++ {
		assert.Equal(t, BullishCross(m.MACD, m.Signal, i), BearishCross(m.Signal, m.MACD, i), "index %d", i)
		assert.Equal(t, BearishCross(m.MACD, m.Signal, i), BullishCross(m.Signal, m.MACD, i), "index %d", i)
	}
}

func TestNewFrame(t *testing.T) {
	high, low, closes := sampleBars()
	bars := make([]Bar, len(closes))
	for i := range closes {
		bars[i] = Bar{Open: closes[i], High: high[i], Low: low[i], Close: closes[i]}
	}
	f := NewFrame(bars, DefaultParams())
	assert.Equal(t, len(bars), f.Len())
	assert.Equal(t, len(bars)-1, f.LastIndex())
	assert.Equal(t, closes[len(closes)-1], f.LastClose())
	assert.Len(t, f.RSI, len(bars))
	assert.Len(t, f.ADX, len(bars))

	var empty *Frame
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, 0.0, empty.LastClose())
}
