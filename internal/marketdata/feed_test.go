package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/fno_trader/internal/broker"
	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/indicators"
)

var ist = time.FixedZone("IST", 5*60*60+30*60)

type fakeBroker struct {
	mu         sync.Mutex
	quotes     map[string]float64
	candles    map[string][]broker.Candle
	histCalls  map[string]int
	quoteCalls int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		quotes:    make(map[string]float64),
		candles:   make(map[string][]broker.Candle),
		histCalls: make(map[string]int),
	}
}

func (f *fakeBroker) GetQuote(_ context.Context, exchange, symbol string) (*broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls++
	p, ok := f.quotes[exchange+":"+symbol]
	if !ok {
		return nil, broker.ErrNoData
	}
	return &broker.Quote{Exchange: exchange, Symbol: symbol, LastPrice: p}, nil
}

func (f *fakeBroker) GetHistorical(_ context.Context, req broker.HistoricalRequest) ([]broker.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histCalls[req.Timeframe]++
	c, ok := f.candles[req.Timeframe]
	if !ok || len(c) == 0 {
		return nil, broker.ErrNoData
	}
	return c, nil
}

func (f *fakeBroker) PlaceOrder(context.Context, broker.OrderRequest) (*broker.OrderResponse, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBroker) GetNetPositions(context.Context) ([]broker.NetPosition, error) {
	return nil, nil
}

func (f *fakeBroker) calls(timeframe string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.histCalls[timeframe]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("broker:\n  simulate: true\n"))
	require.NoError(t, err)
	return cfg
}

func dailyCandles(n int, start time.Time) []broker.Candle {
	out := make([]broker.Candle, n)
	price := 24000.0
	for i := range out {
		price += float64(i%5) * 10
		out[i] = broker.Candle{
			Time: start.AddDate(0, 0, i), Open: price - 20, High: price + 60, Low: price - 80, Close: price,
		}
	}
	return out
}

// sessionCandles builds 15-minute bars from 09:15 through the bar before stop on
// each day, plus one pre-open bar per day that must be filtered out.
func sessionCandles(days []time.Time, stop time.Time) []broker.Candle {
	var out []broker.Candle
	price := 25000.0
	for _, d := range days {
		out = append(out, broker.Candle{Time: time.Date(d.Year(), d.Month(), d.Day(), 9, 0, 0, 0, ist), Open: 1, High: 1, Low: 1, Close: 1})
		for ts := time.Date(d.Year(), d.Month(), d.Day(), 9, 15, 0, 0, ist); ts.Hour()*60+ts.Minute() < 15*60+30; ts = ts.Add(15 * time.Minute) {
			if !ts.Before(stop) {
				break
			}
			price += 5
			out = append(out, broker.Candle{Time: ts, Open: price - 5, High: price + 10, Low: price - 10, Close: price})
		}
	}
	return out
}

func countSession(candles []broker.Candle) int {
	n := 0
	for _, c := range candles {
		if c.Close > 1 {
			n++
		}
	}
	return n
}

type feedFixture struct {
	broker   *fakeBroker
	feed     *Feed
	cfg      *config.Config
	now      time.Time
	intraday []broker.Candle
}

func newFixture(t *testing.T) *feedFixture {
	t.Helper()
	now := time.Date(2026, 2, 10, 11, 7, 30, 0, ist) // Tuesday
	fb := newFakeBroker()
	fb.quotes["NSE:NIFTY 50"] = 25600
	fb.quotes["NSE:INDIA VIX"] = 13.5
	fb.candles["day"] = dailyCandles(40, now.AddDate(0, 0, -45))
	days := []time.Time{
		time.Date(2026, 2, 5, 0, 0, 0, 0, ist),
		time.Date(2026, 2, 6, 0, 0, 0, 0, ist),
		time.Date(2026, 2, 9, 0, 0, 0, 0, ist),
		time.Date(2026, 2, 10, 0, 0, 0, 0, ist),
	}
	fb.candles["15minute"] = sessionCandles(days, time.Date(2026, 2, 10, 11, 0, 0, 0, ist))

	f := NewFeed(fb, nil, nil)
	f.SetClock(func() time.Time { return now })
	return &feedFixture{broker: fb, feed: f, cfg: testConfig(t), now: now, intraday: fb.candles["15minute"]}
}

func TestSnapshot_AppendsLiveCandle(t *testing.T) {
	fx := newFixture(t)

	snap, err := fx.feed.Snapshot(context.Background(), fx.cfg, "NIFTY 50")
	require.NoError(t, err)

	assert.Equal(t, "NIFTY50", snap.Underlying)
	assert.True(t, snap.SpotLive)
	assert.Equal(t, 25600.0, snap.Spot)
	assert.True(t, snap.VIXLive)
	assert.Equal(t, 13.5, snap.VIX)

	closed := countSession(fx.intraday)
	require.Equal(t, closed+1, snap.Intraday.Len(), "pre-open bars dropped and one live bar appended")
	live := snap.Intraday.Bars[snap.Intraday.LastIndex()]
	prev := snap.Intraday.Bars[snap.Intraday.LastIndex()-1]
	assert.True(t, live.Time.Equal(time.Date(2026, 2, 10, 11, 0, 0, 0, ist)))
	assert.Equal(t, prev.Close, live.Open)
	assert.Equal(t, 25600.0, live.Close)
	assert.Equal(t, max(prev.Close, 25600.0), live.High)
	assert.Equal(t, min(prev.Close, 25600.0), live.Low)

	assert.Equal(t, 40, snap.Daily.Len())
	assert.Len(t, snap.Intraday.MACD, snap.Intraday.Len())
	assert.Len(t, snap.Daily.ADX, snap.Daily.Len())
}

func TestSnapshot_SpotFailureUsesLastClose(t *testing.T) {
	fx := newFixture(t)
	delete(fx.broker.quotes, "NSE:NIFTY 50")

	snap, err := fx.feed.Snapshot(context.Background(), fx.cfg, "NIFTY50")
	require.NoError(t, err)

	assert.False(t, snap.SpotLive)
	assert.Equal(t, countSession(fx.intraday), snap.Intraday.Len(), "no live bar without a spot quote")
	assert.Equal(t, snap.Intraday.LastClose(), snap.Spot)
}

func TestSnapshot_InsufficientCandles(t *testing.T) {
	t.Run("intraday", func(t *testing.T) {
		fx := newFixture(t)
		fx.broker.candles["15minute"] = fx.intraday[:10]

		_, err := fx.feed.Snapshot(context.Background(), fx.cfg, "NIFTY50")
		assert.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("daily", func(t *testing.T) {
		fx := newFixture(t)
		fx.broker.candles["day"] = fx.broker.candles["day"][:29]

		_, err := fx.feed.Snapshot(context.Background(), fx.cfg, "NIFTY50")
		assert.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("no data", func(t *testing.T) {
		fx := newFixture(t)
		delete(fx.broker.candles, "day")

		_, err := fx.feed.Snapshot(context.Background(), fx.cfg, "NIFTY50")
		assert.ErrorIs(t, err, broker.ErrNoData)
	})
}

func TestSnapshot_UnconfiguredUnderlying(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.feed.Snapshot(context.Background(), fx.cfg, "FINNIFTY")
	assert.Error(t, err)
}

func TestSnapshot_CachesClosedCandles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.feed.Snapshot(ctx, fx.cfg, "NIFTY50")
	require.NoError(t, err)
	_, err = fx.feed.Snapshot(ctx, fx.cfg, "NIFTY50")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.broker.calls("day"))
	assert.Equal(t, 1, fx.broker.calls("15minute"))

	later := fx.now.Add(15 * time.Minute)
	fx.feed.SetClock(func() time.Time { return later })
	_, err = fx.feed.Snapshot(ctx, fx.cfg, "NIFTY50")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.broker.calls("day"), "daily bars cached for the day")
	assert.Equal(t, 2, fx.broker.calls("15minute"), "new bar forces an intraday refetch")

	fx.feed.Invalidate()
	_, err = fx.feed.Snapshot(ctx, fx.cfg, "NIFTY50")
	require.NoError(t, err)
	assert.Equal(t, 2, fx.broker.calls("day"))
}

func TestVIX_DefaultsWhenUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		quote *float64
	}{
		{name: "missing"},
		{name: "zero", quote: new(float64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			delete(fx.broker.quotes, "NSE:INDIA VIX")
			if tt.quote != nil {
				fx.broker.quotes["NSE:INDIA VIX"] = *tt.quote
			}

			vix, live := fx.feed.VIX(context.Background(), fx.cfg)
			assert.False(t, live)
			assert.Equal(t, 15.0, vix)
		})
	}
}

func TestOptionPremium(t *testing.T) {
	fx := newFixture(t)
	fx.broker.quotes["NFO:NIFTY10FEB2625500CE"] = 182.5
	fx.broker.quotes["BFO:SENSEX2621283000PE"] = 410

	p, err := fx.feed.OptionPremium(context.Background(), fx.cfg, "NIFTY50", "NIFTY10FEB2625500CE")
	require.NoError(t, err)
	assert.Equal(t, 182.5, p)

	p, err = fx.feed.OptionPremium(context.Background(), fx.cfg, "SENSEX", "SENSEX2621283000PE")
	require.NoError(t, err)
	assert.Equal(t, 410.0, p)

	_, err = fx.feed.OptionPremium(context.Background(), fx.cfg, "NIFTY50", "")
	assert.ErrorIs(t, err, broker.ErrNoData)
}

func TestWithLiveCandle_ExtendsPartialBar(t *testing.T) {
	start := time.Date(2026, 2, 10, 11, 0, 0, 0, ist)
	bars := []indicators.Bar{
		{Time: start.Add(-15 * time.Minute), Open: 100, High: 105, Low: 99, Close: 104},
		{Time: start, Open: 104, High: 106, Low: 103, Close: 105},
	}

	out := withLiveCandle(bars, start, 108)
	require.Len(t, out, 2)
	assert.Equal(t, indicators.Bar{Time: start, Open: 104, High: 108, Low: 103, Close: 108}, out[1])
	assert.Equal(t, 105.0, bars[1].Close, "input slice untouched")
}

func TestAlignBar(t *testing.T) {
	at := time.Date(2026, 2, 10, 13, 44, 59, 0, ist)
	tests := []struct {
		timeframe string
		want      time.Time
	}{
		{"15minute", time.Date(2026, 2, 10, 13, 30, 0, 0, ist)},
		{"5minute", time.Date(2026, 2, 10, 13, 40, 0, 0, ist)},
		{"minute", time.Date(2026, 2, 10, 13, 44, 0, 0, ist)},
		{"60minute", time.Date(2026, 2, 10, 13, 0, 0, 0, ist)},
		{"bogus", time.Date(2026, 2, 10, 13, 30, 0, 0, ist)},
	}
	for _, tt := range tests {
		t.Run(tt.timeframe, func(t *testing.T) {
			assert.True(t, tt.want.Equal(alignBar(at, tt.timeframe)))
		})
	}
}

func TestToBarsSkipsEmptyCandles(t *testing.T) {
	bars := toBars([]broker.Candle{{Close: 0}, {Close: 10, High: 11, Low: 9, Open: 10}})
	require.Len(t, bars, 1)
	assert.Equal(t, 10.0, bars[0].Close)
}

var _ broker.Broker = (*fakeBroker)(nil)
