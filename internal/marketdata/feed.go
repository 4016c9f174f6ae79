// Package marketdata builds the per-tick market snapshot the strategy engine
// evaluates: spot, VIX, and daily plus intraday indicator frames with a live
// forming candle.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/broker"
	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/indicators"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/retry"
)

// VIX quote coordinates
const (
	VIXSymbol   = "INDIA VIX"
	VIXExchange = "NSE"
)

// ErrInsufficientData is returned when the broker has too few candles for indicators.
var ErrInsufficientData = errors.New("marketdata: insufficient candles")

// defaultIntradayTTL bounds how long closed intraday candles are reused.
const defaultIntradayTTL = time.Minute

// Snapshot is one consistent view of an underlying for a single tick.
type Snapshot struct {
	Underlying string
	Spot       float64
	SpotLive   bool // false when the spot quote failed and the last close stands in
	VIX        float64
	VIXLive    bool // false when DefaultVIX was substituted
	Daily      *indicators.Frame
	Intraday   *indicators.Frame // includes the live forming candle when SpotLive
	At         time.Time
}

type dailyEntry struct {
	day  string
	bars []indicators.Bar
}

type intradayEntry struct {
	barStart time.Time
	fetched  time.Time
	bars     []indicators.Bar
}

// Feed fetches quotes and candles through a broker. Closed candles are cached:
// daily bars per calendar day, intraday bars until a new bar starts or the TTL lapses.
type Feed struct {
	broker      broker.Broker
	retry       *retry.Client
	logger      *log.Logger
	now         func() time.Time
	intradayTTL time.Duration

	mu       sync.Mutex
	daily    map[string]dailyEntry
	intraday map[string]intradayEntry
}

// NewFeed creates a Feed. A nil retry client gets a single quick retry of transient errors.
func NewFeed(b broker.Broker, r *retry.Client, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if r == nil {
		r = retry.NewClient(logger, retry.Config{
			MaxRetries:     1,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     time.Second,
			Timeout:        30 * time.Second,
		})
	}
	return &Feed{
		broker:      b,
		retry:       r,
		logger:      logger,
		now:         time.Now,
		intradayTTL: defaultIntradayTTL,
		daily:       make(map[string]dailyEntry),
		intraday:    make(map[string]intradayEntry),
	}
}

// SetClock replaces the wall clock, for tests.
func (f *Feed) SetClock(now func() time.Time) {
	f.now = now
}

// Invalidate drops cached candles, forcing the next snapshot to refetch.
func (f *Feed) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daily = make(map[string]dailyEntry)
	f.intraday = make(map[string]intradayEntry)
}

// Quote fetches the last traded price for symbol on exchange. A non-positive
// price is reported as broker.ErrNoData.
func (f *Feed) Quote(ctx context.Context, cfg *config.Config, exchange, symbol string) (float64, error) {
	q, err := retry.Value(ctx, f.retry, "quote "+exchange+":"+symbol, func(ctx context.Context) (*broker.Quote, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.BrokerTimeout())
		defer cancel()
		return f.broker.GetQuote(callCtx, exchange, symbol)
	})
	if err != nil {
		return 0, err
	}
	if q == nil || q.LastPrice <= 0 {
		return 0, fmt.Errorf("quote %s:%s: %w", exchange, symbol, broker.ErrNoData)
	}
	return q.LastPrice, nil
}

// Spot returns the underlying's index level.
func (f *Feed) Spot(ctx context.Context, cfg *config.Config, underlying string) (float64, error) {
	exchange, symbol, _ := spotCoordinates(cfg, underlying)
	return f.Quote(ctx, cfg, exchange, symbol)
}

// OptionPremium returns the last traded price of an option contract.
func (f *Feed) OptionPremium(ctx context.Context, cfg *config.Config, underlying, symbol string) (float64, error) {
	if strings.TrimSpace(symbol) == "" {
		return 0, fmt.Errorf("%s: option symbol missing: %w", underlying, broker.ErrNoData)
	}
	return f.Quote(ctx, cfg, instruments.OptionExchange(underlying), symbol)
}

// VIX returns India VIX, substituting the configured default when the quote
// fails or is non-positive. The bool reports whether the value is live.
func (f *Feed) VIX(ctx context.Context, cfg *config.Config) (float64, bool) {
	vix, err := f.Quote(ctx, cfg, VIXExchange, VIXSymbol)
	if err != nil {
		fallback := cfg.EffectiveVIX(0)
		f.logger.Printf("WARNING: India VIX unavailable (%v), using %.2f", err, fallback)
		return fallback, false
	}
	return cfg.EffectiveVIX(vix), true
}

// Snapshot fetches spot, VIX, daily and intraday candles for underlying and
// computes both indicator frames.
func (f *Feed) Snapshot(ctx context.Context, cfg *config.Config, underlying string) (*Snapshot, error) {
	now := f.now()
	underlying = instruments.Canonical(underlying)
	exchange, _, token := spotCoordinates(cfg, underlying)
	if token == "" {
		return nil, fmt.Errorf("%s: no instrument token configured for historical data", underlying)
	}

	spot, spotErr := f.Spot(ctx, cfg, underlying)
	if spotErr != nil {
		f.logger.Printf("WARNING: %s spot quote failed: %v", underlying, spotErr)
	}

	daily, err := f.dailyBars(ctx, cfg, underlying, exchange, token, now)
	if err != nil {
		return nil, err
	}
	intraday, barStart, err := f.intradayBars(ctx, cfg, underlying, exchange, token, now)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Underlying: underlying, Spot: spot, SpotLive: spotErr == nil, At: now}
	if snap.SpotLive {
		intraday = withLiveCandle(intraday, barStart, spot)
	} else {
		snap.Spot = intraday[len(intraday)-1].Close
	}
	snap.VIX, snap.VIXLive = f.VIX(ctx, cfg)

	params := cfg.IndicatorParams()
	snap.Daily = indicators.NewFrame(daily, params)
	snap.Intraday = indicators.NewFrame(intraday, params)
	return snap, nil
}

func (f *Feed) dailyBars(ctx context.Context, cfg *config.Config, underlying, exchange, token string, now time.Time) ([]indicators.Bar, error) {
	loc := cfg.Location()
	day := now.In(loc).Format(time.DateOnly)

	f.mu.Lock()
	cached, ok := f.daily[underlying]
	f.mu.Unlock()
	if ok && cached.day == day {
		return cached.bars, nil
	}

	candles, err := f.history(ctx, cfg, broker.HistoricalRequest{
		Exchange:  exchange,
		Token:     token,
		Timeframe: "day",
		From:      now.AddDate(0, 0, -cfg.Strategy.DailyDays),
		To:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("%s daily candles: %w", underlying, err)
	}
	bars := toBars(candles)
	if len(bars) < cfg.Strategy.MinDailyBars {
		return nil, fmt.Errorf("%s daily candles: %d < %d: %w", underlying, len(bars), cfg.Strategy.MinDailyBars, ErrInsufficientData)
	}

	f.mu.Lock()
	f.daily[underlying] = dailyEntry{day: day, bars: bars}
	f.mu.Unlock()
	return bars, nil
}

// intradayBars returns closed session candles plus the start of the bar now belongs to.
func (f *Feed) intradayBars(ctx context.Context, cfg *config.Config, underlying, exchange, token string, now time.Time) ([]indicators.Bar, time.Time, error) {
	barStart := alignBar(now.In(cfg.Location()), cfg.Strategy.IntradayTimeframe)

	f.mu.Lock()
	cached, ok := f.intraday[underlying]
	f.mu.Unlock()
	if ok && cached.barStart.Equal(barStart) && now.Sub(cached.fetched) < f.intradayTTL {
		return cached.bars, barStart, nil
	}

	candles, err := f.history(ctx, cfg, broker.HistoricalRequest{
		Exchange:  exchange,
		Token:     token,
		Timeframe: cfg.Strategy.IntradayTimeframe,
		From:      now.AddDate(0, 0, -cfg.Strategy.IntradayDays),
		To:        now,
	})
	if err != nil {
		return nil, barStart, fmt.Errorf("%s intraday candles: %w", underlying, err)
	}
	bars := sessionOnly(cfg, toBars(candles))
	if len(bars) < cfg.Strategy.MinIntradayBars {
		return nil, barStart, fmt.Errorf("%s intraday candles: %d < %d: %w", underlying, len(bars), cfg.Strategy.MinIntradayBars, ErrInsufficientData)
	}

	f.mu.Lock()
	f.intraday[underlying] = intradayEntry{barStart: barStart, fetched: now, bars: bars}
	f.mu.Unlock()
	return bars, barStart, nil
}

func (f *Feed) history(ctx context.Context, cfg *config.Config, req broker.HistoricalRequest) ([]broker.Candle, error) {
	op := fmt.Sprintf("historical %s/%s/%s", req.Exchange, req.Token, req.Timeframe)
	return retry.Value(ctx, f.retry, op, func(ctx context.Context) ([]broker.Candle, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.BrokerTimeout())
		defer cancel()
		return f.broker.GetHistorical(callCtx, req)
	})
}

// spotCoordinates resolves the quote exchange, quote symbol and historical token.
func spotCoordinates(cfg *config.Config, underlying string) (exchange, symbol, token string) {
	if sc, ok := cfg.Symbol(underlying); ok {
		exchange, symbol, token = sc.Exchange, sc.Name, sc.Token
	}
	if exchange == "" {
		exchange = instruments.SpotExchange(underlying)
	}
	if symbol == "" {
		symbol = instruments.SpotSymbol(underlying)
	}
	return exchange, symbol, token
}

func toBars(candles []broker.Candle) []indicators.Bar {
	bars := make([]indicators.Bar, 0, len(candles))
	for _, c := range candles {
		if c.Close <= 0 {
			continue
		}
		bars = append(bars, indicators.Bar{
			Time:   c.Time,
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}
	return bars
}

// sessionOnly drops candles starting outside [market_open, market_close) and on weekends.
func sessionOnly(cfg *config.Config, bars []indicators.Bar) []indicators.Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if cfg.InSession(b.Time) {
			out = append(out, b)
		}
	}
	return out
}

// withLiveCandle appends the forming bar built from spot. When the broker
// already returned a partial bar for barStart it is extended instead.
func withLiveCandle(bars []indicators.Bar, barStart time.Time, spot float64) []indicators.Bar {
	out := make([]indicators.Bar, len(bars), len(bars)+1)
	copy(out, bars)

	last := out[len(out)-1]
	if last.Time.Equal(barStart) {
		last.High = max(last.High, spot)
		last.Low = min(last.Low, spot)
		last.Close = spot
		out[len(out)-1] = last
		return out
	}
	return append(out, indicators.Bar{
		Time:  barStart,
		Open:  last.Close,
		High:  max(last.Close, spot),
		Low:   min(last.Close, spot),
		Close: spot,
	})
}

// alignBar floors t to the start of its intraday bar ("15minute" -> :00, :15, ...).
func alignBar(t time.Time, timeframe string) time.Time {
	mins := timeframeMinutes(timeframe)
	minute := t.Minute() - t.Minute()%mins
	hour := t.Hour()
	if mins >= 60 {
		minute = 0
		hour -= hour % (mins / 60)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
}

func timeframeMinutes(timeframe string) int {
	tf := strings.ToLower(strings.TrimSpace(timeframe))
	switch {
	case tf == "minute":
		return 1
	case tf == "hour" || tf == "60minute":
		return 60
	case strings.HasSuffix(tf, "minute"):
		if n, err := strconv.Atoi(strings.TrimSuffix(tf, "minute")); err == nil && n > 0 {
			return n
		}
	}
	return 15
}
