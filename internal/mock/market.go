// Package mock provides a simulated broker for running the bot without
// credentials. Prices follow a seeded random walk so runs are repeatable.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/broker"
	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/util"
)

const (
	vixSymbol = "INDIA VIX"
	tickSize  = 0.05
	// per-quote spot move, as a fraction of price
	spotStep = 0.0004
	vixStep  = 0.05
)

var baseSpots = map[string]float64{
	instruments.Nifty:     26000,
	instruments.BankNifty: 60000,
	instruments.FinNifty:  27000,
	instruments.Sensex:    85000,
}

var (
	sessionOpen  = 9*time.Hour + 15*time.Minute
	sessionClose = 15*time.Hour + 30*time.Minute
)

// Market is an in-memory broker.Broker with random-walk prices and a net
// position book fed by PlaceOrder.
type Market struct {
	mu        sync.Mutex
	seed      uint64
	rng       *rand.Rand
	spots     map[string]float64
	vix       float64
	byName    map[string]string // quote name -> underlying
	byToken   map[string]string // spot token -> underlying
	positions map[string]*broker.NetPosition
	orderSeq  int
	now       func() time.Time
	logger    *log.Logger
}

var _ broker.Broker = (*Market)(nil)

// NewMarket creates a simulator for the configured underlyings.
func NewMarket(symbols []config.SymbolConfig, seed uint64, logger *log.Logger) *Market {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Market{
		seed:      seed,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		spots:     make(map[string]float64),
		vix:       14,
		byName:    make(map[string]string),
		byToken:   make(map[string]string),
		positions: make(map[string]*broker.NetPosition),
		now:       time.Now,
		logger:    logger,
	}
	for _, s := range symbols {
		u := instruments.Canonical(s.Key)
		base, ok := baseSpots[u]
		if !ok {
			base = 10000
		}
		m.spots[u] = base
		m.byName[strings.ToUpper(s.Name)] = u
		m.byName[strings.ToUpper(instruments.SpotSymbol(u))] = u
		if s.Token != "" {
			m.byToken[s.Token] = u
		}
	}
	return m
}

// SetClock replaces the time source.
func (m *Market) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetSpot pins an underlying's price.
func (m *Market) SetSpot(underlying string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spots[instruments.Canonical(underlying)] = price
}

// SetVIX pins India VIX.
func (m *Market) SetVIX(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vix = v
}

// GetQuote returns a spot, VIX or option quote. Spot and VIX take one
// random-walk step per call; options are priced off the current spot.
func (m *Market) GetQuote(ctx context.Context, exchange, symbol string) (*broker.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	name := strings.ToUpper(strings.TrimSpace(symbol))
	if name == vixSymbol {
		m.vix = clamp(m.vix+(m.rng.Float64()*2-1)*vixStep, 9, 35)
		return m.quote(exchange, symbol, "26017", util.RoundToTick(m.vix, 0.01)), nil
	}
	if u, ok := m.byName[name]; ok {
		spot := m.spots[u]
		spot *= 1 + (m.rng.Float64()*2-1)*spotStep
		m.spots[u] = spot
		return m.quote(exchange, symbol, "", util.RoundToTick(spot, tickSize)), nil
	}

	premium, err := m.premiumLocked(name)
	if err != nil {
		return nil, err
	}
	return m.quote(exchange, symbol, optionToken(name), premium), nil
}

func (m *Market) quote(exchange, symbol, token string, last float64) *broker.Quote {
	return &broker.Quote{
		Exchange:  exchange,
		Symbol:    symbol,
		Token:     token,
		LastPrice: last,
		Open:      last,
		High:      last,
		Low:       last,
		Close:     last,
	}
}

// premiumLocked prices an option as intrinsic value plus a VIX-scaled time
// value. Caller holds mu.
func (m *Market) premiumLocked(symbol string) (float64, error) {
	bs, err := instruments.ParseBrokerSymbol(symbol)
	if err != nil {
		return 0, fmt.Errorf("mock: unknown symbol %q: %w", symbol, broker.ErrNoData)
	}
	spot, ok := m.spots[bs.Underlying]
	if !ok {
		return 0, fmt.Errorf("mock: no market for %s: %w", bs.Underlying, broker.ErrNoData)
	}

	intrinsic := spot - bs.Strike
	if bs.TradeType == models.TradePut {
		intrinsic = -intrinsic
	}
	intrinsic = math.Max(intrinsic, 0)

	days := 0.25
	if !bs.Expiry.IsZero() {
		expiry := bs.Expiry.Add(sessionClose)
		days = math.Max(expiry.Sub(m.now()).Hours()/24, days)
	}
	sigma := m.vix / 100
	timeValue := 0.4 * spot * sigma * math.Sqrt(days/365) * math.Exp(-math.Abs(spot-bs.Strike)/(spot*sigma*math.Sqrt(days/365)+1))
	return math.Max(util.RoundToTick(intrinsic+timeValue, tickSize), tickSize), nil
}

func optionToken(symbol string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return strconv.FormatUint(uint64(h.Sum32()%9_000_000+1_000_000), 10)
}

// GetHistorical returns synthetic candles ending at the current spot. The same
// request always yields the same bars.
func (m *Market) GetHistorical(ctx context.Context, req broker.HistoricalRequest) ([]broker.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	u, ok := m.byToken[req.Token]
	spot := m.spots[u]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mock: unknown token %q: %w", req.Token, broker.ErrNoData)
	}

	var times []time.Time
	var vol float64
	if req.Timeframe == "day" {
		times = tradingDays(req.From, req.To)
		vol = 0.008
	} else {
		step, err := timeframeStep(req.Timeframe)
		if err != nil {
			return nil, err
		}
		times = sessionBars(req.From, req.To, step)
		vol = 0.0015
	}
	if len(times) == 0 {
		return nil, broker.ErrNoData
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Token + req.Timeframe + req.From.UTC().Format(time.RFC3339)))
	rng := rand.New(rand.NewPCG(m.seed, h.Sum64()))

	closes := make([]float64, len(times))
	closes[len(closes)-1] = spot
	for i := len(closes) - 2; i >= 0; i-- {
		closes[i] = closes[i+1] / (1 + rng.NormFloat64()*vol)
	}

	candles := make([]broker.Candle, len(times))
	for i, t := range times {
		open := closes[i]
		if i > 0 {
			open = closes[i-1]
		}
		wick := math.Abs(rng.NormFloat64()) * vol * open / 2
		candles[i] = broker.Candle{
			Time:   t,
			Open:   util.RoundToTick(open, tickSize),
			High:   util.RoundToTick(math.Max(open, closes[i])+wick, tickSize),
			Low:    util.RoundToTick(math.Min(open, closes[i])-wick, tickSize),
			Close:  util.RoundToTick(closes[i], tickSize),
			Volume: float64(100_000 + rng.IntN(900_000)),
		}
	}
	return candles, nil
}

func timeframeStep(tf string) (time.Duration, error) {
	if tf == "minute" {
		return time.Minute, nil
	}
	n, err := strconv.Atoi(strings.TrimSuffix(tf, "minute"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("mock: unsupported timeframe %q", tf)
	}
	return time.Duration(n) * time.Minute, nil
}

func tradingDays(from, to time.Time) []time.Time {
	var out []time.Time
	day := midnight(from)
	for !day.After(to) {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// sessionBars lists bar start times inside 09:15-15:30 IST on weekdays.
func sessionBars(from, to time.Time, step time.Duration) []time.Time {
	var out []time.Time
	for _, day := range tradingDays(from, to) {
		for t := day.Add(sessionOpen); t.Before(day.Add(sessionClose)); t = t.Add(step) {
			if t.Before(from) {
				continue
			}
			if t.After(to) {
				return out
			}
			out = append(out, t)
		}
	}
	return out
}

func midnight(t time.Time) time.Time {
	t = t.In(models.DefaultLocation)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, models.DefaultLocation)
}

// PlaceOrder fills market orders immediately at the simulated premium.
func (m *Market) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, &broker.OrderRejectedError{Reason: "quantity must be positive"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	price, err := m.premiumLocked(symbol)
	if err != nil {
		return nil, &broker.OrderRejectedError{Reason: err.Error()}
	}

	qty := req.Quantity
	if req.Side == models.SideSell {
		qty = -qty
	}
	pos, ok := m.positions[symbol]
	if !ok {
		pos = &broker.NetPosition{Symbol: symbol, Exchange: req.Exchange}
		m.positions[symbol] = pos
	}
	if qty > 0 {
		held := math.Max(float64(pos.Quantity), 0)
		pos.AveragePrice = (pos.AveragePrice*held + price*float64(qty)) / (held + float64(qty))
	}
	pos.Quantity += qty
	pos.LastPrice = price
	if pos.Quantity == 0 {
		delete(m.positions, symbol)
	}

	m.orderSeq++
	id := fmt.Sprintf("SIM%08d", m.orderSeq)
	m.logger.Printf("[SIM] %s %s %d x %s @ %.2f", id, req.Side, req.Quantity, symbol, price)
	return &broker.OrderResponse{OrderID: id, Status: "success"}, nil
}

// GetNetPositions returns the open rows of the position book, marked to the
// current premium.
func (m *Market) GetNetPositions(ctx context.Context) ([]broker.NetPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]broker.NetPosition, 0, len(m.positions))
	for symbol, pos := range m.positions {
		row := *pos
		if p, err := m.premiumLocked(symbol); err == nil {
			row.LastPrice = p
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
