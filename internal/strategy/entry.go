package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/indicators"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/marketdata"
	"github.com/eddiefleurent/fno_trader/internal/models"
)

// spotProximity is the fraction of spot within which a same-day trade without a
// recorded strike counts as a duplicate.
const spotProximity = 0.001

// EntryOrder describes an acknowledged buy to record as a new position.
type EntryOrder struct {
	Underlying   string
	TradeType    models.TradeType
	Premium      float64
	Spot         float64
	VIX          float64
	Quantity     int // zero means lot size times default_num_lots
	OptionSymbol string
	Strike       float64
	SignalIndex  int
}

// CheckEntryConditions runs the entry chain for one underlying and side against
// a market snapshot. Checks short-circuit in a fixed order; the string names the
// first failing check, or summarises the signal when all pass.
func (e *Engine) CheckEntryConditions(underlying string, tradeType models.TradeType, snap *marketdata.Snapshot) (bool, string) {
	cfg := e.Config()
	u := instruments.Canonical(underlying)
	if !tradeType.Valid() {
		return false, fmt.Sprintf("invalid trade type %q", tradeType)
	}
	if snap == nil || snap.Intraday.Len() == 0 {
		return false, "no market data"
	}
	now := snap.At
	if now.IsZero() {
		now = e.now()
	}
	spot := snap.Intraday.LastClose()

	e.mu.Lock()
	e.rollDayLocked(now)
	_, open := e.positions[u]
	dup, dupReason := e.tradedTodayLocked(u, tradeType, spot, now)
	dailyPnL := e.dailyPnL
	e.mu.Unlock()

	// 1. one position per underlying
	if open {
		return false, "position already open"
	}

	// 2. no second trade on the same strike today
	if dup {
		return false, dupReason
	}

	// 3. entry window
	if !cfg.InEntryWindow(now) {
		s := cfg.SessionFor(now)
		return false, fmt.Sprintf("outside entry window %s-%s", s.Open.Format("15:04"), s.EntryCutoff.Format("15:04"))
	}

	// 4. volatility floor
	if snap.VIX < cfg.Risk.VIXMinThreshold {
		return false, fmt.Sprintf("VIX %.2f below minimum %.2f", snap.VIX, cfg.Risk.VIXMinThreshold)
	}

	// 5. daily profit cap
	if dailyPnL >= cfg.Risk.DailyProfitLimit {
		return false, fmt.Sprintf("daily profit Rs %.2f reached limit Rs %.2f", dailyPnL, cfg.Risk.DailyProfitLimit)
	}

	in := snap.Intraday
	idx := in.LastIndex()

	// 6. trend on the intraday MACD
	macd, signal := indicators.At(in.MACD, idx), indicators.At(in.Signal, idx)
	if math.IsNaN(macd) || math.IsNaN(signal) {
		return false, "MACD not available"
	}
	if tradeType == models.TradeCall && macd <= signal {
		return false, fmt.Sprintf("MACD %.2f not above signal %.2f", macd, signal)
	}
	if tradeType == models.TradePut && macd >= signal {
		return false, fmt.Sprintf("MACD %.2f not below signal %.2f", macd, signal)
	}

	// 7. histogram momentum
	hist := indicators.At(in.Histogram, idx)
	prev := 0.0
	if idx > 0 {
		prev = indicators.At(in.Histogram, idx-1)
	}
	if math.IsNaN(hist) || math.IsNaN(prev) {
		return false, "MACD histogram not available"
	}
	if tradeType == models.TradeCall && (hist <= 0 || hist <= prev) {
		return false, fmt.Sprintf("histogram %.2f not positive and rising (prev %.2f)", hist, prev)
	}
	if tradeType == models.TradePut && (hist >= 0 || hist >= prev) {
		return false, fmt.Sprintf("histogram %.2f not negative and falling (prev %.2f)", hist, prev)
	}

	// 8. RSI band, inclusive
	rsi := indicators.At(in.RSI, idx)
	if math.IsNaN(rsi) || rsi < cfg.Strategy.RSIMin || rsi > cfg.Strategy.RSIMax {
		return false, fmt.Sprintf("RSI %.2f outside [%.0f, %.0f]", rsi, cfg.Strategy.RSIMin, cfg.Strategy.RSIMax)
	}

	// 9. daily trend strength; the intraday ADX gate is intentionally not applied
	if snap.Daily.Len() == 0 {
		return false, "daily ADX not available"
	}
	adx := indicators.Last(snap.Daily.ADX)
	if math.IsNaN(adx) || adx <= cfg.Strategy.ADXDailyMin {
		return false, fmt.Sprintf("daily ADX %.2f not above %.0f", adx, cfg.Strategy.ADXDailyMin)
	}

	return true, fmt.Sprintf("%s entry: MACD %.2f/%.2f hist %.2f RSI %.2f daily ADX %.2f VIX %.2f",
		tradeType, macd, signal, hist, rsi, adx, snap.VIX)
}

// tradedTodayLocked reports whether a closed trade entered today on the same
// underlying and side used the strike an entry at spot would select. Trades
// without a recorded strike fall back to comparing entry spot within 0.1%.
func (e *Engine) tradedTodayLocked(u string, tradeType models.TradeType, spot float64, now time.Time) (bool, string) {
	cfg := e.Config()
	today := e.dayKey(now)
	strike := instruments.SelectStrike(u, spot, tradeType, cfg.Strategy.StrikeDepth)
	for i := range e.history {
		h := &e.history[i]
		if h.Underlying != u || h.TradeType != tradeType || e.dayKey(h.EntryTime) != today {
			continue
		}
		if h.StrikePrice > 0 {
			if h.StrikePrice == strike {
				return true, fmt.Sprintf("strike %.0f already traded today (%s)", strike, h.ID)
			}
			continue
		}
		last := h.EntryUnderlyingPrice
		if last > 0 && math.Abs(spot-last) < spot*spotProximity {
			return true, fmt.Sprintf("spot %.2f within 0.1%% of earlier entry %.2f (%s)", spot, last, h.ID)
		}
	}
	return false, ""
}

// BeginEntry claims the underlying for a buy order. Every successful call must
// be followed by EnterTrade or AbandonEntry.
func (e *Engine) BeginEntry(underlying string) error {
	u := instruments.Canonical(underlying)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.positions[u]; ok {
		return fmt.Errorf("%s: %w", u, ErrPositionExists)
	}
	if e.machine(u).Current() == models.PhaseEvaluatingEntry {
		return fmt.Errorf("%s: %w", u, ErrEntryInProgress)
	}
	e.advance(u, models.PhaseEvaluatingEntry, models.ConditionEntrySignal)
	return nil
}

// AbandonEntry releases a claim taken by BeginEntry after a rejected or skipped order.
func (e *Engine) AbandonEntry(underlying, reason string) {
	u := instruments.Canonical(underlying)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine(u).Current() != models.PhaseEvaluatingEntry {
		return
	}
	e.advance(u, models.PhaseFlat, models.ConditionEntryAbandoned)
	e.logger.Printf("%s entry abandoned: %s", u, reason)
}

// EnterTrade records a new open position. It must only be called once the buy
// order has been acknowledged. The position is persisted before the lock is released.
func (e *Engine) EnterTrade(o EntryOrder) (models.Position, error) {
	cfg := e.Config()
	u := instruments.Canonical(o.Underlying)

	e.mu.Lock()
	now := e.now().In(cfg.Location())
	e.rollDayLocked(now)
	if existing, ok := e.positions[u]; ok {
		e.mu.Unlock()
		return models.Position{}, fmt.Errorf("%s (%s): %w", u, existing.ID, ErrPositionExists)
	}

	qty := o.Quantity
	if qty <= 0 {
		qty = cfg.Quantity(u)
	}
	pos := models.Position{
		ID:                   models.NewPositionID(u, o.TradeType, now),
		Underlying:           u,
		TradeType:            o.TradeType,
		EntryTime:            now,
		EntryPrice:           o.Premium,
		EntryUnderlyingPrice: o.Spot,
		LotSize:              qty,
		SLPercentage:         cfg.StopLossPct(u, o.VIX),
		VIXAtEntry:           o.VIX,
		OptionSymbol:         o.OptionSymbol,
		StrikePrice:          o.Strike,
		MACDEntryIdx:         o.SignalIndex,
	}
	if err := pos.Validate(); err != nil {
		if e.machine(u).Current() == models.PhaseEvaluatingEntry {
			e.advance(u, models.PhaseFlat, models.ConditionEntryAbandoned)
		}
		e.mu.Unlock()
		return models.Position{}, fmt.Errorf("entering %s: %w", u, err)
	}

	e.positions[u] = pos
	e.dailyTrades++
	e.advance(u, models.PhaseOpen, models.ConditionOrderPlaced)
	e.savePositionsLocked()
	out := pos.Clone()
	e.mu.Unlock()

	e.logger.Printf("TRADE ENTERED %s: %s %s strike %.0f @ Rs %.2f (spot %.2f, VIX %.2f, SL %.2f%%, qty %d)",
		pos.ID, u, pos.TradeType, pos.StrikePrice, pos.EntryPrice, pos.EntryUnderlyingPrice, pos.VIXAtEntry, pos.SLPercentage, pos.LotSize)
	e.notify(func(o Observer) { o.PositionOpened(out.Clone()) })
	return out, nil
}
