package strategy

import (
	"fmt"
	"strings"

	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/models"
)

// BrokerHolding is a position reported by the broker.
type BrokerHolding struct {
	Underlying   string
	TradeType    models.TradeType
	OptionSymbol string
	Strike       float64
	Quantity     int
	EntryPrice   float64 // broker average, else LTP, else an estimate
	Spot         float64
	VIX          float64
}

// ImportPosition reconciles one broker holding. A tracked underlying has its
// lot size synced to the broker quantity, and its symbol and strike filled
// when missing or in the dashed display form. An untracked one is recorded as a
// new open position. The bool reports whether a position was created.
func (e *Engine) ImportPosition(h BrokerHolding) (models.Position, bool, error) {
	cfg := e.Config()
	u := instruments.Canonical(h.Underlying)
	if h.Quantity <= 0 {
		return models.Position{}, false, fmt.Errorf("%s: broker quantity %d must be > 0", u, h.Quantity)
	}

	e.mu.Lock()
	if pos, ok := e.positions[u]; ok {
		changed := false
		if pos.LotSize != h.Quantity {
			e.logger.Printf("SYNC %s: lot size %d -> %d from broker", pos.ID, pos.LotSize, h.Quantity)
			pos.LotSize = h.Quantity
			changed = true
		}
		if h.OptionSymbol != "" && (pos.OptionSymbol == "" || strings.Contains(pos.OptionSymbol, "-")) && pos.OptionSymbol != h.OptionSymbol {
			e.logger.Printf("SYNC %s: symbol %q -> %q", pos.ID, pos.OptionSymbol, h.OptionSymbol)
			pos.OptionSymbol = h.OptionSymbol
			changed = true
		}
		if pos.StrikePrice == 0 && h.Strike > 0 {
			pos.StrikePrice = h.Strike
			changed = true
		}
		if changed {
			e.positions[u] = pos
			e.savePositionsLocked()
		}
		out := pos.Clone()
		e.mu.Unlock()
		return out, false, nil
	}

	now := e.now().In(cfg.Location())
	e.rollDayLocked(now)
	vix := cfg.EffectiveVIX(h.VIX)
	pos := models.Position{
		ID:                   models.NewPositionID(u, h.TradeType, now),
		Underlying:           u,
		TradeType:            h.TradeType,
		EntryTime:            now,
		EntryPrice:           h.EntryPrice,
		EntryUnderlyingPrice: h.Spot,
		LotSize:              h.Quantity,
		SLPercentage:         cfg.StopLossPct(u, vix),
		VIXAtEntry:           vix,
		OptionSymbol:         h.OptionSymbol,
		StrikePrice:          h.Strike,
	}
	if err := pos.Validate(); err != nil {
		e.mu.Unlock()
		return models.Position{}, false, fmt.Errorf("importing %s: %w", u, err)
	}
	e.positions[u] = pos
	e.dailyTrades++
	e.advance(u, models.PhaseOpen, models.ConditionRestored)
	e.savePositionsLocked()
	out := pos.Clone()
	e.mu.Unlock()

	e.logger.Printf("IMPORTED %s: %s %s x%d @ Rs %.2f (spot %.2f, VIX %.2f)",
		pos.ID, pos.OptionSymbol, pos.TradeType, pos.LotSize, pos.EntryPrice, pos.EntryUnderlyingPrice, vix)
	e.notify(func(o Observer) { o.PositionOpened(out.Clone()) })
	return out, true, nil
}
