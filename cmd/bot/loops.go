package main

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/events"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/marketdata"
	"github.com/eddiefleurent/fno_trader/internal/metrics"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/orders"
	"github.com/eddiefleurent/fno_trader/internal/strategy"
)

// runLoop calls tick every tick_interval until ctx is done. A panicking tick is
// logged, counted and followed by error_backoff before the next one.
func (b *Bot) runLoop(ctx context.Context, name string, tick func(context.Context)) error {
	interval := b.engine.Config().TickInterval()
	b.logger.Printf("%s monitor started (every %s)", name, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Printf("%s monitor stopped", name)
			return nil
		case <-ticker.C:
		}

		if err := b.safeTick(ctx, name, tick); err != nil {
			metrics.TickErrors.WithLabelValues(name).Inc()
			b.events.publish(events.TypeTickError, "", map[string]string{"loop": name, "error": err.Error()})
			backoff := b.engine.Config().ErrorBackoff()
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}
	}
}

func (b *Bot) safeTick(ctx context.Context, name string, tick func(context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s tick panicked: %v", name, r)
			b.logger.Printf("ERROR: %v\n%s", err, debug.Stack())
		}
	}()
	tick(ctx)
	return nil
}

// entryTick evaluates every configured underlying once: open positions are
// checked for a trend reversal on the closed intraday bars, flat ones for an
// entry signal, CALL before PUT.
func (b *Bot) entryTick(ctx context.Context) {
	if !b.trading.Load() {
		return
	}
	cfg := b.engine.Config()
	now := b.clock()
	if !cfg.InSession(now) {
		b.announceIdle(cfg, now)
		return
	}

	for _, u := range cfg.Underlyings() {
		if ctx.Err() != nil {
			return
		}
		snap, err := b.feed.Snapshot(ctx, cfg, u)
		if err != nil {
			b.logger.Printf("WARNING: %s: no market data this tick: %v", u, err)
			continue
		}
		b.setVIX(snap.VIX)

		if pos, ok := b.engine.Position(u); ok {
			b.checkReversal(ctx, cfg, pos, snap)
			continue
		}
		b.evaluateEntry(ctx, cfg, u, snap)
	}
}

// announceIdle logs the next session open once per closed period.
func (b *Bot) announceIdle(cfg *config.Config, now time.Time) {
	next := cfg.NextOpen(now)
	b.mu.Lock()
	defer b.mu.Unlock()
	if next.Equal(b.idleUntil) {
		return
	}
	b.idleUntil = next
	b.logger.Printf("Market closed, entry monitor idle until %s", next.Format("Mon 2006-01-02 15:04 MST"))
}

func (b *Bot) checkReversal(ctx context.Context, cfg *config.Config, pos models.Position, snap *marketdata.Snapshot) {
	exit, sig := b.engine.CheckExitConditions(&pos, strategy.ExitInput{Intraday: snap.Intraday, Now: snap.At})
	if !exit || sig.Trigger != strategy.TriggerReversal {
		return
	}
	premium, _ := b.premium(ctx, cfg, pos)
	b.closePosition(ctx, pos, sig, premium, snap.Spot)
}

func (b *Bot) evaluateEntry(ctx context.Context, cfg *config.Config, u string, snap *marketdata.Snapshot) {
	for _, tt := range []models.TradeType{models.TradeCall, models.TradePut} {
		ok, reason := b.engine.CheckEntryConditions(u, tt, snap)
		if !ok {
			if b.debug {
				b.logger.Printf("%s %s: %s", u, tt, reason)
			}
			continue
		}
		b.logger.Printf("ENTRY SIGNAL %s: %s", u, reason)
		b.enter(ctx, cfg, u, tt, snap)
		return
	}
}

// enter claims the underlying, resolves and quotes the contract and buys it.
// The position is recorded only for an acknowledged order.
func (b *Bot) enter(ctx context.Context, cfg *config.Config, u string, tt models.TradeType, snap *marketdata.Snapshot) {
	if err := b.engine.BeginEntry(u); err != nil {
		b.logger.Printf("%s entry skipped: %v", u, err)
		return
	}

	contract, err := b.selector.Load().SelectOption(u, snap.Spot, tt, cfg.Strategy.StrikeDepth, snap.At)
	if err != nil {
		b.engine.AbandonEntry(u, err.Error())
		return
	}
	premium, err := b.feed.OptionPremium(ctx, cfg, u, contract.Symbol)
	if err != nil || premium <= 0 {
		b.engine.AbandonEntry(u, fmt.Sprintf("no quote for %s: %v", contract.Symbol, err))
		return
	}

	qty := cfg.Quantity(u)
	order := b.orders.Place(ctx, orders.Request{
		Underlying: u,
		Symbol:     contract.Symbol,
		Exchange:   contract.Exchange,
		Token:      contract.Token,
		Strike:     contract.Strike,
		TradeType:  tt,
		Side:       models.SideBuy,
		Quantity:   qty,
	})
	if !order.Status.Acknowledged() {
		b.engine.AbandonEntry(u, fmt.Sprintf("order %s %s: %s", order.OrderID, order.Status, order.RejectionReason))
		return
	}

	pos, err := b.engine.EnterTrade(strategy.EntryOrder{
		Underlying:   u,
		TradeType:    tt,
		Premium:      premium,
		Spot:         snap.Spot,
		VIX:          snap.VIX,
		Quantity:     qty,
		OptionSymbol: contract.Symbol,
		Strike:       contract.Strike,
		SignalIndex:  snap.Intraday.LastIndex(),
	})
	if err != nil {
		b.logger.Printf("ERROR: order %s acknowledged but position not recorded: %v", order.OrderID, err)
		return
	}
	b.rememberPremium(pos.ID, premium)
}

// exitTick evaluates every open position against live spot and premium. It
// runs whenever positions are open, so the end of day exit fires after the
// close even when the entry loop has gone idle.
func (b *Bot) exitTick(ctx context.Context) {
	if !b.trading.Load() {
		return
	}
	cfg := b.engine.Config()
	for u, pos := range b.engine.OpenPositions() {
		if ctx.Err() != nil {
			return
		}
		if b.engine.Phase(u) != models.PhaseOpen {
			continue
		}
		b.evaluateExit(ctx, cfg, pos)
	}
}

func (b *Bot) evaluateExit(ctx context.Context, cfg *config.Config, pos models.Position) {
	u := pos.Underlying
	spot, err := b.feed.Spot(ctx, cfg, u)
	if err != nil {
		spot = 0
		if b.debug {
			b.logger.Printf("%s spot unavailable: %v", u, err)
		}
	}
	premium, live := b.premium(ctx, cfg, pos)
	if !live {
		premium = 0
	} else {
		metrics.UnrealisedPnL.WithLabelValues(u).Set(pos.CalculatePnL(premium))
	}

	exit, sig := b.engine.CheckExitConditions(&pos, strategy.ExitInput{Premium: premium, Spot: spot, Now: b.clock()})
	if !b.debounce(pos, exit, sig, premium) {
		return
	}
	b.closePosition(ctx, pos, sig, premium, spot)
}

// debounce gates the safety net: it must hold for safety_net_ticks consecutive
// ticks with a live premium. A tick without a premium leaves the count alone.
// Every other exit rule acts immediately.
func (b *Bot) debounce(pos models.Position, exit bool, sig strategy.ExitSignal, premium float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if exit && sig.Trigger == strategy.TriggerSafetyNet {
		b.safetyNet[pos.ID]++
		n, need := b.safetyNet[pos.ID], b.engine.Config().Strategy.SafetyNetTicks
		if n < need {
			b.logger.Printf("%s safety net %d/%d: %s", pos.ID, n, need, sig.Detail)
			return false
		}
		return true
	}
	if premium > 0 {
		if n := b.safetyNet[pos.ID]; n > 0 {
			b.logger.Printf("%s safety net recovered after %d tick(s)", pos.ID, n)
		}
		delete(b.safetyNet, pos.ID)
	}
	return exit
}

// closePosition claims the position and sells it. The engine closes the
// position only for an acknowledged order; otherwise it goes back to monitoring.
func (b *Bot) closePosition(ctx context.Context, pos models.Position, sig strategy.ExitSignal, premium, spot float64) {
	u := pos.Underlying
	claimed, err := b.engine.BeginExit(u, pos.ID)
	if err != nil {
		if !errors.Is(err, strategy.ErrExitInProgress) {
			b.logger.Printf("%s exit skipped: %v", u, err)
		}
		return
	}
	b.logger.Printf("EXIT SIGNAL %s [%s]: %s", claimed.ID, sig.Trigger, sig.Detail)

	token, _ := b.selector.Load().Master().Token(claimed.OptionSymbol)
	order := b.orders.Place(ctx, orders.Request{
		Underlying: u,
		Symbol:     claimed.OptionSymbol,
		Exchange:   instruments.OptionExchange(u),
		Token:      token,
		Strike:     claimed.StrikePrice,
		TradeType:  claimed.TradeType,
		Side:       models.SideSell,
		Quantity:   claimed.LotSize,
	})
	if !order.Status.Acknowledged() {
		b.engine.AbandonExit(u, fmt.Sprintf("sell order %s %s: %s", order.OrderID, order.Status, order.RejectionReason))
		return
	}

	price := premium
	if price <= 0 {
		price = b.lastPremium(claimed)
	}
	if spot <= 0 {
		spot = claimed.EntryUnderlyingPrice
	}
	if _, err := b.engine.ExitTrade(u, price, spot, sig.Reason); err != nil {
		b.logger.Printf("ERROR: sell %s acknowledged but position not closed: %v", order.OrderID, err)
		b.engine.AbandonExit(u, err.Error())
		return
	}

	b.mu.Lock()
	delete(b.safetyNet, claimed.ID)
	delete(b.premiums, claimed.ID)
	b.mu.Unlock()
}

// premium quotes the position's option and remembers the value. The bool is
// false when no live premium was available.
func (b *Bot) premium(ctx context.Context, cfg *config.Config, pos models.Position) (float64, bool) {
	p, err := b.feed.OptionPremium(ctx, cfg, pos.Underlying, pos.OptionSymbol)
	if err != nil || p <= 0 {
		if b.debug {
			b.logger.Printf("%s premium unavailable: %v", pos.ID, err)
		}
		return 0, false
	}
	b.rememberPremium(pos.ID, p)
	return p, true
}

func (b *Bot) rememberPremium(id string, p float64) {
	b.mu.Lock()
	b.premiums[id] = p
	b.mu.Unlock()
}

// lastPremium is the last quoted premium, or the entry price if none was seen.
func (b *Bot) lastPremium(pos models.Position) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.premiums[pos.ID]; ok && p > 0 {
		return p
	}
	return pos.EntryPrice
}
