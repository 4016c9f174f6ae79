package strategy

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/indicators"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/models"
)

// Trigger identifies which exit rule fired.
type Trigger string

const (
	TriggerSafetyNet    Trigger = "safety_net"
	TriggerStopLoss     Trigger = "stop_loss"
	TriggerProfitTarget Trigger = "profit_target"
	TriggerReversal     Trigger = "trend_reversal"
	TriggerEndOfDay     Trigger = "end_of_day"
)

// ExitInput is the market state an open position is evaluated against.
type ExitInput struct {
	Premium  float64           // option LTP; <= 0 skips the premium based rules
	Spot     float64           // underlying spot; <= 0 skips the stop loss
	Intraday *indicators.Frame // nil skips the reversal rule
	Now      time.Time         // zero means the engine clock
}

// ExitSignal is the first exit rule that fired.
type ExitSignal struct {
	Reason  models.ExitReason
	Trigger Trigger
	Detail  string
}

// CheckExitConditions evaluates the exit chain in priority order: safety net,
// spot stop loss, profit target, trend reversal on the last closed bar, then
// end of day. The first rule that fires wins.
func (e *Engine) CheckExitConditions(pos *models.Position, in ExitInput) (bool, ExitSignal) {
	if pos == nil || !pos.IsOpen() {
		return false, ExitSignal{}
	}
	cfg := e.Config()
	now := in.Now
	if now.IsZero() {
		now = e.now()
	}

	// 1. safety net on premium loss
	if in.Premium > 0 {
		pct := pos.CalculatePnLPct(in.Premium)
		if pct <= cfg.Risk.MaxPremiumLossPercent {
			return true, ExitSignal{
				Reason:  models.ExitStopLoss,
				Trigger: TriggerSafetyNet,
				Detail:  fmt.Sprintf("premium P&L %.2f%% <= %.2f%%", pct, cfg.Risk.MaxPremiumLossPercent),
			}
		}
	}

	// 2. spot stop loss frozen at entry
	if in.Spot > 0 && pos.StopLossHit(in.Spot) {
		return true, ExitSignal{
			Reason:  models.ExitStopLoss,
			Trigger: TriggerStopLoss,
			Detail:  fmt.Sprintf("spot moved %.2f%% against entry %.2f (SL %.2f%%)", pos.SpotMovePct(in.Spot), pos.EntryUnderlyingPrice, pos.SLPercentage),
		}
	}

	// 3. absolute profit target
	if in.Premium > 0 && pos.ProfitTargetHit(in.Premium, cfg.Risk.ProfitTargetAmount) {
		return true, ExitSignal{
			Reason:  models.ExitProfitTarget,
			Trigger: TriggerProfitTarget,
			Detail:  fmt.Sprintf("P&L Rs %.2f >= Rs %.2f", pos.CalculatePnL(in.Premium), cfg.Risk.ProfitTargetAmount),
		}
	}

	// 4. reversal on the last closed candle, never the forming one
	if in.Intraday != nil {
		if idx := in.Intraday.LastIndex() - 1; idx > 0 {
			if detail, ok := reversal(pos.TradeType, in.Intraday, idx); ok {
				return true, ExitSignal{Reason: models.ExitTrendReversal, Trigger: TriggerReversal, Detail: detail}
			}
		}
	}

	// 5. end of day
	if !cfg.InSession(now) {
		return true, ExitSignal{Reason: models.ExitEndOfDay, Trigger: TriggerEndOfDay, Detail: "outside trading session"}
	}
	return false, ExitSignal{}
}

func reversal(tradeType models.TradeType, f *indicators.Frame, idx int) (string, bool) {
	if tradeType == models.TradeCall {
		if indicators.BearishCross(f.MACD, f.Signal, idx) {
			return "bearish MACD crossover", true
		}
		if indicators.BearishCross(f.PlusDI, f.MinusDI, idx) {
			return "bearish DI crossover", true
		}
		return "", false
	}
	if indicators.BullishCross(f.MACD, f.Signal, idx) {
		return "bullish MACD crossover", true
	}
	if indicators.BullishCross(f.PlusDI, f.MinusDI, idx) {
		return "bullish DI crossover", true
	}
	return "", false
}

// BeginExit claims an open position for a sell order and returns a copy of it.
// positionID guards against acting on a position replaced since it was read;
// empty skips that check. Every successful call must be followed by ExitTrade
// or AbandonExit.
func (e *Engine) BeginExit(underlying, positionID string) (models.Position, error) {
	u := instruments.Canonical(underlying)
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[u]
	if !ok || (positionID != "" && pos.ID != positionID) {
		return models.Position{}, fmt.Errorf("%s: %w", u, ErrNoPosition)
	}
	if e.machine(u).Current() == models.PhaseEvaluatingExit {
		return models.Position{}, fmt.Errorf("%s (%s): %w", u, pos.ID, ErrExitInProgress)
	}
	e.advance(u, models.PhaseEvaluatingExit, models.ConditionExitSignal)
	return pos.Clone(), nil
}

// AbandonExit returns a claimed position to monitoring after a failed sell.
func (e *Engine) AbandonExit(underlying, reason string) {
	u := instruments.Canonical(underlying)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine(u).Current() != models.PhaseEvaluatingExit {
		return
	}
	e.advance(u, models.PhaseOpen, models.ConditionExitAbandoned)
	e.logger.Printf("%s exit abandoned, still monitoring: %s", u, reason)
}

// ExitTrade closes the open position for underlying, moves it to history and
// updates capital and daily P&L. History is persisted before the open map so a
// crash in between is repaired by Restore.
func (e *Engine) ExitTrade(underlying string, exitPrice, exitSpot float64, reason models.ExitReason) (models.Position, error) {
	u := instruments.Canonical(underlying)

	e.mu.Lock()
	now := e.now().In(e.Config().Location())
	e.rollDayLocked(now)
	pos, ok := e.positions[u]
	if !ok {
		e.mu.Unlock()
		return models.Position{}, fmt.Errorf("%s: %w", u, ErrNoPosition)
	}
	if err := pos.Close(now, exitPrice, exitSpot, reason); err != nil {
		e.mu.Unlock()
		return models.Position{}, err
	}

	pnl := pos.RealisedPnL()
	e.capital += pnl
	e.dailyPnL += pnl
	e.history = append(e.history, pos)
	delete(e.positions, u)
	e.advance(u, models.PhaseFlat, models.ConditionPositionClosed)
	e.saveHistoryLocked()
	e.savePositionsLocked()
	acct := e.accountLocked()
	out := pos.Clone()
	e.mu.Unlock()

	label := "PROFIT"
	if pnl < 0 {
		label = "LOSS"
	}
	e.logger.Printf("[%s] EXIT %s: %s @ Rs %.2f (spot %.2f) | P&L Rs %.2f (%+.2f%%) | daily Rs %.2f",
		label, pos.ID, reason, exitPrice, exitSpot, pnl, *pos.PnLPercentage, acct.DailyPnL)
	e.notify(func(o Observer) { o.PositionClosed(out.Clone(), acct) })
	return out, nil
}
