package main

import (
	"context"
	"log"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/events"
	"github.com/eddiefleurent/fno_trader/internal/journal"
	"github.com/eddiefleurent/fno_trader/internal/metrics"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/strategy"
)

const sideEffectTimeout = 5 * time.Second

// metricsObserver keeps the Prometheus collectors in step with the engine.
type metricsObserver struct{}

func (metricsObserver) PositionOpened(pos models.Position) {
	metrics.EntriesTotal.WithLabelValues(pos.Underlying, string(pos.TradeType)).Inc()
}

func (metricsObserver) PositionClosed(pos models.Position, acct strategy.Account) {
	metrics.PositionClosed(pos.Underlying, string(pos.Reason()))
	metrics.Account(acct.OpenPositions, acct.DailyPnL, acct.CurrentCapital)
}

// journalObserver writes closed trades and the day's equity row. Failures are
// logged and never reach the engine.
type journalObserver struct {
	journal *journal.SQLite
	logger  *log.Logger
}

func (j *journalObserver) PositionOpened(models.Position) {}

func (j *journalObserver) PositionClosed(pos models.Position, acct strategy.Account) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	rec, err := journal.FromPosition(pos)
	if err != nil {
		j.logger.Printf("WARNING: journal: %v", err)
		return
	}
	if err := j.journal.RecordTrade(ctx, rec); err != nil {
		j.logger.Printf("WARNING: journal: recording trade %s: %v", pos.ID, err)
	}
	eq := journal.EquitySnapshot{
		Day:         acct.Day,
		Capital:     acct.CurrentCapital,
		TotalPnL:    acct.TotalPnL,
		DailyPnL:    acct.DailyPnL,
		DailyTrades: acct.DailyTrades,
		WinRate:     acct.WinRate,
		UpdatedAt:   rec.ExitTime,
	}
	if err := j.journal.RecordEquity(ctx, eq); err != nil {
		j.logger.Printf("WARNING: journal: recording equity for %s: %v", acct.Day, err)
	}
}

// eventObserver publishes lifecycle events to the bus.
type eventObserver struct {
	bus    events.Bus
	logger *log.Logger
	now    func() time.Time
}

func (o *eventObserver) PositionOpened(pos models.Position) {
	o.publish(events.TypePositionOpened, pos.Underlying, pos)
}

func (o *eventObserver) PositionClosed(pos models.Position, acct strategy.Account) {
	o.publish(events.TypePositionClosed, pos.Underlying, map[string]any{
		"position": pos,
		"account":  acct,
	})
}

func (o *eventObserver) order(ord models.Order) {
	metrics.OrdersTotal.WithLabelValues(string(ord.Side), string(ord.Status)).Inc()
	o.publish(events.TypeOrder, ord.Underlying, ord)
}

func (o *eventObserver) publish(typ, underlying string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	ev := events.Event{Type: typ, At: o.now(), Underlying: underlying, Data: data}
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Printf("WARNING: publishing %s event: %v", typ, err)
	}
}

var (
	_ strategy.Observer = metricsObserver{}
	_ strategy.Observer = (*journalObserver)(nil)
	_ strategy.Observer = (*eventObserver)(nil)
)
