// Package strategy holds the signal and position lifecycle engine: entry and
// exit rule chains, the open position map, closed history and daily counters.
package strategy

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/storage"
)

// Engine errors
var (
	// ErrPositionExists is returned when opening a second position on an underlying.
	ErrPositionExists = errors.New("position already open for underlying")
	// ErrNoPosition is returned when no open position matches the request.
	ErrNoPosition = errors.New("no open position for underlying")
	// ErrEntryInProgress is returned when a buy order for the underlying is already in flight.
	ErrEntryInProgress = errors.New("entry already in progress")
	// ErrExitInProgress is returned when a sell order for the position is already in flight.
	ErrExitInProgress = errors.New("exit already in progress")
)

// Observer is notified after each committed lifecycle change. Calls happen
// outside the engine lock, in commit order per engine.
type Observer interface {
	PositionOpened(pos models.Position)
	PositionClosed(pos models.Position, account Account)
}

// Account summarises capital and trade statistics.
type Account struct {
	InitialCapital float64 `json:"initial_capital"`
	CurrentCapital float64 `json:"current_capital"`
	TotalPnL       float64 `json:"total_pnl"`
	TotalPnLPct    float64 `json:"total_pnl_pct"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	OpenPositions  int     `json:"open_positions"`
	DailyPnL       float64 `json:"daily_pnl"`
	DailyTrades    int     `json:"daily_trades"`
	Day            string  `json:"day"`
}

// Engine owns the open positions, closed history and daily counters. One mutex
// guards all of it; persistence happens under the lock, broker calls never do.
type Engine struct {
	cfg    atomic.Pointer[config.Config]
	store  storage.Interface
	logger *log.Logger
	now    func() time.Time

	mu          sync.Mutex
	positions   map[string]models.Position
	history     []models.Position
	machines    map[string]*models.StateMachine
	capital     float64
	dailyPnL    float64
	dailyTrades int
	day         string

	obsMu     sync.Mutex
	observers []Observer
}

// NewEngine creates an engine with empty state. Call Restore to load persisted state.
func NewEngine(cfg *config.Config, store storage.Interface, logger *log.Logger) *Engine {
	if cfg == nil {
		panic("strategy: nil config")
	}
	if store == nil {
		panic("strategy: nil storage")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := &Engine{
		store:     store,
		logger:    logger,
		now:       time.Now,
		positions: make(map[string]models.Position),
		machines:  make(map[string]*models.StateMachine),
		capital:   cfg.Risk.InitialCapital,
	}
	e.cfg.Store(cfg)
	e.day = e.dayKey(e.now())
	return e
}

// SetClock replaces the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	e.day = e.dayKey(now())
	for _, sm := range e.machines {
		sm.SetClock(now)
	}
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

// UpdateConfig swaps in a new, already validated configuration. Open positions
// keep the stop loss and lot size they were entered with.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.cfg.Store(cfg)
	e.logger.Printf("Configuration updated (mode=%s, rsi=[%.0f,%.0f], adx>%.0f, vix>=%.1f)",
		cfg.Environment.Mode, cfg.Strategy.RSIMin, cfg.Strategy.RSIMax, cfg.Strategy.ADXDailyMin, cfg.Risk.VIXMinThreshold)
}

// AddObserver registers o for lifecycle notifications.
func (e *Engine) AddObserver(o Observer) {
	if o == nil {
		return
	}
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) notify(fn func(Observer)) {
	e.obsMu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.obsMu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

// Restore loads positions and history from storage. Corrupt documents are
// treated as empty (cold start) and logged; Restore never fails because of them.
func (e *Engine) Restore() error {
	positions, err := e.store.LoadPositions()
	if err != nil {
		if !errors.Is(err, storage.ErrCorruptState) {
			return fmt.Errorf("loading positions: %w", err)
		}
		e.logger.Printf("WARNING: %v; starting with no open positions", err)
		positions = map[string]models.Position{}
	}
	history, err := e.store.LoadHistory()
	if err != nil {
		if !errors.Is(err, storage.ErrCorruptState) {
			return fmt.Errorf("loading history: %w", err)
		}
		e.logger.Printf("WARNING: %v; starting with empty history", err)
		history = []models.Position{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	closedIDs := make(map[string]bool, len(history))
	e.history = e.history[:0]
	e.capital = e.Config().Risk.InitialCapital
	for _, h := range history {
		if err := h.Validate(); err != nil {
			e.logger.Printf("WARNING: dropping invalid history entry: %v", err)
			continue
		}
		closedIDs[h.ID] = true
		e.history = append(e.history, h)
		e.capital += h.RealisedPnL()
	}

	e.positions = make(map[string]models.Position, len(positions))
	e.machines = make(map[string]*models.StateMachine)
	dirty := false
	for key, pos := range positions {
		if err := pos.Validate(); err != nil {
			e.logger.Printf("WARNING: dropping invalid open position under %s: %v", key, err)
			dirty = true
			continue
		}
		if closedIDs[pos.ID] {
			// Crash between the history and positions writes of an exit.
			e.logger.Printf("WARNING: %s is already in history, dropping it from open positions", pos.ID)
			dirty = true
			continue
		}
		u := instruments.Canonical(pos.Underlying)
		if u != key {
			dirty = true
		}
		pos.Underlying = u
		e.positions[u] = pos
		e.advance(u, models.PhaseOpen, models.ConditionRestored)
	}

	e.rebuildDailyLocked(e.now())
	if dirty {
		e.savePositionsLocked()
	}
	e.logger.Printf("Restored %d open positions and %d closed trades (%d from today, daily P&L Rs %.2f)",
		len(e.positions), len(e.history), e.dailyTrades, e.dailyPnL)
	return nil
}

// rebuildDailyLocked recomputes daily counters from trades entered on now's date.
func (e *Engine) rebuildDailyLocked(now time.Time) {
	e.day = e.dayKey(now)
	e.dailyPnL = 0
	e.dailyTrades = 0
	for _, h := range e.history {
		if e.dayKey(h.EntryTime) == e.day {
			e.dailyTrades++
			e.dailyPnL += h.RealisedPnL()
		}
	}
	for _, p := range e.positions {
		if e.dayKey(p.EntryTime) == e.day {
			e.dailyTrades++
		}
	}
}

// ResetDaily zeroes the daily P&L and trade count.
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDailyLocked(e.now())
}

func (e *Engine) resetDailyLocked(now time.Time) {
	prevDay, prevPnL, prevTrades := e.day, e.dailyPnL, e.dailyTrades
	e.day = e.dayKey(now)
	e.dailyPnL = 0
	e.dailyTrades = 0
	e.logger.Printf("Daily counters reset for %s (previous %s: %d trades, P&L Rs %.2f)", e.day, prevDay, prevTrades, prevPnL)
}

// rollDayLocked resets the daily counters when the exchange date has changed.
func (e *Engine) rollDayLocked(now time.Time) {
	if e.dayKey(now) != e.day {
		e.resetDailyLocked(now)
	}
}

func (e *Engine) dayKey(t time.Time) string {
	return t.In(e.Config().Location()).Format(time.DateOnly)
}

func (e *Engine) machine(underlying string) *models.StateMachine {
	sm, ok := e.machines[underlying]
	if !ok {
		sm = models.NewStateMachine()
		sm.SetClock(e.now)
		e.machines[underlying] = sm
	}
	return sm
}

// advance moves the underlying's machine, forcing it into a consistent phase
// when the recorded history does not allow the transition.
func (e *Engine) advance(underlying string, to models.Phase, condition string) {
	sm := e.machine(underlying)
	err := sm.Transition(to, condition)
	if err == nil {
		return
	}
	e.logger.Printf("WARNING: %s state machine: %v; resynchronising", underlying, err)
	sm.Reset()
	switch to {
	case models.PhaseFlat:
	case models.PhaseOpen:
		_ = sm.Transition(models.PhaseOpen, models.ConditionRestored)
	case models.PhaseEvaluatingEntry:
		_ = sm.Transition(models.PhaseEvaluatingEntry, models.ConditionEntrySignal)
	case models.PhaseEvaluatingExit:
		_ = sm.Transition(models.PhaseOpen, models.ConditionRestored)
		_ = sm.Transition(models.PhaseEvaluatingExit, models.ConditionExitSignal)
	}
}

func (e *Engine) savePositionsLocked() {
	if err := e.store.SavePositions(e.positions); err != nil {
		e.logger.Printf("ERROR: failed to persist open positions: %v", err)
	}
}

func (e *Engine) saveHistoryLocked() {
	if err := e.store.SaveHistory(e.history); err != nil {
		e.logger.Printf("ERROR: failed to persist trade history: %v", err)
	}
}

// Phase returns the lifecycle phase of an underlying.
func (e *Engine) Phase(underlying string) models.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sm, ok := e.machines[instruments.Canonical(underlying)]; ok {
		return sm.Current()
	}
	return models.PhaseFlat
}

// PhaseStatus reports the lifecycle machine of an underlying.
func (e *Engine) PhaseStatus(underlying string) models.PhaseStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine(instruments.Canonical(underlying)).Status()
}

// Position returns a copy of the open position for underlying.
func (e *Engine) Position(underlying string) (models.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[instruments.Canonical(underlying)]
	if !ok {
		return models.Position{}, false
	}
	return pos.Clone(), true
}

// OpenPositions returns a copy of the open position map.
func (e *Engine) OpenPositions() map[string]models.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]models.Position, len(e.positions))
	for k, p := range e.positions {
		out[k] = p.Clone()
	}
	return out
}

// OpenUnderlyings returns the underlyings with an open position, sorted.
func (e *Engine) OpenUnderlyings() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.positions))
	for k := range e.positions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// History returns a copy of the closed trades in the order they were closed.
func (e *Engine) History() []models.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Position, len(e.history))
	for i := range e.history {
		out[i] = e.history[i].Clone()
	}
	return out
}

// Status returns the account summary.
func (e *Engine) Status() Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDayLocked(e.now())
	return e.accountLocked()
}

func (e *Engine) accountLocked() Account {
	initial := e.Config().Risk.InitialCapital
	a := Account{
		InitialCapital: initial,
		CurrentCapital: e.capital,
		TotalPnL:       e.capital - initial,
		TotalTrades:    len(e.history),
		OpenPositions:  len(e.positions),
		DailyPnL:       e.dailyPnL,
		DailyTrades:    e.dailyTrades,
		Day:            e.day,
	}
	if initial > 0 {
		a.TotalPnLPct = a.TotalPnL / initial * 100
	}
	for i := range e.history {
		if e.history[i].RealisedPnL() > 0 {
			a.WinningTrades++
		}
	}
	a.LosingTrades = a.TotalTrades - a.WinningTrades
	if a.TotalTrades > 0 {
		a.WinRate = float64(a.WinningTrades) / float64(a.TotalTrades) * 100
	}
	return a
}
