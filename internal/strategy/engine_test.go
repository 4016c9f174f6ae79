package strategy

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/storage"
)

var ist = time.FixedZone("IST", 5*60*60+30*60)

// tuesday 11:00 IST, inside the entry window
var testNow = time.Date(2026, 2, 10, 11, 0, 0, 0, ist)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("broker:\n  simulate: true\n"))
	require.NoError(t, err)
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *storage.MockStorage, *testClock) {
	t.Helper()
	store := storage.NewMockStorage()
	e := NewEngine(testConfig(t), store, nil)
	clock := &testClock{t: testNow}
	e.SetClock(clock.Now)
	return e, store, clock
}

func niftyCall(premium float64) EntryOrder {
	return EntryOrder{
		Underlying:   "NIFTY50",
		TradeType:    models.TradeCall,
		Premium:      premium,
		Spot:         26523.45,
		VIX:          16,
		OptionSymbol: "NIFTY10FEB2626500CE",
		Strike:       26500,
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []models.Position
	closed []models.Position
	last   Account
}

func (r *recordingObserver) PositionOpened(pos models.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, pos)
}

func (r *recordingObserver) PositionClosed(pos models.Position, acct Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, pos)
	r.last = acct
}

func TestNewEngine_PanicsOnNilDependencies(t *testing.T) {
	cfg := testConfig(t)
	assert.Panics(t, func() { NewEngine(nil, storage.NewMockStorage(), nil) })
	assert.Panics(t, func() { NewEngine(cfg, nil, nil) })
}

func TestEnterTrade(t *testing.T) {
	e, store, _ := newTestEngine(t)

	pos, err := e.EnterTrade(niftyCall(120))
	require.NoError(t, err)

	assert.Equal(t, "NIFTY50", pos.Underlying)
	assert.Equal(t, models.TradeCall, pos.TradeType)
	assert.Equal(t, 65, pos.LotSize, "lot size times default_num_lots")
	assert.Equal(t, 0.75, pos.SLPercentage, "VIX 16 selects the mid band")
	assert.Equal(t, 16.0, pos.VIXAtEntry)
	assert.Equal(t, 26500.0, pos.StrikePrice)
	assert.True(t, pos.IsOpen())
	assert.Contains(t, pos.ID, "NIFTY50_CALL_20260210110000")

	assert.Equal(t, 1, store.GetSavePositionsCallCount(), "persisted before returning")
	saved, err := store.LoadPositions()
	require.NoError(t, err)
	assert.Equal(t, pos.ID, saved["NIFTY50"].ID)

	assert.Equal(t, models.PhaseOpen, e.Phase("NIFTY 50"))
	assert.Equal(t, 1, e.Status().DailyTrades)
}

func TestEnterTrade_RejectsSecondPosition(t *testing.T) {
	e, store, _ := newTestEngine(t)

	first, err := e.EnterTrade(niftyCall(120))
	require.NoError(t, err)

	_, err = e.EnterTrade(niftyCall(130))
	assert.ErrorIs(t, err, ErrPositionExists)

	open := e.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, first.ID, open["NIFTY50"].ID)
	assert.Equal(t, 1, store.GetSavePositionsCallCount())
	assert.Equal(t, 1, e.Status().DailyTrades)
}

func TestEnterTrade_ConcurrentCallsOpenOnePosition(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.EnterTrade(niftyCall(100 + float64(i))); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Len(t, e.OpenPositions(), 1)
}

func TestEnterTrade_InvalidOrderLeavesEngineFlat(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.BeginEntry("NIFTY50"))

	o := niftyCall(120)
	o.TradeType = ""
	_, err := e.EnterTrade(o)
	assert.Error(t, err)
	assert.Empty(t, e.OpenPositions())
	assert.Equal(t, models.PhaseFlat, e.Phase("NIFTY50"))
}

func TestExitTrade(t *testing.T) {
	e, store, clock := newTestEngine(t)
	o := niftyCall(100)
	o.Quantity = 50
	_, err := e.EnterTrade(o)
	require.NoError(t, err)

	clock.Set(testNow.Add(30 * time.Minute))
	closed, err := e.ExitTrade("NIFTY50", 124, 26600, models.ExitProfitTarget)
	require.NoError(t, err)

	assert.False(t, closed.IsOpen())
	assert.Equal(t, 1200.0, closed.RealisedPnL())
	assert.InDelta(t, 24.0, *closed.PnLPercentage, 1e-9)
	assert.Equal(t, models.ExitProfitTarget, closed.Reason())
	assert.True(t, closed.ExitTime.Equal(testNow.Add(30*time.Minute)))

	assert.Empty(t, e.OpenPositions())
	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, closed.ID, history[0].ID)

	acct := e.Status()
	assert.Equal(t, 101200.0, acct.CurrentCapital)
	assert.Equal(t, 1200.0, acct.TotalPnL)
	assert.InDelta(t, 1.2, acct.TotalPnLPct, 1e-9)
	assert.Equal(t, 1200.0, acct.DailyPnL)
	assert.Equal(t, 1, acct.WinningTrades)
	assert.Equal(t, 100.0, acct.WinRate)

	assert.Equal(t, 1, store.GetSaveHistoryCallCount())
	assert.Equal(t, 2, store.GetSavePositionsCallCount())
	assert.Equal(t, models.PhaseFlat, e.Phase("NIFTY50"))

	_, err = e.ExitTrade("NIFTY50", 124, 26600, models.ExitProfitTarget)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestExitTrade_ClosedPositionIsImmutable(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.EnterTrade(niftyCall(100))
	require.NoError(t, err)

	closed, err := e.ExitTrade("NIFTY50", 90, 26400, models.ExitStopLoss)
	require.NoError(t, err)

	*closed.PnL = 1e6
	closed.EntryPrice = 1
	assert.Equal(t, -650.0, e.History()[0].RealisedPnL())
	assert.Equal(t, 100.0, e.History()[0].EntryPrice)

	_, err = e.ExitTrade("NIFTY50", 80, 26400, models.ExitStopLoss)
	assert.ErrorIs(t, err, ErrNoPosition)
	assert.Len(t, e.History(), 1)
}

func TestExitTrade_RejectsInvalidReason(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.EnterTrade(niftyCall(100))
	require.NoError(t, err)

	_, err = e.ExitTrade("NIFTY50", 90, 26400, models.ExitReason("bogus"))
	assert.Error(t, err)
	assert.Len(t, e.OpenPositions(), 1, "position stays open")
}

func TestExitTrade_PersistFailureKeepsMemoryState(t *testing.T) {
	e, store, _ := newTestEngine(t)
	_, err := e.EnterTrade(niftyCall(100))
	require.NoError(t, err)

	store.SetSaveError(errors.New("disk full"))
	_, err = e.ExitTrade("NIFTY50", 110, 26550, models.ExitManual)
	require.NoError(t, err)
	assert.Empty(t, e.OpenPositions())
	assert.Len(t, e.History(), 1)
}

func TestEntryClaims(t *testing.T) {
	e, _, _ := newTestEngine(t)

	require.NoError(t, e.BeginEntry("NIFTY50"))
	assert.Equal(t, models.PhaseEvaluatingEntry, e.Phase("NIFTY50"))
	assert.ErrorIs(t, e.BeginEntry("NIFTY 50"), ErrEntryInProgress)

	e.AbandonEntry("NIFTY50", "order rejected")
	assert.Equal(t, models.PhaseFlat, e.Phase("NIFTY50"))

	require.NoError(t, e.BeginEntry("NIFTY50"))
	_, err := e.EnterTrade(niftyCall(100))
	require.NoError(t, err)
	assert.Equal(t, models.PhaseOpen, e.Phase("NIFTY50"))
	assert.ErrorIs(t, e.BeginEntry("NIFTY50"), ErrPositionExists)

	e.AbandonEntry("NIFTY50", "late")
	assert.Equal(t, models.PhaseOpen, e.Phase("NIFTY50"), "abandon is a no-op once open")
}

func TestExitClaims(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.BeginExit("NIFTY50", "")
	assert.ErrorIs(t, err, ErrNoPosition)

	pos, err := e.EnterTrade(niftyCall(100))
	require.NoError(t, err)

	_, err = e.BeginExit("NIFTY50", "OTHER_ID")
	assert.ErrorIs(t, err, ErrNoPosition)

	claimed, err := e.BeginExit("NIFTY50", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.ID, claimed.ID)
	assert.Equal(t, models.PhaseEvaluatingExit, e.Phase("NIFTY50"))

	_, err = e.BeginExit("NIFTY50", pos.ID)
	assert.ErrorIs(t, err, ErrExitInProgress, "second loop cannot double sell")

	e.AbandonExit("NIFTY50", "sell rejected")
	assert.Equal(t, models.PhaseOpen, e.Phase("NIFTY50"))

	_, err = e.BeginExit("NIFTY50", pos.ID)
	require.NoError(t, err)
	_, err = e.ExitTrade("NIFTY50", 105, 26550, models.ExitProfitTarget)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFlat, e.Phase("NIFTY50"))
}

func closedTrade(t *testing.T, u string, tt models.TradeType, entry time.Time, strike, spot, pnl float64) models.Position {
	t.Helper()
	p := models.Position{
		ID:                   models.NewPositionID(u, tt, entry),
		Underlying:           u,
		TradeType:            tt,
		EntryTime:            entry,
		EntryPrice:           100,
		EntryUnderlyingPrice: spot,
		LotSize:              50,
		SLPercentage:         0.7,
		VIXAtEntry:           14,
		StrikePrice:          strike,
	}
	require.NoError(t, p.Close(entry.Add(time.Hour), 100+pnl/50, spot, models.ExitManual))
	return p
}

func openPosition(u string, tt models.TradeType, entry time.Time) models.Position {
	return models.Position{
		ID:                   models.NewPositionID(u, tt, entry),
		Underlying:           u,
		TradeType:            tt,
		EntryTime:            entry,
		EntryPrice:           150,
		EntryUnderlyingPrice: 26000,
		LotSize:              65,
		SLPercentage:         0.7,
		VIXAtEntry:           14,
		OptionSymbol:         "NIFTY10FEB2626000CE",
		StrikePrice:          26000,
	}
}

func TestRestore(t *testing.T) {
	e, store, _ := newTestEngine(t)
	yesterday := testNow.AddDate(0, 0, -1)
	store.AddHistoryPosition(closedTrade(t, "NIFTY50", models.TradeCall, yesterday, 26000, 26010, -500))
	store.AddHistoryPosition(closedTrade(t, "NIFTY50", models.TradePut, testNow.Add(-90*time.Minute), 26100, 26080, 300))
	store.AddHistoryPosition(closedTrade(t, "BANKNIFTY", models.TradeCall, testNow.Add(-60*time.Minute), 60000, 60020, 450))
	store.SetPosition(openPosition("NIFTY50", models.TradeCall, testNow.Add(-10*time.Minute)))

	require.NoError(t, e.Restore())

	acct := e.Status()
	assert.Equal(t, 100250.0, acct.CurrentCapital, "initial capital plus realised P&L")
	assert.Equal(t, 3, acct.TotalTrades)
	assert.Equal(t, 2, acct.WinningTrades)
	assert.Equal(t, 1, acct.LosingTrades)
	assert.Equal(t, 750.0, acct.DailyPnL, "only trades entered today")
	assert.Equal(t, 3, acct.DailyTrades, "two closed today plus the open one")
	assert.Equal(t, 1, acct.OpenPositions)
	assert.Equal(t, models.PhaseOpen, e.Phase("NIFTY50"))
	assert.Equal(t, models.PhaseFlat, e.Phase("BANKNIFTY"))
}

func TestRestore_DropsPositionAlreadyInHistory(t *testing.T) {
	e, store, _ := newTestEngine(t)
	open := openPosition("NIFTY50", models.TradeCall, testNow.Add(-time.Hour))
	closed := open.Clone()
	require.NoError(t, closed.Close(testNow.Add(-time.Minute), 160, 26050, models.ExitProfitTarget))
	store.SetPosition(open)
	store.AddHistoryPosition(closed)

	require.NoError(t, e.Restore())

	assert.Empty(t, e.OpenPositions())
	assert.Len(t, e.History(), 1)
	saved, err := store.LoadPositions()
	require.NoError(t, err)
	assert.Empty(t, saved, "repaired document written back")
}

func TestRestore_CorruptStateStartsCold(t *testing.T) {
	e, store, _ := newTestEngine(t)
	store.SetLoadError(fmt.Errorf("%w: positions.json: unexpected EOF", storage.ErrCorruptState))

	require.NoError(t, e.Restore())
	assert.Empty(t, e.OpenPositions())
	assert.Empty(t, e.History())
	assert.Equal(t, 100000.0, e.Status().CurrentCapital)
}

func TestRestore_ReadFailureIsReturned(t *testing.T) {
	e, store, _ := newTestEngine(t)
	store.SetLoadError(errors.New("permission denied"))

	assert.Error(t, e.Restore())
}

func TestDailyRollover(t *testing.T) {
	e, _, clock := newTestEngine(t)
	o := niftyCall(100)
	o.Quantity = 50
	_, err := e.EnterTrade(o)
	require.NoError(t, err)
	_, err = e.ExitTrade("NIFTY50", 110, 26600, models.ExitProfitTarget)
	require.NoError(t, err)
	require.Equal(t, 500.0, e.Status().DailyPnL)

	clock.Set(testNow.AddDate(0, 0, 1))
	acct := e.Status()
	assert.Equal(t, 0.0, acct.DailyPnL)
	assert.Equal(t, 0, acct.DailyTrades)
	assert.Equal(t, "2026-02-11", acct.Day)
	assert.Equal(t, 100500.0, acct.CurrentCapital, "capital carries over")
}

func TestResetDaily(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.EnterTrade(niftyCall(100))
	require.NoError(t, err)
	require.Equal(t, 1, e.Status().DailyTrades)

	e.ResetDaily()
	assert.Equal(t, 0, e.Status().DailyTrades)
	assert.Len(t, e.OpenPositions(), 1, "open positions untouched")
}

func TestImportPosition_New(t *testing.T) {
	e, store, _ := newTestEngine(t)
	obs := &recordingObserver{}
	e.AddObserver(obs)

	pos, created, err := e.ImportPosition(BrokerHolding{
		Underlying:   "NIFTY",
		TradeType:    models.TradePut,
		OptionSymbol: "NIFTY10FEB2626000PE",
		Strike:       26000,
		Quantity:     130,
		EntryPrice:   88.5,
		Spot:         25950,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "NIFTY50", pos.Underlying)
	assert.Equal(t, 130, pos.LotSize)
	assert.Equal(t, 15.0, pos.VIXAtEntry, "missing VIX uses the default")
	assert.Equal(t, 0.75, pos.SLPercentage)
	assert.Equal(t, models.PhaseOpen, e.Phase("NIFTY50"))
	assert.Equal(t, 1, e.Status().DailyTrades)
	assert.Equal(t, 1, store.GetSavePositionsCallCount())
	require.Len(t, obs.opened, 1)
}

func TestImportPosition_SyncsTrackedPosition(t *testing.T) {
	e, store, _ := newTestEngine(t)
	o := niftyCall(100)
	o.OptionSymbol = "NIFTY-10Feb2026-26500-CE"
	o.Strike = 0
	entered, err := e.EnterTrade(o)
	require.NoError(t, err)

	pos, created, err := e.ImportPosition(BrokerHolding{
		Underlying:   "NIFTY50",
		TradeType:    models.TradeCall,
		OptionSymbol: "NIFTY10FEB2626500CE",
		Strike:       26500,
		Quantity:     130,
		EntryPrice:   999,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, entered.ID, pos.ID)
	assert.Equal(t, 130, pos.LotSize)
	assert.Equal(t, "NIFTY10FEB2626500CE", pos.OptionSymbol)
	assert.Equal(t, 26500.0, pos.StrikePrice)
	assert.Equal(t, 100.0, pos.EntryPrice, "entry price is never overwritten")
	assert.Equal(t, 2, store.GetSavePositionsCallCount())

	_, _, err = e.ImportPosition(BrokerHolding{Underlying: "NIFTY50", TradeType: models.TradeCall, OptionSymbol: "OTHER", Quantity: 130})
	require.NoError(t, err)
	assert.Equal(t, "NIFTY10FEB2626500CE", e.OpenPositions()["NIFTY50"].OptionSymbol, "clean symbols are kept")
	assert.Equal(t, 2, store.GetSavePositionsCallCount(), "nothing changed, nothing saved")
}

func TestImportPosition_RejectsZeroQuantity(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, _, err := e.ImportPosition(BrokerHolding{Underlying: "NIFTY50", TradeType: models.TradeCall})
	assert.Error(t, err)
}

func TestObserverNotifications(t *testing.T) {
	e, _, _ := newTestEngine(t)
	obs := &recordingObserver{}
	e.AddObserver(obs)
	e.AddObserver(nil)

	_, err := e.EnterTrade(niftyCall(100))
	require.NoError(t, err)
	_, err = e.ExitTrade("NIFTY50", 90, 26500, models.ExitStopLoss)
	require.NoError(t, err)

	require.Len(t, obs.opened, 1)
	require.Len(t, obs.closed, 1)
	assert.Equal(t, obs.opened[0].ID, obs.closed[0].ID)
	assert.Equal(t, -650.0, obs.last.DailyPnL)
	assert.Equal(t, 1, obs.last.TotalTrades)
}

func TestUpdateConfig(t *testing.T) {
	e, _, _ := newTestEngine(t)
	pos, err := e.EnterTrade(niftyCall(100))
	require.NoError(t, err)

	next := testConfig(t)
	next.Risk.StopLoss["NIFTY50"] = config.StopLossBands{Base: 2, Low: 2, Mid: 2, High: 2}
	e.UpdateConfig(next)
	e.UpdateConfig(nil)

	assert.Same(t, next, e.Config())
	assert.Equal(t, pos.SLPercentage, e.OpenPositions()["NIFTY50"].SLPercentage, "stop loss frozen at entry")
}
