package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/fno_trader/internal/broker"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/storage"
)

type fakeAuth struct {
	mock.Mock
}

func (f *fakeAuth) InitiateLogin(ctx context.Context) error {
	return f.Called(ctx).Error(0)
}

func (f *fakeAuth) CompleteLogin(ctx context.Context, otp string) error {
	return f.Called(ctx, otp).Error(0)
}

func (f *fakeAuth) IsAuthenticated() bool {
	return f.Called().Bool(0)
}

var _ broker.Authenticator = (*fakeAuth)(nil)

func TestStatus(t *testing.T) {
	tb := newTestBot(t, &MockBroker{})
	tb.openNifty(t, 100)
	tb.setVIX(17.5)

	st := tb.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "paper (simulated)", st.Mode)
	assert.True(t, st.Authenticated, "no authenticator means no login needed")
	assert.True(t, st.InSession)
	assert.True(t, st.InEntryWindow)
	assert.Equal(t, 17.5, st.VIX)
	assert.Equal(t, []string{instruments.BankNifty, instruments.Nifty}, st.Underlyings)
	assert.Equal(t, models.PhaseOpen, st.Phases[instruments.Nifty])
	assert.Equal(t, models.PhaseFlat, st.Phases[instruments.BankNifty])
	nifty := st.PhaseDetails[instruments.Nifty]
	assert.Equal(t, models.ConditionOrderPlaced, nifty.Condition)
	assert.Equal(t, models.PhaseFlat, nifty.Previous)
	assert.True(t, nifty.HoldsPosition)
	assert.Equal(t, 1, nifty.Opened)
	assert.True(t, testNow.Equal(nifty.Since))
	assert.Equal(t, 1, st.Account.OpenPositions)
	assert.Equal(t, testNow, st.Time)
}

func TestStatus_ReportsBreakerState(t *testing.T) {
	tb := newTestBot(t, broker.NewCircuitBreakerBroker(&MockBroker{}))
	assert.Equal(t, "closed", tb.Status().BrokerState)
}

func TestSetTrading(t *testing.T) {
	tb := newTestBot(t, &MockBroker{})
	tb.SetTrading(false)
	assert.False(t, tb.Status().Running)
	assert.Contains(t, tb.logbuf.String(), "Trading STOPPED")

	tb.logbuf.Reset()
	tb.SetTrading(false)
	assert.Empty(t, tb.logbuf.String(), "no log when nothing changes")

	tb.SetTrading(true)
	assert.True(t, tb.Status().Running)
}

func TestOpenPositionsAndHistory(t *testing.T) {
	tb := newTestBot(t, &MockBroker{})
	assert.Empty(t, tb.OpenPositions())

	tb.openNifty(t, 100)
	open := tb.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, instruments.Nifty, open[0].Underlying)

	_, err := tb.engine.BeginExit(instruments.Nifty, "")
	require.NoError(t, err)
	_, err = tb.engine.ExitTrade(instruments.Nifty, 104, 26050, models.ExitManual)
	require.NoError(t, err)

	assert.Empty(t, tb.OpenPositions())
	require.Len(t, tb.History(), 1)
	assert.InDelta(t, 260, tb.History()[0].RealisedPnL(), 1e-9)
}

func TestLogin_Unsupported(t *testing.T) {
	tb := newTestBot(t, &MockBroker{})
	assert.ErrorIs(t, tb.InitiateLogin(context.Background()), errLoginUnsupported)
	assert.ErrorIs(t, tb.CompleteLogin(context.Background(), "123456"), errLoginUnsupported)
}

func TestLogin_DelegatesToAuthenticator(t *testing.T) {
	tb := newTestBot(t, &MockBroker{})
	auth := &fakeAuth{}
	auth.On("InitiateLogin", mock.Anything).Return(nil)
	auth.On("CompleteLogin", mock.Anything, "654321").Return(nil)
	auth.On("IsAuthenticated").Return(false)
	tb.auth = auth

	require.NoError(t, tb.InitiateLogin(context.Background()))
	require.NoError(t, tb.CompleteLogin(context.Background(), "654321"))
	assert.False(t, tb.Status().Authenticated)
	auth.AssertExpectations(t)
}

func TestReloadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}

	tb := newTestBot(t, &MockBroker{})
	assert.Error(t, tb.ReloadConfig(), "no config path")

	tb.configPath = path
	write("broker:\n  simulate: true\nrisk:\n  profit_target_amount: 400\n")
	require.NoError(t, tb.ReloadConfig())
	assert.Equal(t, 400.0, tb.engine.Config().Risk.ProfitTargetAmount)

	write("environment:\n  mode: live\nbroker:\n  api_key: k\n  api_secret: s\n")
	assert.Error(t, tb.ReloadConfig())
	assert.Equal(t, "paper", tb.engine.Config().Environment.Mode)

	write("environment:\n  mode: bogus\n")
	assert.Error(t, tb.ReloadConfig())
	assert.Equal(t, 400.0, tb.engine.Config().Risk.ProfitTargetAmount)
}

func TestOrdersBackend(t *testing.T) {
	mb := &MockBroker{}
	mb.onQuote("NSE", "NIFTY 50", 25400)
	mb.onQuote("NFO", niftyCE, 80)
	mb.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(&broker.OrderResponse{OrderID: "B9", Status: "success"}, nil)

	tb := newTestBot(t, mb)
	tb.openNifty(t, 100)
	tb.exitTick(context.Background())

	orders := tb.Orders(10)
	require.Len(t, orders, 1)
	assert.Equal(t, "B9", orders[0].BrokerOrderID)
	assert.Equal(t, models.SideSell, orders[0].Side)

	s := tb.OrderSummary()
	assert.Equal(t, 1, s.TotalOrders)
	assert.Equal(t, 1, s.Placed)
	assert.InDelta(t, 100, s.SuccessRate, 1e-9)
}

func TestResetCounters(t *testing.T) {
	tb := newTestBot(t, &MockBroker{})
	tb.rememberPremium("P1", 50)
	tb.safetyNet["P1"] = 2

	tb.resetCounters()
	assert.Empty(t, tb.safetyNet)
	assert.Equal(t, 75.0, tb.lastPremium(models.Position{ID: "P1", EntryPrice: 75}))
}

func TestStart_PaperOrdersSkipReconciliation(t *testing.T) {
	mb := &MockBroker{}
	cfg := testConfig(t)
	bot := NewBot(cfg, "", Deps{Broker: mb, Store: storage.NewMockStorage()}, nil)
	assert.Nil(t, bot.reconciler)

	bot.Start(context.Background())
	mb.AssertNotCalled(t, "GetNetPositions", mock.Anything)
}

func TestStart_ReconcilesLiveOrders(t *testing.T) {
	mb := &MockBroker{}
	mb.On("GetNetPositions", mock.Anything).Return([]broker.NetPosition{}, nil).Once()

	tb := newTestBot(t, mb)
	tb.Start(context.Background())
	mb.AssertExpectations(t)
}
