package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBroker counts calls and fails every call after failAfter when shouldFail is set.
type stubBroker struct {
	callCount  int
	shouldFail bool
	failAfter  int
	failWith   error
}

func (m *stubBroker) fail() error {
	m.callCount++
	if m.shouldFail && m.callCount > m.failAfter {
		if m.failWith != nil {
			return m.failWith
		}
		return errors.New("mock broker error")
	}
	return nil
}

func (m *stubBroker) GetQuote(_ context.Context, exchange, symbol string) (*Quote, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return &Quote{Exchange: exchange, Symbol: symbol, LastPrice: 100}, nil
}

func (m *stubBroker) GetHistorical(_ context.Context, _ HistoricalRequest) ([]Candle, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return []Candle{{Close: 1}}, nil
}

func (m *stubBroker) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResponse, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return &OrderResponse{OrderID: "1", Status: "success"}, nil
}

func (m *stubBroker) GetNetPositions(_ context.Context) ([]NetPosition, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return []NetPosition{}, nil
}

func fastSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     10 * time.Millisecond,
		Timeout:      20 * time.Millisecond,
		MinRequests:  1,
		FailureRatio: 0.5,
	}
}

func TestNewCircuitBreakerBroker(t *testing.T) {
	stub := &stubBroker{}
	cb := NewCircuitBreakerBroker(stub)

	require.NotNil(t, cb)
	assert.Same(t, stub, cb.Unwrap())
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerBroker_AllMethods(t *testing.T) {
	cb := NewCircuitBreakerBroker(&stubBroker{})
	ctx := context.Background()

	q, err := cb.GetQuote(ctx, "NSE", "NIFTY 50")
	require.NoError(t, err)
	assert.Equal(t, "NIFTY 50", q.Symbol)

	candles, err := cb.GetHistorical(ctx, HistoricalRequest{})
	require.NoError(t, err)
	assert.Len(t, candles, 1)

	resp, err := cb.PlaceOrder(ctx, OrderRequest{})
	require.NoError(t, err)
	assert.Equal(t, "1", resp.OrderID)

	positions, err := cb.GetNetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCircuitBreakerBroker_TripsOnInfrastructureFailures(t *testing.T) {
	stub := &stubBroker{shouldFail: true, failAfter: 3}
	cb := NewCircuitBreakerBrokerWithSettings(stub, fastSettings())

	for i := 0; i < 8; i++ {
		_, err := cb.GetQuote(context.Background(), "NSE", "NIFTY 50")
		if i < 3 {
			assert.NoError(t, err, "call %d", i+1)
		} else {
			assert.Error(t, err, "call %d", i+1)
		}
	}
	assert.Equal(t, gobreaker.StateOpen.String(), cb.State())

	_, err := cb.GetQuote(context.Background(), "NSE", "NIFTY 50")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestCircuitBreakerBroker_BusinessErrorsDoNotTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"no data", ErrNoData},
		{"rejected order", &OrderRejectedError{Reason: "insufficient margin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubBroker{shouldFail: true, failWith: tt.err}
			cb := NewCircuitBreakerBrokerWithSettings(stub, fastSettings())

			for i := 0; i < 6; i++ {
				_, err := cb.PlaceOrder(context.Background(), OrderRequest{})
				assert.ErrorIs(t, err, tt.err)
			}
			assert.Equal(t, "closed", cb.State())
		})
	}
}

func TestCircuitBreakerBroker_RecoveryBehavior(t *testing.T) {
	stub := &stubBroker{shouldFail: true, failAfter: 0}
	cb := NewCircuitBreakerBrokerWithSettings(stub, fastSettings())

	for i := 0; i < 3; i++ {
		_, _ = cb.GetNetPositions(context.Background())
	}
	require.Equal(t, "open", cb.State())

	stub.shouldFail = false
	assert.Eventually(t, func() bool {
		_, err := cb.GetNetPositions(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "closed", cb.State())
}
