// Package broker defines the brokerage surface the bot trades through and the
// mStock Type-A client that implements it.
package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/fno_trader/internal/models"
)

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Market data
	GetQuote(ctx context.Context, exchange, symbol string) (*Quote, error)
	GetHistorical(ctx context.Context, req HistoricalRequest) ([]Candle, error)

	// Order placement; a non-success broker status is returned as *OrderRejectedError
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// Account
	GetNetPositions(ctx context.Context) ([]NetPosition, error)
}

// Authenticator runs the two-step OTP login.
type Authenticator interface {
	InitiateLogin(ctx context.Context) error
	CompleteLogin(ctx context.Context, otp string) error
	IsAuthenticated() bool
}

// Sentinel errors
var (
	// ErrNoData is returned when a quote or candle request yields nothing usable.
	ErrNoData = errors.New("broker: no data")
	// ErrNotAuthenticated is returned when no access token is available or the broker rejects it.
	ErrNotAuthenticated = errors.New("broker: not authenticated")
)

// Quote is a last-traded-price snapshot.
type Quote struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Token     string  `json:"instrument_token"`
	LastPrice float64 `json:"last_price"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// HistoricalRequest selects a candle range.
type HistoricalRequest struct {
	Exchange  string
	Token     string
	Timeframe string // "day", "15minute", ...
	From      time.Time
	To        time.Time
}

// OrderRequest is a single-leg option order.
type OrderRequest struct {
	Symbol    string
	Exchange  string
	Token     string
	Side      models.OrderSide
	OrderType string // MARKET | LIMIT
	Quantity  int
	Price     float64
}

// OrderResponse carries the broker's acknowledgement.
type OrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NetPosition is one row of the broker's net position book.
type NetPosition struct {
	Symbol       string  `json:"tradingsymbol"`
	Exchange     string  `json:"exchange"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
}

// OrderRejectedError is a broker-side refusal (bad status, margin, etc.).
type OrderRejectedError struct {
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return "order rejected: " + e.Reason
}

// isBusinessError reports errors that say nothing about broker health.
func isBusinessError(err error) bool {
	var rejected *OrderRejectedError
	return errors.Is(err, ErrNoData) || errors.As(err, &rejected) || errors.Is(err, context.Canceled)
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings())
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at 60% failures over at least 5 calls.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isBusinessError(err)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for status reporting.
func (c *CircuitBreakerBroker) State() string {
	return c.breaker.State().String()
}

// Unwrap returns the wrapped broker.
func (c *CircuitBreakerBroker) Unwrap() Broker {
	return c.broker
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, exchange, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetQuote(ctx, exchange, symbol)
	})
}

// GetHistorical wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetHistorical(ctx context.Context, req HistoricalRequest) ([]Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Candle, error) {
		return b.GetHistorical(ctx, req)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// GetNetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetNetPositions(ctx context.Context) ([]NetPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]NetPosition, error) {
		return b.GetNetPositions(ctx)
	})
}
