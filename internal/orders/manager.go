// Package orders places option orders, paper or live, and keeps an order log.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/broker"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/storage"
)

// ErrInsufficientFunds marks broker refusals caused by margin or funds.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Config contains configuration for the order manager.
type Config struct {
	CallTimeout time.Duration
	// MaxLogEntries bounds the persisted log; oldest entries drop first.
	MaxLogEntries int
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	CallTimeout:   10 * time.Second,
	MaxLogEntries: 5000,
}

// Request describes one market order for an option contract.
type Request struct {
	Underlying string
	Symbol     string
	Exchange   string
	Token      string
	Strike     float64
	TradeType  models.TradeType
	Side       models.OrderSide
	Quantity   int
}

// Summary aggregates order outcomes.
type Summary struct {
	TotalOrders       int     `json:"total_orders"`
	Placed            int     `json:"placed"`
	Rejected          int     `json:"rejected"`
	InsufficientFunds int     `json:"insufficient_funds"`
	SuccessRate       float64 `json:"success_rate"`
}

// Observer is told about every order after it is logged.
type Observer func(models.Order)

// Manager handles order placement and the orders log.
type Manager struct {
	broker   broker.Broker
	logger   *log.Logger
	path     string
	config   Config
	now      func() time.Time
	observer Observer

	// writeMu orders disk writes so an older snapshot never replaces a newer one.
	writeMu sync.Mutex
	mu      sync.Mutex
	paper   bool
	orders  []models.Order
}

// NewManager creates a new order manager and loads any existing orders log.
// An unreadable log is logged and replaced on the next write.
func NewManager(
	b broker.Broker,
	path string,
	paper bool,
	logger *log.Logger,
	config ...Config,
) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.MaxLogEntries <= 0 {
		cfg.MaxLogEntries = DefaultConfig.MaxLogEntries
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	if b == nil && !paper {
		panic("orders.NewManager: broker must not be nil in live mode")
	}

	m := &Manager{
		broker: b,
		logger: logger,
		path:   path,
		config: cfg,
		now:    time.Now,
		paper:  paper,
	}
	if err := m.load(); err != nil {
		logger.Printf("WARNING: could not load orders log %s: %v", path, err)
	}
	return m
}

// SetObserver registers a callback invoked for every placed or refused order.
func (m *Manager) SetObserver(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// IsPaper reports whether orders are simulated.
func (m *Manager) IsPaper() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paper
}

func (m *Manager) load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var orders []models.Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return fmt.Errorf("parsing: %w", err)
	}
	m.orders = orders
	return nil
}

// Place sends one market order. Live orders go to the broker exactly once; a
// failure is recorded as REJECTED or INSUFFICIENT_FUNDS and never retried.
// The returned order is always logged.
func (m *Manager) Place(ctx context.Context, req Request) models.Order {
	m.mu.Lock()
	paper := m.paper
	now := m.now()
	m.mu.Unlock()

	order := models.Order{
		OrderID:    newOrderID(now),
		Underlying: req.Underlying,
		Symbol:     req.Symbol,
		Token:      req.Token,
		Exchange:   req.Exchange,
		Strike:     req.Strike,
		OptionType: req.TradeType.OptionSuffix(),
		Side:       req.Side,
		OrderType:  "MARKET",
		Quantity:   req.Quantity,
		Status:     models.OrderPending,
		Paper:      paper,
		CreatedAt:  now,
	}

	m.logger.Printf("PLACING ORDER: %s %d x %s", req.Side, req.Quantity, req.Symbol)

	switch {
	case req.Quantity <= 0 || req.Symbol == "":
		order.Status = models.OrderRejected
		order.RejectionReason = "invalid order request"
	case paper:
		order.Status = models.OrderPlaced
		order.BrokerOrderID = "PAPER_" + order.OrderID
		m.logger.Printf("PAPER ORDER placed: %s %d x %s", req.Side, req.Quantity, req.Symbol)
	default:
		m.placeLive(ctx, &order)
	}

	m.record(order)
	return order
}

func (m *Manager) placeLive(ctx context.Context, order *models.Order) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()

	if order.Token == "" {
		if q, err := m.broker.GetQuote(callCtx, order.Exchange, order.Symbol); err == nil && q.Token != "" {
			order.Token = q.Token
			m.logger.Printf("Resolved token %s for %s", q.Token, order.Symbol)
		} else {
			m.logger.Printf("WARNING: could not resolve token for %s", order.Symbol)
		}
	}

	resp, err := m.broker.PlaceOrder(callCtx, broker.OrderRequest{
		Symbol:    order.Symbol,
		Exchange:  order.Exchange,
		Token:     order.Token,
		Side:      order.Side,
		OrderType: order.OrderType,
		Quantity:  order.Quantity,
	})
	if err != nil {
		order.Status, order.RejectionReason = classifyFailure(err)
		m.logger.Printf("ORDER %s for %s: %s", order.Status, order.Symbol, order.RejectionReason)
		return
	}

	order.Status = models.OrderPlaced
	order.BrokerOrderID = resp.OrderID
	m.logger.Printf("ORDER PLACED: %s broker id %s", order.Symbol, resp.OrderID)
}

// classifyFailure maps a broker error onto a terminal status.
func classifyFailure(err error) (models.OrderStatus, string) {
	if errors.Is(err, ErrInsufficientFunds) {
		return models.OrderInsufficientFunds, "Insufficient funds"
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient") || strings.Contains(msg, "margin") {
		return models.OrderInsufficientFunds, "Insufficient funds"
	}
	return models.OrderRejected, err.Error()
}

func (m *Manager) record(order models.Order) {
	m.writeMu.Lock()
	m.mu.Lock()
	m.orders = append(m.orders, order)
	if over := len(m.orders) - m.config.MaxLogEntries; over > 0 {
		m.orders = append([]models.Order(nil), m.orders[over:]...)
	}
	snapshot := append([]models.Order(nil), m.orders...)
	observer := m.observer
	m.mu.Unlock()

	if m.path != "" {
		if err := storage.WriteJSONAtomic(m.path, snapshot); err != nil {
			m.logger.Printf("WARNING: failed to save orders log: %v", err)
		}
	}
	m.writeMu.Unlock()

	if observer != nil {
		observer(order)
	}
}

// Recent returns up to limit orders, newest first.
func (m *Manager) Recent(limit int) []models.Order {
	m.mu.Lock()
	out := append([]models.Order(nil), m.orders...)
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Summary reports counts by outcome; success_rate is placed/total in percent.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{TotalOrders: len(m.orders)}
	for _, o := range m.orders {
		switch o.Status {
		case models.OrderPlaced, models.OrderFilled:
			s.Placed++
		case models.OrderRejected:
			s.Rejected++
		case models.OrderInsufficientFunds:
			s.InsufficientFunds++
		}
	}
	if s.TotalOrders > 0 {
		s.SuccessRate = float64(s.Placed) / float64(s.TotalOrders) * 100
	}
	return s
}
