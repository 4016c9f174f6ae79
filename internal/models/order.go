package models

import "time"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending           OrderStatus = "PENDING"
	OrderPlaced            OrderStatus = "PLACED"
	OrderRejected          OrderStatus = "REJECTED"
	OrderFilled            OrderStatus = "FILLED"
	OrderCancelled         OrderStatus = "CANCELLED"
	OrderInsufficientFunds OrderStatus = "INSUFFICIENT_FUNDS"
)

// Acknowledged reports whether the broker accepted the order.
func (s OrderStatus) Acknowledged() bool {
	return s == OrderPlaced || s == OrderFilled
}

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Order is one order sent (or simulated) to the broker.
type Order struct {
	OrderID         string      `json:"order_id"`
	BrokerOrderID   string      `json:"broker_order_id,omitempty"`
	Underlying      string      `json:"underlying"`
	Symbol          string      `json:"symbol"`
	Token           string      `json:"token,omitempty"`
	Exchange        string      `json:"exchange"`
	Strike          float64     `json:"strike"`
	OptionType      string      `json:"option_type"`
	Side            OrderSide   `json:"transaction_type"`
	OrderType       string      `json:"order_type"`
	Quantity        int         `json:"quantity"`
	Price           float64     `json:"price"`
	Status          OrderStatus `json:"status"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	Paper           bool        `json:"paper"`
	CreatedAt       time.Time   `json:"timestamp"`
}
