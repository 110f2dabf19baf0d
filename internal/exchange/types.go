// Package exchange defines the domain types shared by xconnect's
// connectivity services and the client interfaces they drive.
package exchange

import (
	"context"
	"time"
)

// Side is the order side.
type Side string

const (
	// Buy places a bid.
	Buy Side = "BUY"
	// Sell places an ask.
	Sell Side = "SELL"
)

// OrderType selects the execution style.
type OrderType string

const (
	// Limit rests at a price.
	Limit OrderType = "LIMIT"
	// Market crosses immediately.
	Market OrderType = "MARKET"
)

// OrderStatus is the exchange-reported lifecycle of an order.
type OrderStatus string

const (
	// OrderNew is accepted but unfilled.
	OrderNew OrderStatus = "NEW"
	// OrderPartiallyFilled has partial executions.
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// OrderFilled is fully executed.
	OrderFilled OrderStatus = "FILLED"
	// OrderCancelled was cancelled before completion.
	OrderCancelled OrderStatus = "CANCELLED"
	// OrderRejected was refused by the exchange.
	OrderRejected OrderStatus = "REJECTED"
)

// Ticker is a normalized top-of-book snapshot.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// Trade is a normalized public trade print.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      Side      `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// Balance is one asset's account balance.
type Balance struct {
	Asset     string    `json:"asset"`
	Free      float64   `json:"free"`
	Locked    float64   `json:"locked"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Position is a normalized position snapshot.
type Position struct {
	Symbol     string    `json:"symbol"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	MarkPrice  float64   `json:"mark_price"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OrderRequest is a new-order instruction.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price,omitempty"`
	Quantity      float64   `json:"quantity"`
}

// Order is the exchange's view of a submitted order.
type Order struct {
	ExchangeOrderID string      `json:"exchange_order_id"`
	ClientOrderID   string      `json:"client_order_id"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Type            OrderType   `json:"type"`
	Price           float64     `json:"price"`
	Quantity        float64     `json:"quantity"`
	FilledQuantity  float64     `json:"filled_quantity"`
	Status          OrderStatus `json:"status"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ExecReport is the normalized execution report published downstream.
type ExecReport struct {
	Exchange        string      `json:"exchange"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	ClientOrderID   string      `json:"client_order_id"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Status          OrderStatus `json:"status"`
	Price           float64     `json:"price"`
	FilledQuantity  float64     `json:"filled_quantity"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Client is the REST surface of one exchange integration. Implementations
// perform the wire I/O; the services drive them through the runtime's
// execution envelope.
type Client interface {
	// Name returns the exchange name.
	Name() string
	// FetchBalances returns the current account balances.
	FetchBalances(ctx context.Context) ([]Balance, error)
	// FetchPositions returns the current positions.
	FetchPositions(ctx context.Context) ([]Position, error)
	// PlaceOrder submits a new order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// CancelOrder cancels an open order by client order id.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)
}
