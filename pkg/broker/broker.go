// Package broker defines the trading venue contract used by the engine and
// an in-memory paper implementation of it.
package broker

import (
	"context"
	"time"
)

// Side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType of an order.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Status of an order on the venue.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusComplete  Status = "COMPLETE"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// Terminal reports whether the order can no longer change.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusRejected
}

// OrderRequest is a new order. Tag is echoed back on the order so the engine
// can match venue orders to its own records.
type OrderRequest struct {
	Tag    string    `json:"tag"`
	Symbol string    `json:"symbol"`
	Side   Side      `json:"side"`
	Type   OrderType `json:"type"`
	Qty    int       `json:"qty"`
	Price  float64   `json:"price,omitempty"` // limit price
}

// Order is the venue's view of an order.
type Order struct {
	ID        string    `json:"id"`
	Tag       string    `json:"tag"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Qty       int       `json:"qty"`
	FilledQty int       `json:"filled_qty"`
	Price     float64   `json:"price"`
	AvgPrice  float64   `json:"avg_price"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Margins is the account's cash picture.
type Margins struct {
	Available float64 `json:"available"`
	Used      float64 `json:"used"`
}

// Position is a net holding in one instrument.
type Position struct {
	Symbol    string  `json:"symbol"`
	Qty       int     `json:"qty"`
	AvgPrice  float64 `json:"avg_price"`
	LastPrice float64 `json:"last_price"`
	PnL       float64 `json:"pnl"`
}

// Broker is one authenticated venue session. Implementations return errors
// classified with the errs package: SessionInvalid for rejected credentials,
// Transient for retryable failures, Permanent for rejections.
type Broker interface {
	ValidateSession(ctx context.Context) error
	Quote(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyOrder(ctx context.Context, orderID string, price float64, qty int) (Order, error)
	Margins(ctx context.Context) (Margins, error)
	Orders(ctx context.Context) ([]Order, error)
	Positions(ctx context.Context) ([]Position, error)
}

// Factory opens a broker session for an access token.
type Factory func(token string) (Broker, error)
