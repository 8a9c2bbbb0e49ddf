package order

import (
	"time"

	"options-core/pkg/broker"
)

// Intent is an order the engine wants on the venue.
type Intent struct {
	DeploymentID string
	TradeID      string
	Symbol       string
	Side         broker.Side
	Qty          int
	Price        float64 // reference premium; orders go out as market
	Reason       string
}

// Order is the engine's record of a submitted intent.
type Order struct {
	ID            string        `json:"id"`
	Tag           string        `json:"tag"`
	DeploymentID  string        `json:"deployment_id"`
	TradeID       string        `json:"trade_id"`
	Symbol        string        `json:"symbol"`
	Side          broker.Side   `json:"side"`
	Qty           int           `json:"qty"`
	Price         float64       `json:"price"`
	AvgPrice      float64       `json:"avg_price"`
	Status        broker.Status `json:"status"`
	BrokerOrderID string        `json:"broker_order_id,omitempty"`
	Message       string        `json:"message,omitempty"`
	DryRun        bool          `json:"dry_run,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (o Order) Filled() bool { return o.Status == broker.StatusComplete }

// Rejection is published on order.rejected.
type Rejection struct {
	Order  Order  `json:"order"`
	Reason string `json:"reason"`
}

func (r Rejection) AlertText() string {
	return r.Order.DeploymentID + " " + string(r.Order.Side) + " " + r.Order.Symbol + " rejected: " + r.Reason
}
