// Package order turns strategy entries and exits into broker orders,
// persists them and publishes their lifecycle on the bus.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"

	"options-core/internal/errs"
	"options-core/internal/events"
	"options-core/internal/monitor"
	"options-core/internal/strategy"
	"options-core/pkg/broker"
	"options-core/pkg/db"
	"options-core/pkg/logger"
)

// ErrWaitTimeout is returned when an order is still open after the wait budget.
var ErrWaitTimeout = errors.New("order did not complete in time")

// Executor persists orders, sends them through a broker session and emits
// updates. A nil DB skips persistence.
type Executor struct {
	DB      *db.Database
	Bus     *events.Bus
	Metrics *monitor.Metrics

	// DryRun records orders as filled at the reference premium and never
	// calls the broker.
	DryRun bool

	// Wait bounds the completion poll after each submission.
	WaitTimeout  time.Duration
	PollInterval time.Duration

	log *zap.SugaredLogger
	now func() time.Time
}

func NewExecutor(database *db.Database, bus *events.Bus, metrics *monitor.Metrics) *Executor {
	return &Executor{
		DB:           database,
		Bus:          bus,
		Metrics:      metrics,
		WaitTimeout:  10 * time.Second,
		PollInterval: 500 * time.Millisecond,
		log:          logger.Named("order"),
		now:          time.Now,
	}
}

// NewTag returns a short unique order tag. Venues cap tag length, so the
// uuid is packed with base62.
func NewTag() string {
	id := uuid.New()
	return base62.EncodeToString(id[:])
}

// IntentFor maps a strategy action onto the option order it implies. Only
// entries and exits carrying an option trade produce an order.
func IntentFor(deploymentID string, a strategy.Action) (Intent, bool) {
	if a.Option == nil || a.Trade == nil {
		return Intent{}, false
	}
	in := Intent{
		DeploymentID: deploymentID,
		TradeID:      a.Trade.ID,
		Symbol:       a.Option.Contract.Symbol,
		Qty:          a.Option.LotSize,
	}
	switch a.Type {
	case strategy.ActionEnter:
		in.Side = broker.Buy
		in.Price = a.Option.EntryPrice
		in.Reason = "entry"
	case strategy.ActionExit:
		in.Side = broker.Sell
		in.Price = a.Option.ExitPrice
		in.Reason = string(a.Reason)
	default:
		return Intent{}, false
	}
	return in, in.Qty > 0
}

// Execute places the order for an action. It returns (nil, nil) for actions
// that need no order.
func (e *Executor) Execute(ctx context.Context, b broker.Broker, deploymentID string, a strategy.Action) (*Order, error) {
	in, ok := IntentFor(deploymentID, a)
	if !ok {
		return nil, nil
	}
	o, err := e.Submit(ctx, b, in)
	return &o, err
}

// Submit sends one intent. The order row is written before the broker call
// so that a crash mid-call leaves a record with the tag to reconcile by.
func (e *Executor) Submit(ctx context.Context, b broker.Broker, in Intent) (Order, error) {
	if in.Qty <= 0 || in.Symbol == "" {
		return Order{}, errs.Validation("order for %q needs a symbol and positive qty (got %d)", in.Symbol, in.Qty)
	}
	o := Order{
		ID:           uuid.NewString(),
		Tag:          NewTag(),
		DeploymentID: in.DeploymentID,
		TradeID:      in.TradeID,
		Symbol:       in.Symbol,
		Side:         in.Side,
		Qty:          in.Qty,
		Price:        in.Price,
		Status:       broker.StatusOpen,
		DryRun:       e.DryRun || b == nil,
		CreatedAt:    e.now(),
	}
	if err := e.store(ctx, o); err != nil {
		return o, err
	}
	e.publish(events.EventOrderSubmitted, o)

	if o.DryRun {
		o.Status = broker.StatusComplete
		o.AvgPrice = in.Price
		o.Message = "dry run"
		e.finish(ctx, o)
		return o, nil
	}

	venue, err := b.PlaceOrder(ctx, broker.OrderRequest{
		Tag:    o.Tag,
		Symbol: o.Symbol,
		Side:   o.Side,
		Type:   broker.Market,
		Qty:    o.Qty,
	})
	if err != nil {
		o.Status = broker.StatusRejected
		o.BrokerOrderID = venue.ID
		o.Message = errs.Reason(err)
		e.finish(ctx, o)
		return o, fmt.Errorf("submit %s %s: %w", o.Side, o.Symbol, err)
	}
	e.merge(&o, venue)

	if !o.Status.Terminal() && e.WaitTimeout > 0 {
		final, werr := e.WaitForCompletion(ctx, b, venue.ID, e.WaitTimeout, e.PollInterval)
		if werr != nil {
			o.Message = werr.Error()
			e.finish(ctx, o)
			return o, werr
		}
		e.merge(&o, final)
	}
	e.finish(ctx, o)
	if o.Status != broker.StatusComplete {
		return o, errs.Permanent("submit", fmt.Errorf("order %s ended %s: %s", o.Tag, o.Status, o.Message))
	}
	return o, nil
}

// WaitForCompletion polls the broker until the order reaches a terminal
// status, the timeout passes, or ctx is cancelled.
func (e *Executor) WaitForCompletion(ctx context.Context, b broker.Broker, brokerOrderID string, timeout, interval time.Duration) (broker.Order, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		orders, err := b.Orders(ctx)
		if err != nil && !errs.Retryable(err) {
			return broker.Order{}, err
		}
		for _, o := range orders {
			if o.ID == brokerOrderID && o.Status.Terminal() {
				return o, nil
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return broker.Order{}, errs.Transient("wait for order", fmt.Errorf("%w: %s after %s", ErrWaitTimeout, brokerOrderID, timeout))
			}
			return broker.Order{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) merge(o *Order, venue broker.Order) {
	o.BrokerOrderID = venue.ID
	o.Status = venue.Status
	o.AvgPrice = venue.AvgPrice
	if venue.Message != "" {
		o.Message = venue.Message
	}
}

func (e *Executor) finish(ctx context.Context, o Order) {
	if e.DB != nil {
		if err := e.DB.UpdateOrderStatus(ctx, o.ID, string(o.Status), o.BrokerOrderID, o.AvgPrice, o.Message); err != nil {
			e.log.Errorw("update order failed", "order", o.ID, "err", err)
		}
	}
	switch o.Status {
	case broker.StatusComplete:
		if e.Metrics != nil {
			e.Metrics.IncOrders()
		}
		e.publish(events.EventOrderFilled, o)
		e.log.Infow("order filled", "deployment", o.DeploymentID, "trade", o.TradeID, "symbol", o.Symbol,
			"side", o.Side, "qty", o.Qty, "avg_price", o.AvgPrice, "dry_run", o.DryRun)
	case broker.StatusRejected, broker.StatusCancelled:
		e.publish(events.EventOrderRejected, Rejection{Order: o, Reason: o.Message})
		e.log.Warnw("order not filled", "deployment", o.DeploymentID, "symbol", o.Symbol, "status", o.Status, "reason", o.Message)
	}
}

func (e *Executor) store(ctx context.Context, o Order) error {
	if e.DB == nil {
		return nil
	}
	err := e.DB.CreateOrder(ctx, db.Order{
		ID:           o.ID,
		DeploymentID: o.DeploymentID,
		Tag:          o.Tag,
		TradeID:      o.TradeID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Qty:          o.Qty,
		Price:        o.Price,
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("store order: %w", err)
	}
	return nil
}

func (e *Executor) publish(topic events.Event, payload any) {
	if e.Bus != nil {
		e.Bus.Publish(topic, payload)
	}
}
