package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"options-core/internal/errs"
	"options-core/internal/option"
	"options-core/internal/runner"
	"options-core/internal/strategy"
	"options-core/pkg/broker"
)

// CheckMargin compares the capital an ATM entry needs (units x premium)
// with the funds the broker reports. A shortfall returns the filled check
// together with a validation error.
func CheckMargin(ctx context.Context, b broker.Broker, p strategy.Params, now time.Time) (MarginCheck, error) {
	index, err := b.Quote(ctx, p.Instrument)
	if err != nil {
		if errs.IsSessionInvalid(err) {
			return MarginCheck{}, err
		}
		// the feed may not have ticked yet
		return MarginCheck{}, errs.Transient("margin check", fmt.Errorf("no price for %s: %w", p.Instrument, err))
	}
	c := p.Option.NewContract(index, option.Call, now)
	premium, err := b.Quote(ctx, c.Symbol)
	if err != nil || premium <= 0 {
		if errs.IsSessionInvalid(err) {
			return MarginCheck{}, err
		}
		premium = p.Premium.Premium(c, index)
	}
	m, err := b.Margins(ctx)
	if err != nil {
		return MarginCheck{}, err
	}

	units := p.Units()
	required := decimal.NewFromFloat(premium).Mul(decimal.NewFromInt(int64(units))).Round(2)
	available := decimal.NewFromFloat(m.Available)
	mc := MarginCheck{
		Required:  required.InexactFloat64(),
		Available: m.Available,
		Premium:   premium,
		Units:     units,
		OK:        required.LessThanOrEqual(available),
		CheckedAt: now,
	}
	if !mc.OK {
		return mc, errs.Validation("insufficient margin: need %s for %d units of %s at %.2f, available %s",
			required.StringFixed(2), units, c.Symbol, premium, available.StringFixed(2))
	}
	return mc, nil
}

// Reconcile fetches margins, orders and positions and compares the broker's
// holding of the runner's open contract with the quantity the runner expects.
func Reconcile(ctx context.Context, b broker.Broker, s runner.Status, now time.Time) (Reconciliation, error) {
	rep := Reconciliation{At: now}
	m, err := b.Margins(ctx)
	if err != nil {
		rep.Error = errs.Reason(err)
		return rep, err
	}
	rep.Available = m.Available

	orders, err := b.Orders(ctx)
	if err != nil {
		rep.Error = errs.Reason(err)
		return rep, err
	}
	rep.Orders = len(orders)
	for _, o := range orders {
		if !o.Status.Terminal() {
			rep.OpenOrders++
		}
	}

	positions, err := b.Positions(ctx)
	if err != nil {
		rep.Error = errs.Reason(err)
		return rep, err
	}
	if s.Option != nil && s.Option.IsOpen() {
		rep.Symbol = s.Option.Contract.Symbol
		rep.ExpectedQty = s.Option.LotSize
	}
	stray := false
	for _, p := range positions {
		switch {
		case rep.Symbol != "" && p.Symbol == rep.Symbol:
			rep.BrokerQty = p.Qty
		case p.Qty != 0:
			stray = true
		}
	}
	rep.Drift = stray || rep.BrokerQty != rep.ExpectedQty
	return rep, nil
}
