// Package backtest runs a strategy over a finite candle series with no live
// component. It drives the same strategy.Strategy used by live and replay
// runners, so a batch ledger matches a runner fed the same candles.
package backtest

import (
	"time"

	"options-core/internal/errs"
	"options-core/internal/market"
	"options-core/internal/option"
	"options-core/internal/strategy"
)

// Result is the outcome of one evaluation.
type Result struct {
	Params  strategy.Params       `json:"params"`
	Trades  []strategy.IndexTrade `json:"trades"`
	Options []option.Trade        `json:"options"`
	Stats   Stats                 `json:"stats"`
	Actions []strategy.Action     `json:"-"`
	Candles int                   `json:"candles"`
	From    time.Time             `json:"from"`
	To      time.Time             `json:"to"`
}

type evalConfig struct {
	pricer  option.Pricer
	actions bool
}

// Option customizes Evaluate.
type Option func(*evalConfig)

// WithPricer prices option contracts with p instead of the params' model.
func WithPricer(p option.Pricer) Option { return func(c *evalConfig) { c.pricer = p } }

// WithActions keeps every non-empty action in Result.Actions.
func WithActions() Option { return func(c *evalConfig) { c.actions = true } }

// Evaluate folds candles through a fresh strategy. Candles are treated as
// closed; an open trade is force-closed on the last candle.
func Evaluate(p strategy.Params, candles []market.Candle, opts ...Option) (*Result, error) {
	var cfg evalConfig
	for _, o := range opts {
		o(&cfg)
	}
	p = p.WithDefaults()
	if err := checkSeries(candles); err != nil {
		return nil, err
	}
	strat, err := strategy.New(p, cfg.pricer)
	if err != nil {
		return nil, err
	}

	res := &Result{Params: p, Candles: len(candles), From: candles[0].Start, To: candles[len(candles)-1].End()}
	ledger := strategy.NewLedger()
	apply := func(a strategy.Action) {
		if a.Type == strategy.ActionNone {
			return
		}
		if cfg.actions {
			res.Actions = append(res.Actions, a)
		}
		ledger.Apply(a)
	}

	var last market.Candle
	for _, c := range candles {
		c.Closed = true
		if c.Width == 0 {
			c.Width = p.CandleWidth
		}
		apply(strat.Evaluate(c))
		last = c
	}
	apply(strat.Finish(last))

	res.Trades, res.Options = ledger.Snapshot()
	res.Stats = Compute(res.Trades, res.Options)
	return res, nil
}

// checkSeries rejects empty or unordered input.
func checkSeries(candles []market.Candle) error {
	if len(candles) == 0 {
		return errs.Validation("no candles to evaluate")
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Start.After(candles[i-1].Start) {
			return errs.Validation("candles out of order at %d: %s after %s",
				i, candles[i].Start.Format(time.RFC3339), candles[i-1].Start.Format(time.RFC3339))
		}
	}
	return nil
}
