package backtest

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"options-core/internal/errs"
	"options-core/internal/market"
	"options-core/internal/strategy"
	"options-core/pkg/logger"
)

// MaxCombinations bounds a grid search.
const MaxCombinations = 5000

// Grid lists candidate values per parameter. An empty list keeps the base
// value.
type Grid struct {
	StopLossPct       []float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TargetPct         []float64 `json:"target_pct" yaml:"target_pct"`
	EMAPeriod         []int     `json:"ema_period" yaml:"ema_period"`
	RSIOverbought     []float64 `json:"rsi_overbought" yaml:"rsi_overbought"`
	RSIOversold       []float64 `json:"rsi_oversold" yaml:"rsi_oversold"`
	ORBTargetMultiple []float64 `json:"orb_target_multiple" yaml:"orb_target_multiple"`
}

func orKeep[T any](vals []T, keep T) []T {
	if len(vals) == 0 {
		return []T{keep}
	}
	return vals
}

// Expand returns every combination of base with the grid applied, in a
// stable order.
func (g Grid) Expand(base strategy.Params) []strategy.Params {
	base = base.WithDefaults()
	var out []strategy.Params
	for _, sl := range orKeep(g.StopLossPct, base.StopLossPct) {
		for _, tp := range orKeep(g.TargetPct, base.TargetPct) {
			for _, ema := range orKeep(g.EMAPeriod, base.EMAPeriod) {
				for _, ob := range orKeep(g.RSIOverbought, base.RSIOverbought) {
					for _, oversold := range orKeep(g.RSIOversold, base.RSIOversold) {
						for _, m := range orKeep(g.ORBTargetMultiple, base.ORBTargetMultiple) {
							p := base
							p.StopLossPct, p.TargetPct, p.EMAPeriod = sl, tp, ema
							p.RSIOverbought, p.RSIOversold, p.ORBTargetMultiple = ob, oversold, m
							out = append(out, p)
						}
					}
				}
			}
		}
	}
	return out
}

// Ranked is one optimizer entry. Err is set for combinations that failed
// validation; those sort last.
type Ranked struct {
	Rank   int             `json:"rank"`
	Params strategy.Params `json:"params"`
	Stats  Stats           `json:"stats"`
	Err    string          `json:"error,omitempty"`
}

// Optimize evaluates every grid combination on a worker pool and ranks the
// results by total P&L, then by win rate. workers <= 0 uses GOMAXPROCS.
// opts are passed to each Evaluate.
func Optimize(ctx context.Context, base strategy.Params, grid Grid, candles []market.Candle, workers int, opts ...Option) ([]Ranked, error) {
	if err := checkSeries(candles); err != nil {
		return nil, err
	}
	combos := grid.Expand(base)
	if len(combos) > MaxCombinations {
		return nil, errs.Validation("grid has %d combinations, limit is %d", len(combos), MaxCombinations)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	log := logger.Named("backtest")
	log.Infow("optimizer started", "combinations", len(combos), "workers", workers, "candles", len(candles))

	out := make([]Ranked, len(combos))
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range combos {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := Ranked{Params: p}
			res, err := Evaluate(p, candles, opts...)
			if err != nil {
				r.Err = err.Error()
			} else {
				r.Stats = res.Stats
			}
			out[i] = r

			mu.Lock()
			done++
			if done%100 == 0 {
				log.Debugw("optimizer progress", "done", done, "total", len(combos))
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Err == "") != (b.Err == "") {
			return a.Err == ""
		}
		if a.Stats.TotalPnL != b.Stats.TotalPnL {
			return a.Stats.TotalPnL > b.Stats.TotalPnL
		}
		return a.Stats.WinRate > b.Stats.WinRate
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}
