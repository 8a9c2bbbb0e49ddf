package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"options-core/internal/option"
	"options-core/internal/strategy"
)

// Stats aggregates closed trades. Money figures come from option P&L,
// IndexPoints from the index-level trades.
type Stats struct {
	Trades       int                         `json:"trades"`
	Wins         int                         `json:"wins"`
	Losses       int                         `json:"losses"`
	WinRate      float64                     `json:"win_rate"` // percent
	TotalPnL     float64                     `json:"total_pnl"`
	IndexPoints  float64                     `json:"index_points"`
	GrossProfit  float64                     `json:"gross_profit"`
	GrossLoss    float64                     `json:"gross_loss"`
	ProfitFactor float64                     `json:"profit_factor"`
	AvgWin       float64                     `json:"avg_win"`
	AvgLoss      float64                     `json:"avg_loss"`
	MaxDrawdown  float64                     `json:"max_drawdown"` // money, peak to trough of cumulative P&L
	ByReason     map[strategy.ExitReason]int `json:"by_reason"`
}

// Compute builds Stats from ledger snapshots. Open trades are skipped.
func Compute(trades []strategy.IndexTrade, opts []option.Trade) Stats {
	s := Stats{ByReason: make(map[strategy.ExitReason]int)}

	points := decimal.Zero
	for i := range trades {
		if trades[i].IsOpen() {
			continue
		}
		points = points.Add(decimal.NewFromFloat(trades[i].PnL))
		s.ByReason[trades[i].ExitReason]++
	}
	s.IndexPoints = points.InexactFloat64()

	var total, profit, loss, peak, dd decimal.Decimal
	for i := range opts {
		if opts[i].IsOpen() {
			continue
		}
		pnl := decimal.NewFromFloat(opts[i].PnL)
		s.Trades++
		if pnl.IsPositive() {
			s.Wins++
			profit = profit.Add(pnl)
		} else {
			s.Losses++
			loss = loss.Add(pnl.Abs())
		}
		total = total.Add(pnl)
		if total.GreaterThan(peak) {
			peak = total
		}
		if d := peak.Sub(total); d.GreaterThan(dd) {
			dd = d
		}
	}

	s.TotalPnL = total.InexactFloat64()
	s.GrossProfit = profit.InexactFloat64()
	s.GrossLoss = loss.InexactFloat64()
	s.MaxDrawdown = dd.InexactFloat64()
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
	}
	if s.Wins > 0 {
		s.AvgWin = profit.Div(decimal.NewFromInt(int64(s.Wins))).InexactFloat64()
	}
	if s.Losses > 0 {
		s.AvgLoss = loss.Div(decimal.NewFromInt(int64(s.Losses))).InexactFloat64()
	}
	switch {
	case loss.IsPositive():
		s.ProfitFactor = profit.Div(loss).InexactFloat64()
	case profit.IsPositive():
		s.ProfitFactor = math.Inf(1)
	}
	return s
}
