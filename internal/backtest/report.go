package backtest

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"options-core/internal/strategy"
)

func money(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	return t
}

// Render writes the summary and trade list of r.
func Render(w io.Writer, r *Result) {
	p := r.Params
	summary := newTable(w, fmt.Sprintf("%s %s  %s .. %s", p.Kind, p.Instrument,
		r.From.Format("2006-01-02 15:04"), r.To.Format("2006-01-02 15:04")))
	summary.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	s := r.Stats
	summary.AppendRows([]table.Row{
		{"Candles", r.Candles},
		{"Trades", s.Trades},
		{"Wins / Losses", fmt.Sprintf("%d / %d", s.Wins, s.Losses)},
		{"Win rate", fmt.Sprintf("%.2f%%", s.WinRate)},
		{"Total P&L", money(s.TotalPnL)},
		{"Index points", money(s.IndexPoints)},
		{"Profit factor", money(s.ProfitFactor)},
		{"Avg win", money(s.AvgWin)},
		{"Avg loss", money(s.AvgLoss)},
		{"Max drawdown", money(s.MaxDrawdown)},
	})
	reasons := make([]strategy.ExitReason, 0, len(s.ByReason))
	for k := range s.ByReason {
		reasons = append(reasons, k)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i].Priority() < reasons[j].Priority() })
	if len(reasons) > 0 {
		summary.AppendSeparator()
		for _, k := range reasons {
			summary.AppendRow(table.Row{"exit " + string(k), s.ByReason[k]})
		}
	}
	summary.Render()

	if len(r.Trades) == 0 {
		return
	}
	trades := newTable(w, "Trades")
	trades.AppendHeader(table.Row{"#", "Side", "Entry", "Price", "Exit", "Price", "Reason", "Points", "Option", "Premium in", "Premium out", "P&L"})
	right := []table.ColumnConfig{}
	for _, n := range []int{4, 6, 8, 10, 11, 12} {
		right = append(right, table.ColumnConfig{Number: n, Align: text.AlignRight})
	}
	trades.SetColumnConfigs(right)
	for i, t := range r.Trades {
		row := table.Row{i + 1, t.Side, t.EntryTime.Format("01-02 15:04"), money(t.EntryPrice), "", "", "", "", "", "", "", ""}
		if t.ExitTime != nil {
			row[4], row[5], row[6], row[7] = t.ExitTime.Format("01-02 15:04"), money(t.ExitPrice), string(t.ExitReason), money(t.PnL)
		}
		if i < len(r.Options) {
			o := r.Options[i]
			row[8], row[9] = o.Contract.Symbol, money(o.EntryPrice)
			if !o.IsOpen() {
				row[10], row[11] = money(o.ExitPrice), money(o.PnL)
			}
		}
		trades.AppendRow(row)
	}
	trades.AppendFooter(table.Row{"", "", "", "", "", "", "Total", money(s.IndexPoints), "", "", "", money(s.TotalPnL)})
	trades.Render()
}

// RenderRanking writes the top n optimizer entries; n <= 0 writes all.
func RenderRanking(w io.Writer, ranked []Ranked, n int) {
	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}
	t := newTable(w, fmt.Sprintf("Top %d of %d", n, len(ranked)))
	t.AppendHeader(table.Row{"Rank", "SL %", "TP %", "EMA", "RSI OB/OS", "ORB x", "Trades", "Win %", "P&L", "PF", "Max DD"})
	cols := []table.ColumnConfig{}
	for c := 7; c <= 11; c++ {
		cols = append(cols, table.ColumnConfig{Number: c, Align: text.AlignRight})
	}
	t.SetColumnConfigs(cols)
	for _, r := range ranked[:n] {
		p := r.Params
		row := table.Row{r.Rank, fmt.Sprintf("%.1f", p.StopLossPct*100), fmt.Sprintf("%.1f", p.TargetPct*100), p.EMAPeriod,
			fmt.Sprintf("%.0f/%.0f", p.RSIOverbought, p.RSIOversold), p.ORBTargetMultiple}
		if r.Err != "" {
			row = append(row, "error", r.Err, "", "", "")
		} else {
			s := r.Stats
			row = append(row, s.Trades, fmt.Sprintf("%.1f", s.WinRate), money(s.TotalPnL), money(s.ProfitFactor), money(s.MaxDrawdown))
		}
		t.AppendRow(row)
	}
	t.Render()
}
