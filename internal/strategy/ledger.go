package strategy

import (
	"github.com/shopspring/decimal"

	"options-core/internal/option"
)

// Ledger folds strategy actions into the trade lists reported by runners and
// the batch evaluator. It is not safe for concurrent use.
type Ledger struct {
	Trades  []IndexTrade   `json:"trades"`
	Options []option.Trade `json:"options"`

	index map[string]int
}

func NewLedger() *Ledger {
	return &Ledger{index: make(map[string]int)}
}

// Apply records entries and replaces the matching trade on exit. Other
// action types are ignored.
func (l *Ledger) Apply(a Action) {
	if a.Trade == nil {
		return
	}
	if l.index == nil {
		l.reindex()
	}
	switch a.Type {
	case ActionEnter:
		l.index[a.Trade.ID] = len(l.Trades)
		l.Trades = append(l.Trades, *copyTrade(a.Trade))
		if a.Option != nil {
			l.Options = append(l.Options, *copyOption(a.Option))
		}
	case ActionExit:
		i, ok := l.index[a.Trade.ID]
		if !ok {
			l.index[a.Trade.ID] = len(l.Trades)
			l.Trades = append(l.Trades, *copyTrade(a.Trade))
			if a.Option != nil {
				l.Options = append(l.Options, *copyOption(a.Option))
			}
			return
		}
		l.Trades[i] = *copyTrade(a.Trade)
		if a.Option != nil && i < len(l.Options) {
			l.Options[i] = *copyOption(a.Option)
		}
	}
}

// Open returns the open index trade, if any.
func (l *Ledger) Open() *IndexTrade {
	for i := len(l.Trades) - 1; i >= 0; i-- {
		if l.Trades[i].IsOpen() {
			return copyTrade(&l.Trades[i])
		}
	}
	return nil
}

// Closed returns the closed index trades in entry order.
func (l *Ledger) Closed() []IndexTrade {
	out := make([]IndexTrade, 0, len(l.Trades))
	for i := range l.Trades {
		if !l.Trades[i].IsOpen() {
			out = append(out, *copyTrade(&l.Trades[i]))
		}
	}
	return out
}

// ClosedOptions returns the closed option trades in entry order.
func (l *Ledger) ClosedOptions() []option.Trade {
	out := make([]option.Trade, 0, len(l.Options))
	for i := range l.Options {
		if !l.Options[i].IsOpen() {
			out = append(out, *copyOption(&l.Options[i]))
		}
	}
	return out
}

// RealizedPnL sums option P&L over closed trades.
func (l *Ledger) RealizedPnL() float64 {
	total := decimal.Zero
	for i := range l.Options {
		if !l.Options[i].IsOpen() {
			total = total.Add(decimal.NewFromFloat(l.Options[i].PnL))
		}
	}
	return total.InexactFloat64()
}

// IndexPnL sums index-point P&L over closed trades.
func (l *Ledger) IndexPnL() float64 {
	total := decimal.Zero
	for i := range l.Trades {
		if !l.Trades[i].IsOpen() {
			total = total.Add(decimal.NewFromFloat(l.Trades[i].PnL))
		}
	}
	return total.InexactFloat64()
}

// Snapshot returns deep copies of both trade lists.
func (l *Ledger) Snapshot() ([]IndexTrade, []option.Trade) {
	trades := make([]IndexTrade, len(l.Trades))
	for i := range l.Trades {
		trades[i] = *copyTrade(&l.Trades[i])
	}
	opts := make([]option.Trade, len(l.Options))
	for i := range l.Options {
		opts[i] = *copyOption(&l.Options[i])
	}
	return trades, opts
}

// Restore replaces the ledger contents, e.g. from a checkpoint.
func (l *Ledger) Restore(trades []IndexTrade, opts []option.Trade) {
	l.Trades = trades
	l.Options = opts
	l.reindex()
}

func (l *Ledger) Len() int { return len(l.Trades) }

func (l *Ledger) reindex() {
	l.index = make(map[string]int, len(l.Trades))
	for i := range l.Trades {
		l.index[l.Trades[i].ID] = i
	}
}
