package strategy

import (
	"fmt"
	"time"

	"options-core/internal/market"
	"options-core/internal/option"
)

// env is the immutable wiring shared by every strategy kind.
type env struct {
	p       Params
	session Session
	pricer  option.Pricer
	prefix  string
}

// book holds the open index trade and its linked option trade.
type book struct {
	Trade  *IndexTrade   `json:"trade,omitempty"`
	Option *option.Trade `json:"option,omitempty"`
	Count  int           `json:"count"`
	ExitAt time.Time     `json:"exit_at"`
}

func (b *book) enter(e env, sig SignalCandle, c market.Candle) Action {
	at := c.At()
	b.Count++
	tr := &IndexTrade{
		ID:         fmt.Sprintf("%s-%d", e.prefix, b.Count),
		Signal:     sig,
		Side:       sig.Type.Position(),
		EntryTime:  at,
		EntryPrice: c.Close,
	}
	contract := e.p.Option.NewContract(c.Close, sig.Type.OptionType(), at.In(e.session.Location()))
	premium := e.pricer.Premium(contract, c.Close)
	b.Trade = tr
	b.Option = option.Open(tr.ID, contract, premium, at, e.p.Units(), e.p.StopLossPct, e.p.TargetPct)

	s := sig
	return Action{Type: ActionEnter, Time: at, Signal: &s, Trade: copyTrade(tr), Option: copyOption(b.Option)}
}

// optionExit checks the three exits that can fire on any tick: option stop,
// option target and the square-off window, in that order.
func (b *book) optionExit(e env, c market.Candle) (ExitReason, float64) {
	premium := e.pricer.Premium(b.Option.Contract, c.Close)
	switch {
	case b.Option.HitStop(premium):
		return ExitOptionStopLoss, premium
	case b.Option.HitTarget(premium):
		return ExitOptionTarget, premium
	case e.session.InSquareOff(c.At()):
		return ExitMarketClose, premium
	}
	return "", premium
}

func (b *book) exit(c market.Candle, premium float64, reason ExitReason) Action {
	at := c.At()
	tr := b.Trade
	exitAt := at
	tr.ExitTime = &exitAt
	tr.ExitPrice = c.Close
	tr.ExitReason = reason
	if tr.Side == Short {
		tr.PnL = tr.EntryPrice - c.Close
	} else {
		tr.PnL = c.Close - tr.EntryPrice
	}
	_ = b.Option.Close(premium, at, string(reason))

	act := Action{Type: ActionExit, Time: at, Reason: reason, Trade: copyTrade(tr), Option: copyOption(b.Option)}
	b.Trade, b.Option = nil, nil
	b.ExitAt = at
	return act
}

func (b *book) view() (*IndexTrade, *option.Trade) {
	return copyTrade(b.Trade), copyOption(b.Option)
}

func copyTrade(t *IndexTrade) *IndexTrade {
	if t == nil {
		return nil
	}
	c := *t
	if t.ExitTime != nil {
		e := *t.ExitTime
		c.ExitTime = &e
	}
	return &c
}

func copyOption(t *option.Trade) *option.Trade {
	if t == nil {
		return nil
	}
	c := *t
	if t.ExitTime != nil {
		e := *t.ExitTime
		c.ExitTime = &e
	}
	return &c
}

func copySignal(s *SignalCandle) *SignalCandle {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
