package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"options-core/internal/market"
)

type orbState struct {
	book

	Day        string    `json:"day"`
	RangeStart time.Time `json:"range_start"`
	RangeHigh  float64   `json:"range_high"`
	RangeLow   float64   `json:"range_low"`
	TakenPE    bool      `json:"taken_pe"`
	TakenCE    bool      `json:"taken_ce"`
	Seq        int64     `json:"seq"`
}

func (s *orbState) ready() bool { return !s.RangeStart.IsZero() }

func (s *orbState) width() float64 { return s.RangeHigh - s.RangeLow }

// ORB trades the break of the opening range: the high and low of the first
// ORBWindow of the session. One entry per side per day; the opposite edge is
// the index stop and the index target sits ORBTargetMultiple range widths
// beyond the broken edge.
type ORB struct {
	env
	st orbState
}

func newORB(e env) *ORB {
	e.prefix = "ORB"
	return &ORB{env: e}
}

func (o *ORB) Kind() Kind { return KindORB }

func (o *ORB) Evaluate(c market.Candle) Action {
	st := &o.st
	if !c.Closed {
		if st.Trade != nil {
			return o.exitOn(c, "")
		}
		return none()
	}

	if day := o.session.Day(c.Start); day != st.Day {
		st.Day = day
		st.RangeStart = time.Time{}
		st.RangeHigh, st.RangeLow = 0, 0
		st.TakenPE, st.TakenCE = false, false
	}

	if st.Trade != nil {
		return o.exitOn(c, o.indexExit(c))
	}

	open := o.session.OpenAt(c.Start)
	if !c.Start.Before(open) && c.Start.Before(open.Add(o.p.ORBWindow)) {
		o.extend(c)
		return none()
	}
	if !st.ready() || c.Start.Before(open) || o.session.InSquareOff(c.At()) {
		return none()
	}

	switch {
	case c.Close > st.RangeHigh && !st.TakenCE:
		st.TakenCE = true
		return o.enter(SideCE, c)
	case c.Close < st.RangeLow && !st.TakenPE:
		st.TakenPE = true
		return o.enter(SidePE, c)
	}
	return none()
}

func (o *ORB) extend(c market.Candle) {
	st := &o.st
	if !st.ready() {
		st.RangeStart = c.Start
		st.RangeHigh, st.RangeLow = c.High, c.Low
		return
	}
	if c.High > st.RangeHigh {
		st.RangeHigh = c.High
	}
	if c.Low < st.RangeLow {
		st.RangeLow = c.Low
	}
}

func (o *ORB) enter(side Side, c market.Candle) Action {
	st := &o.st
	st.Seq++
	sig := SignalCandle{
		Type:       side,
		Start:      st.RangeStart,
		High:       st.RangeHigh,
		Low:        st.RangeLow,
		SequenceID: st.Seq,
	}
	act := st.book.enter(o.env, sig, c)
	act.Note = fmt.Sprintf("opening range %.2f-%.2f broken", st.RangeLow, st.RangeHigh)
	return act
}

// indexExit checks the candle-close exits: opposite range edge, then the
// range-multiple target.
func (o *ORB) indexExit(c market.Candle) ExitReason {
	sig := o.st.Trade.Signal
	reach := o.p.ORBTargetMultiple * (sig.High - sig.Low)
	switch sig.Type {
	case SideCE:
		if c.Close < sig.Low {
			return ExitIndexStop
		}
		if c.Close >= sig.High+reach {
			return ExitIndexTarget
		}
	case SidePE:
		if c.Close > sig.High {
			return ExitIndexStop
		}
		if c.Close <= sig.Low-reach {
			return ExitIndexTarget
		}
	}
	return ""
}

func (o *ORB) exitOn(c market.Candle, fallback ExitReason) Action {
	reason, premium := o.st.optionExit(o.env, c)
	if reason == "" {
		reason = fallback
	}
	if reason == "" {
		return none()
	}
	return o.st.book.exit(c, premium, reason)
}

func (o *ORB) Finish(last market.Candle) Action {
	if o.st.Trade == nil {
		return none()
	}
	last.Closed = true
	premium := o.pricer.Premium(o.st.Option.Contract, last.Close)
	return o.st.book.exit(last, premium, ExitEndOfData)
}

func (o *ORB) Phase() Phase {
	switch {
	case o.st.Trade != nil:
		return PhaseOpen
	case o.st.ready() && !(o.st.TakenPE && o.st.TakenCE):
		return PhaseArmed
	default:
		return PhaseIdle
	}
}

func (o *ORB) View() View {
	tr, opt := o.st.view()
	v := View{Phase: o.Phase(), Trade: tr, Option: opt}
	if tr != nil {
		v.Signal = copySignal(&tr.Signal)
	}
	if o.st.ready() {
		v.Indicators = map[string]float64{
			"range_high":  o.st.RangeHigh,
			"range_low":   o.st.RangeLow,
			"range_width": o.st.width(),
		}
	}
	return v
}

func (o *ORB) GetState() (json.RawMessage, error) {
	return json.Marshal(o.st)
}

func (o *ORB) SetState(data json.RawMessage) error {
	var st orbState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode orb state: %w", err)
	}
	o.st = st
	return nil
}
