package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"options-core/internal/indicators"
	"options-core/internal/market"
)

type mountainState struct {
	book

	Signal         *SignalCandle `json:"signal,omitempty"`
	NextSeq        int64         `json:"next_seq"`
	LastEnteredSeq int64         `json:"last_entered_seq"`
	Confirmed      bool          `json:"confirmed"`

	// Index target tracking for the open trade.
	TargetArmed bool `json:"target_armed"`
	Crosses     int  `json:"crosses"`

	// Start of the last candle seen in progress; such candles are never
	// re-checked for signals at close.
	LastSeen time.Time `json:"last_seen"`

	Detector   Detector        `json:"detector"`
	Indicators *indicators.Set `json:"indicators"`
}

// MountainSignal is the EMA/RSI signal-candle strategy. It moves through
// idle -> armed -> open and back, with entries gated by first-entry or
// re-entry confirmation and exits evaluated in fixed priority order.
type MountainSignal struct {
	env
	st mountainState
}

func newMountainSignal(e env) *MountainSignal {
	e.prefix = "MS"
	return &MountainSignal{
		env: e,
		st: mountainState{
			Detector:   NewDetector(e.p),
			Indicators: indicators.NewSet(e.p.EMAPeriod, e.p.RSIPeriod),
		},
	}
}

func (m *MountainSignal) Kind() Kind { return KindMountainSignal }

// Evaluate folds finalized closes into the indicators, reads provisional
// values for in-progress candles and runs Step.
func (m *MountainSignal) Evaluate(c market.Candle) Action {
	var v indicators.Values
	if c.Closed {
		v = m.st.Indicators.Push(c.Close)
	} else {
		v = m.st.Indicators.Provisional(c.Close)
	}
	return m.Step(c, v)
}

// Step applies one candle with explicit indicator values.
func (m *MountainSignal) Step(c market.Candle, v indicators.Values) Action {
	st := &m.st
	if !c.Closed {
		st.LastSeen = c.Start
		if st.Trade != nil {
			return m.tickExit(c)
		}
		m.confirm(c)
		if st.Detector.Due(c) {
			return m.detect(c, v)
		}
		return none()
	}

	if st.Trade != nil {
		return m.candleExit(c, v)
	}
	m.confirm(c)
	if act, ok := m.tryEnter(c); ok {
		return act
	}
	if !st.LastSeen.Equal(c.Start) && st.Detector.Due(c) {
		return m.detect(c, v)
	}
	return none()
}

// Finish force-closes an open trade at the last available price.
func (m *MountainSignal) Finish(last market.Candle) Action {
	if m.st.Trade == nil {
		return none()
	}
	last.Closed = true
	premium := m.pricer.Premium(m.st.Option.Contract, last.Close)
	return m.close(last, premium, ExitEndOfData)
}

func (m *MountainSignal) detect(c market.Candle, v indicators.Values) Action {
	st := &m.st
	typ, ok := st.Detector.Check(c, v)
	if !ok {
		return none()
	}

	prev := st.Signal
	st.NextSeq++
	st.Signal = &SignalCandle{
		Type:       typ,
		Start:      c.Start,
		High:       c.High,
		Low:        c.Low,
		SequenceID: st.NextSeq,
		EMA:        v.EMA,
		RSI:        v.RSI,
	}
	st.Confirmed = false

	act := Action{Type: ActionSignal, Time: c.At(), Signal: copySignal(st.Signal)}
	if prev != nil {
		act.Replaced = copySignal(prev)
		if prev.Type == typ {
			act.Note = fmt.Sprintf("%s signal #%d replaced by #%d", typ, prev.SequenceID, st.NextSeq)
		} else {
			act.Note = fmt.Sprintf("%s signal #%d cleared by %s signal #%d", prev.Type, prev.SequenceID, typ, st.NextSeq)
		}
	}
	return act
}

// confirm records re-entry price action against a signal that was already
// traded. Only prices after the last exit count: within the exit candle the
// latest tick is used instead of the candle extremes.
func (m *MountainSignal) confirm(c market.Candle) {
	st := &m.st
	sig := st.Signal
	if sig == nil || st.Confirmed || sig.SequenceID != st.LastEnteredSeq {
		return
	}
	hi, lo := c.High, c.Low
	if !c.Closed || (st.ExitAt.After(c.Start) && st.ExitAt.Before(c.End())) {
		hi, lo = c.Close, c.Close
	}
	switch sig.Type {
	case SidePE:
		st.Confirmed = hi > sig.Low
	case SideCE:
		st.Confirmed = lo < sig.High
	}
}

func (m *MountainSignal) tryEnter(c market.Candle) (Action, bool) {
	st := &m.st
	sig := st.Signal
	if sig == nil || !c.Start.After(sig.Start) || m.session.InSquareOff(c.At()) {
		return none(), false
	}

	var triggered bool
	switch sig.Type {
	case SidePE:
		triggered = c.Close < sig.Low
	case SideCE:
		triggered = c.Close > sig.High
	}
	if !triggered {
		return none(), false
	}

	first := sig.SequenceID != st.LastEnteredSeq
	if !first && !st.Confirmed {
		return none(), false
	}

	st.LastEnteredSeq = sig.SequenceID
	st.Confirmed = false
	st.TargetArmed = false
	st.Crosses = 0
	act := st.book.enter(m.env, *sig, c)
	if !first {
		act.Note = fmt.Sprintf("re-entry on signal #%d", sig.SequenceID)
	}
	return act, true
}

func (m *MountainSignal) tickExit(c market.Candle) Action {
	reason, premium := m.st.optionExit(m.env, c)
	if reason == "" {
		return none()
	}
	return m.close(c, premium, reason)
}

func (m *MountainSignal) candleExit(c market.Candle, v indicators.Values) Action {
	st := &m.st
	targetHit := m.trackTarget(c, v)

	reason, premium := st.optionExit(m.env, c)
	if reason == "" {
		sig := st.Trade.Signal
		switch {
		case sig.Type == SidePE && c.Close > sig.High,
			sig.Type == SideCE && c.Close < sig.Low:
			reason = ExitIndexStop
		case targetHit:
			reason = ExitIndexTarget
		}
	}
	if reason == "" {
		return none()
	}
	return m.close(c, premium, reason)
}

// trackTarget arms the index target once a candle trades fully beyond the
// EMA in the profit direction (PE: high < EMA, CE: low > EMA) and reports a
// hit after two consecutive closes back across the EMA.
func (m *MountainSignal) trackTarget(c market.Candle, v indicators.Values) bool {
	st := &m.st
	pe := st.Trade.Signal.Type == SidePE

	if st.TargetArmed {
		back := (pe && c.Close > v.EMA) || (!pe && c.Close < v.EMA)
		if back {
			st.Crosses++
		} else {
			st.Crosses = 0
		}
		if st.Crosses >= 2 {
			return true
		}
	}
	if (pe && c.High < v.EMA) || (!pe && c.Low > v.EMA) {
		st.TargetArmed = true
		st.Crosses = 0
	}
	return false
}

func (m *MountainSignal) close(c market.Candle, premium float64, reason ExitReason) Action {
	st := &m.st
	act := st.book.exit(c, premium, reason)
	st.Confirmed = false
	st.TargetArmed = false
	st.Crosses = 0
	return act
}

func (m *MountainSignal) Phase() Phase {
	switch {
	case m.st.Trade != nil:
		return PhaseOpen
	case m.st.Signal != nil:
		return PhaseArmed
	default:
		return PhaseIdle
	}
}

func (m *MountainSignal) View() View {
	tr, opt := m.st.view()
	return View{
		Phase:      m.Phase(),
		Signal:     copySignal(m.st.Signal),
		Trade:      tr,
		Option:     opt,
		Confirmed:  m.st.Confirmed,
		Indicators: m.st.Indicators.Current(),
	}
}

func (m *MountainSignal) GetState() (json.RawMessage, error) {
	return json.Marshal(m.st)
}

func (m *MountainSignal) SetState(data json.RawMessage) error {
	var st mountainState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode mountain signal state: %w", err)
	}
	if st.Indicators == nil || st.Indicators.EMA == nil || st.Indicators.RSI == nil {
		st.Indicators = indicators.NewSet(m.p.EMAPeriod, m.p.RSIPeriod)
	}
	st.Detector.Window = Window{Offset: m.p.SignalOffset, Tolerance: m.p.SignalTolerance}
	st.Detector.Overbought = m.p.RSIOverbought
	st.Detector.Oversold = m.p.RSIOversold
	m.st = st
	return nil
}
