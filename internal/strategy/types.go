package strategy

import (
	"encoding/json"
	"time"

	"options-core/internal/market"
	"options-core/internal/option"
)

// Kind is the closed set of strategy implementations.
type Kind string

const (
	KindMountainSignal Kind = "mountain_signal"
	KindORB            Kind = "orb"
)

func (k Kind) Valid() bool { return k == KindMountainSignal || k == KindORB }

// Side is the signal type: PE signals lead to a short index view (long
// put), CE signals to a long index view (long call).
type Side string

const (
	SidePE Side = "PE"
	SideCE Side = "CE"
)

func (s Side) OptionType() option.Type {
	if s == SidePE {
		return option.Put
	}
	return option.Call
}

// Position is the index-level direction of a trade.
type Position string

const (
	Short Position = "short"
	Long  Position = "long"
)

func (s Side) Position() Position {
	if s == SidePE {
		return Short
	}
	return Long
}

// Phase of the lifecycle state machine.
type Phase string

const (
	PhaseIdle  Phase = "idle"
	PhaseArmed Phase = "armed"
	PhaseOpen  Phase = "open"
)

// SignalCandle is the reference candle for entries.
type SignalCandle struct {
	Type       Side      `json:"type"`
	Start      time.Time `json:"start_time"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	SequenceID int64     `json:"sequence_id"`
	EMA        float64   `json:"ema"`
	RSI        float64   `json:"rsi"`
}

// ExitReason is one of six reasons, listed in priority order.
type ExitReason string

const (
	ExitOptionStopLoss ExitReason = "option_stop_loss"
	ExitOptionTarget   ExitReason = "option_target"
	ExitMarketClose    ExitReason = "market_close"
	ExitIndexStop      ExitReason = "index_stop"
	ExitIndexTarget    ExitReason = "index_target"
	ExitEndOfData      ExitReason = "end_of_data"
)

// ExitPriority lists exit reasons from highest to lowest priority.
var ExitPriority = []ExitReason{
	ExitOptionStopLoss,
	ExitOptionTarget,
	ExitMarketClose,
	ExitIndexStop,
	ExitIndexTarget,
	ExitEndOfData,
}

// Priority returns 1 for the highest priority reason, 0 for unknown.
func (r ExitReason) Priority() int {
	for i, e := range ExitPriority {
		if e == r {
			return i + 1
		}
	}
	return 0
}

// IndexTrade is the index-level trade. ExitTime is nil while open.
type IndexTrade struct {
	ID         string       `json:"id"`
	Signal     SignalCandle `json:"signal"`
	Side       Position     `json:"side"`
	EntryTime  time.Time    `json:"entry_time"`
	EntryPrice float64      `json:"entry_price"`
	ExitTime   *time.Time   `json:"exit_time,omitempty"`
	ExitPrice  float64      `json:"exit_price"`
	ExitReason ExitReason   `json:"exit_reason,omitempty"`
	PnL        float64      `json:"pnl"`
}

func (t *IndexTrade) IsOpen() bool { return t != nil && t.ExitTime == nil }

// ActionType says what an evaluation produced.
type ActionType string

const (
	ActionNone   ActionType = "none"
	ActionSignal ActionType = "signal"
	ActionEnter  ActionType = "enter"
	ActionExit   ActionType = "exit"
)

// Action is the single outcome of one evaluation. Trade and Option are
// copies safe to keep after the strategy moves on.
type Action struct {
	Type     ActionType    `json:"type"`
	Time     time.Time     `json:"time"`
	Signal   *SignalCandle `json:"signal,omitempty"`
	Replaced *SignalCandle `json:"replaced,omitempty"`
	Trade    *IndexTrade   `json:"trade,omitempty"`
	Option   *option.Trade `json:"option,omitempty"`
	Reason   ExitReason    `json:"reason,omitempty"`
	Note     string        `json:"note,omitempty"`
}

func none() Action { return Action{Type: ActionNone} }

// View is a read-only copy of the strategy's position for status snapshots.
type View struct {
	Phase      Phase         `json:"phase"`
	Signal     *SignalCandle `json:"signal,omitempty"`
	Trade      *IndexTrade   `json:"trade,omitempty"`
	Option     *option.Trade `json:"option,omitempty"`
	Confirmed  bool          `json:"reentry_confirmed"`
	Indicators any           `json:"indicators,omitempty"`
}

// Strategy is the contract shared by live runners, replay and batch
// evaluation. Evaluate is called with in-progress candles (Closed=false) as
// ticks arrive and once with each finalized candle.
type Strategy interface {
	Kind() Kind
	Evaluate(c market.Candle) Action
	// Finish force-closes an open trade at the end of available data.
	Finish(last market.Candle) Action
	Phase() Phase
	View() View
	GetState() (json.RawMessage, error)
	SetState(data json.RawMessage) error
}
