package strategy

import (
	"time"

	"options-core/internal/indicators"
	"options-core/internal/market"
)

// Window is the pre-close evaluation window: Offset before the scheduled
// close, plus or minus Tolerance.
type Window struct {
	Offset    time.Duration `json:"offset"`
	Tolerance time.Duration `json:"tolerance"`
}

// Contains reports whether remaining time-to-close falls inside the window.
func (w Window) Contains(remaining time.Duration) bool {
	return remaining >= w.Offset-w.Tolerance && remaining <= w.Offset+w.Tolerance
}

// Detector decides whether a candle qualifies as a PE or CE signal candle.
// A candle is evaluated at most once.
type Detector struct {
	Window     Window    `json:"window"`
	Overbought float64   `json:"overbought"`
	Oversold   float64   `json:"oversold"`
	Last       time.Time `json:"last"` // start of the last evaluated candle
}

func NewDetector(p Params) Detector {
	return Detector{
		Window:     Window{Offset: p.SignalOffset, Tolerance: p.SignalTolerance},
		Overbought: p.RSIOverbought,
		Oversold:   p.RSIOversold,
	}
}

// Evaluated reports whether c was already checked.
func (d *Detector) Evaluated(c market.Candle) bool {
	return !d.Last.IsZero() && d.Last.Equal(c.Start)
}

// Due reports whether c should be checked now: finalized candles that were
// never checked, or in-progress candles inside the window.
func (d *Detector) Due(c market.Candle) bool {
	if d.Evaluated(c) {
		return false
	}
	if c.Closed {
		return true
	}
	return d.Window.Contains(c.Remaining())
}

// Check marks c evaluated and returns the signal type it qualifies for.
// PE: low above EMA with RSI overbought. CE: high below EMA with RSI oversold.
func (d *Detector) Check(c market.Candle, v indicators.Values) (Side, bool) {
	d.Last = c.Start
	if !v.RSIReady {
		return "", false
	}
	switch {
	case c.Low > v.EMA && v.RSI > d.Overbought:
		return SidePE, true
	case c.High < v.EMA && v.RSI < d.Oversold:
		return SideCE, true
	}
	return "", false
}
