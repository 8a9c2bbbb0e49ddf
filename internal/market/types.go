package market

import "time"

// Tick is one price print from the upstream feed.
type Tick struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Time       time.Time `json:"time"`
}

// Candle is a fixed-width OHLC bar. The in-progress candle keeps Closed=false
// and Updated at the last tick time.
type Candle struct {
	Instrument string        `json:"instrument"`
	Start      time.Time     `json:"start"`
	Width      time.Duration `json:"width"`
	Open       float64       `json:"open"`
	High       float64       `json:"high"`
	Low        float64       `json:"low"`
	Close      float64       `json:"close"`
	Volume     float64       `json:"volume"`
	Updated    time.Time     `json:"updated"`
	Closed     bool          `json:"closed"`
}

// End is the scheduled close time of the candle.
func (c Candle) End() time.Time { return c.Start.Add(c.Width) }

// At is the evaluation time: the close time for a finished candle, the last
// tick time otherwise.
func (c Candle) At() time.Time {
	if c.Closed || c.Updated.IsZero() {
		return c.End()
	}
	return c.Updated
}

// Remaining is how long until the candle closes, measured from At.
func (c Candle) Remaining() time.Duration { return c.End().Sub(c.At()) }

// Bucket floors t to the candle width.
func Bucket(t time.Time, width time.Duration) time.Time {
	return t.Truncate(width)
}
