package market

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrOutOfOrder   = errors.New("tick older than current candle")
	ErrInvalidTick  = errors.New("invalid tick")
	ErrInvalidWidth = errors.New("candle width must be positive")
)

// Aggregator folds ticks into fixed-width candles per instrument.
// Buckets without ticks produce no candle.
type Aggregator struct {
	mu      sync.Mutex
	width   time.Duration
	keep    int
	current map[string]*Candle
	history map[string][]Candle
}

// NewAggregator keeps the last keep finalized candles per instrument.
func NewAggregator(width time.Duration, keep int) (*Aggregator, error) {
	if width <= 0 {
		return nil, ErrInvalidWidth
	}
	if keep <= 0 {
		keep = 500
	}
	return &Aggregator{
		width:   width,
		keep:    keep,
		current: make(map[string]*Candle),
		history: make(map[string][]Candle),
	}, nil
}

func (a *Aggregator) Width() time.Duration { return a.width }

// Add applies a tick. When the tick opens a new bucket the previous candle is
// finalized and returned as closed. current is the in-progress candle after
// the tick was applied.
func (a *Aggregator) Add(t Tick) (closed *Candle, current Candle, err error) {
	if t.Price <= 0 || t.Time.IsZero() || t.Time.Unix() < 0 {
		return nil, Candle{}, fmt.Errorf("%w: %s price=%v time=%v", ErrInvalidTick, t.Instrument, t.Price, t.Time)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := Bucket(t.Time, a.width)
	cur := a.current[t.Instrument]

	if cur != nil && start.Before(cur.Start) {
		return nil, *cur, fmt.Errorf("%w: %s tick %v before candle %v", ErrOutOfOrder, t.Instrument, t.Time, cur.Start)
	}

	if cur != nil && start.After(cur.Start) {
		done := a.finalize(t.Instrument, cur)
		closed = &done
		cur = nil
	}

	if cur == nil {
		cur = &Candle{
			Instrument: t.Instrument,
			Start:      start,
			Width:      a.width,
			Open:       t.Price,
			High:       t.Price,
			Low:        t.Price,
			Close:      t.Price,
		}
		a.current[t.Instrument] = cur
	}

	if t.Price > cur.High {
		cur.High = t.Price
	}
	if t.Price < cur.Low {
		cur.Low = t.Price
	}
	cur.Close = t.Price
	cur.Volume += t.Volume
	if t.Time.After(cur.Updated) {
		cur.Updated = t.Time
	}

	return closed, *cur, nil
}

// Flush finalizes the in-progress candle for instrument, if any.
func (a *Aggregator) Flush(instrument string) (Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.current[instrument]
	if cur == nil {
		return Candle{}, false
	}
	return a.finalize(instrument, cur), true
}

// Current returns the in-progress candle.
func (a *Aggregator) Current(instrument string) (Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.current[instrument]
	if cur == nil {
		return Candle{}, false
	}
	return *cur, true
}

// History returns a copy of the finalized candles, oldest first.
func (a *Aggregator) History(instrument string) []Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history[instrument]
	out := make([]Candle, len(h))
	copy(out, h)
	return out
}

func (a *Aggregator) finalize(instrument string, cur *Candle) Candle {
	done := *cur
	done.Closed = true
	h := append(a.history[instrument], done)
	if len(h) > a.keep {
		h = h[len(h)-a.keep:]
	}
	a.history[instrument] = h
	delete(a.current, instrument)
	return done
}
