package indicators

// EMA is an incremental exponential moving average seeded with the first close.
type EMA struct {
	Period int     `json:"period"`
	Val    float64 `json:"value"`
	Count  int     `json:"count"`
}

// NewEMA builds an EMA; non-positive periods fall back to 5.
func NewEMA(period int) *EMA {
	if period <= 0 {
		period = 5
	}
	return &EMA{Period: period}
}

func (e *EMA) alpha() float64 { return 2.0 / float64(e.Period+1) }

// Update folds a finalized close into the average.
func (e *EMA) Update(close float64) float64 {
	e.Val = e.Peek(close)
	e.Count++
	return e.Val
}

// Peek returns the value the EMA would have after close without mutating it.
func (e *EMA) Peek(close float64) float64 {
	if e.Count == 0 {
		return close
	}
	return e.alpha()*close + (1-e.alpha())*e.Val
}

func (e *EMA) Value() float64 { return e.Val }

func (e *EMA) Ready() bool { return e.Count > 0 }

// EMASeries computes the EMA for every element of closes.
func EMASeries(closes []float64, period int) []float64 {
	e := NewEMA(period)
	out := make([]float64, len(closes))
	for i, c := range closes {
		out[i] = e.Update(c)
	}
	return out
}
