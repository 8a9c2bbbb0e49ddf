package indicators

// RSI is Wilder's Relative Strength Index computed incrementally.
// The first average is the simple mean of the first Period deltas; later
// averages are smoothed as avg = (avg*(period-1) + x) / period.
type RSI struct {
	Period  int     `json:"period"`
	Last    float64 `json:"last"`
	Count   int     `json:"count"` // closes seen
	SumGain float64 `json:"sum_gain"`
	SumLoss float64 `json:"sum_loss"`
	AvgGain float64 `json:"avg_gain"`
	AvgLoss float64 `json:"avg_loss"`
}

// NewRSI builds an RSI; non-positive periods fall back to 14.
func NewRSI(period int) *RSI {
	if period <= 0 {
		period = 14
	}
	return &RSI{Period: period}
}

// Update folds a finalized close in and returns the RSI once it is defined.
func (r *RSI) Update(close float64) (float64, bool) {
	next := r.step(close)
	*r = next
	return r.Value()
}

// Peek returns the RSI that would result from close without mutating state.
func (r *RSI) Peek(close float64) (float64, bool) {
	next := r.step(close)
	return next.Value()
}

// Value is undefined (false) until Period+1 closes have been seen.
func (r *RSI) Value() (float64, bool) {
	if r.Count <= r.Period {
		return 0, false
	}
	return rsiFrom(r.AvgGain, r.AvgLoss), true
}

func (r RSI) step(close float64) RSI {
	if r.Count == 0 {
		r.Last = close
		r.Count = 1
		return r
	}

	change := close - r.Last
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}
	r.Last = close
	r.Count++

	p := float64(r.Period)
	switch {
	case r.Count <= r.Period:
		r.SumGain += gain
		r.SumLoss += loss
	case r.Count == r.Period+1:
		r.AvgGain = (r.SumGain + gain) / p
		r.AvgLoss = (r.SumLoss + loss) / p
	default:
		r.AvgGain = (r.AvgGain*(p-1) + gain) / p
		r.AvgLoss = (r.AvgLoss*(p-1) + loss) / p
	}
	return r
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// RSISeries returns the RSI per close. Entries before it is defined are zero
// with ok false.
func RSISeries(closes []float64, period int) (values []float64, ok []bool) {
	r := NewRSI(period)
	values = make([]float64, len(closes))
	ok = make([]bool, len(closes))
	for i, c := range closes {
		values[i], ok[i] = r.Update(c)
	}
	return values, ok
}
