package indicators

// Values are the indicator readings for one candle. RSIReady is false while
// the RSI is still undefined.
type Values struct {
	EMA      float64 `json:"ema"`
	RSI      float64 `json:"rsi"`
	RSIReady bool    `json:"rsi_ready"`
}

// Set keeps the EMA and RSI for one close series. Finalized candles go
// through Push; the in-progress candle is read with Provisional.
type Set struct {
	EMA *EMA `json:"ema"`
	RSI *RSI `json:"rsi"`
}

func NewSet(emaPeriod, rsiPeriod int) *Set {
	return &Set{EMA: NewEMA(emaPeriod), RSI: NewRSI(rsiPeriod)}
}

// Push folds a finalized close and returns the resulting values.
func (s *Set) Push(close float64) Values {
	ema := s.EMA.Update(close)
	rsi, ok := s.RSI.Update(close)
	return Values{EMA: ema, RSI: rsi, RSIReady: ok}
}

// Provisional evaluates an unfinished close without changing state.
func (s *Set) Provisional(close float64) Values {
	ema := s.EMA.Peek(close)
	rsi, ok := s.RSI.Peek(close)
	return Values{EMA: ema, RSI: rsi, RSIReady: ok}
}

// Current returns the values as of the last finalized close.
func (s *Set) Current() Values {
	rsi, ok := s.RSI.Value()
	return Values{EMA: s.EMA.Value(), RSI: rsi, RSIReady: ok}
}
